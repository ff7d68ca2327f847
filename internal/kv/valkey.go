package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

// ValkeyConfig holds connection settings for the Valkey driver
type ValkeyConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// Valkey is a Store backed by a Valkey/Redis-compatible server. This is the
// production driver: it gives multiple gateway instances a shared view of
// sessions, refresh tokens, and dedup markers.
type Valkey struct {
	client valkey.Client
}

// NewValkey connects to the configured server and verifies the connection
func NewValkey(cfg ValkeyConfig) (*Valkey, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:  []string{cfg.Addr},
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.Addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("valkey ping failed: %w", err)
	}

	return &Valkey{client: client}, nil
}

// Get returns the value for key, or ErrNotFound
func (v *Valkey) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := v.client.Do(ctx, v.client.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("valkey get %s: %w", key, err)
	}
	return data, nil
}

// Set writes key with the given TTL
func (v *Valkey) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = v.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Ex(ttl).Build()
	} else {
		cmd = v.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()
	}
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey set %s: %w", key, err)
	}
	return nil
}

// SetNX writes key only if absent, returning whether the write happened
func (v *Valkey) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = v.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Nx().Ex(ttl).Build()
	} else {
		cmd = v.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Nx().Build()
	}
	err := v.client.Do(ctx, cmd).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("valkey setnx %s: %w", key, err)
	}
	return true, nil
}

// Delete removes key; missing keys are not an error
func (v *Valkey) Delete(ctx context.Context, key string) error {
	if err := v.client.Do(ctx, v.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("valkey del %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present
func (v *Valkey) Exists(ctx context.Context, key string) (bool, error) {
	n, err := v.client.Do(ctx, v.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("valkey exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Expire resets the TTL on an existing key
func (v *Valkey) Expire(ctx context.Context, key string, ttl time.Duration) error {
	n, err := v.client.Do(ctx, v.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("valkey expire %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SAdd adds members to the set at key
func (v *Valkey) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := v.client.Do(ctx, v.client.B().Sadd().Key(key).Member(members...).Build()).Error(); err != nil {
		return fmt.Errorf("valkey sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from the set at key
func (v *Valkey) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := v.client.Do(ctx, v.client.B().Srem().Key(key).Member(members...).Build()).Error(); err != nil {
		return fmt.Errorf("valkey srem %s: %w", key, err)
	}
	return nil
}

// SMembers returns all members of the set at key
func (v *Valkey) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := v.client.Do(ctx, v.client.B().Smembers().Key(key).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("valkey smembers %s: %w", key, err)
	}
	return members, nil
}

// Close releases the client connection pool
func (v *Valkey) Close() error {
	v.client.Close()
	return nil
}
