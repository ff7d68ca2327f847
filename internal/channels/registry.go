package channels

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"switchboard/internal/kv"
	"switchboard/pkg/protocol"
)

const (
	// defaultInboundBuffer bounds the fan-in channel
	defaultInboundBuffer = 256

	// dedupTTL is how long an inbound message id is remembered. Webhook
	// retries arrive within seconds; five minutes is generous.
	dedupTTL = 5 * time.Minute
)

// ErrUnknownChannel is returned when sending to an unregistered channel
var ErrUnknownChannel = errors.New("unknown channel")

// Registry owns the channel adapters. Each registered adapter gets a
// forwarder goroutine that drains its Incoming stream into the shared
// inbound channel, dropping duplicates along the way.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	kv      kv.Store
	inbound chan protocol.IncomingMessage
	wg      sync.WaitGroup
	closed  bool
}

// NewRegistry creates an empty registry. The store backs inbound
// deduplication; pass nil to disable dedup.
func NewRegistry(store kv.Store) *Registry {
	return &Registry{
		adapters: map[string]Adapter{},
		kv:       store,
		inbound:  make(chan protocol.IncomingMessage, defaultInboundBuffer),
	}
}

// Register connects an adapter and starts forwarding its messages.
// Registering two adapters with the same type is an error.
func (r *Registry) Register(ctx context.Context, adapter Adapter) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("registry is shut down")
	}
	if _, exists := r.adapters[adapter.Type()]; exists {
		r.mu.Unlock()
		return fmt.Errorf("channel %q already registered", adapter.Type())
	}
	r.adapters[adapter.Type()] = adapter
	r.mu.Unlock()

	if err := adapter.Connect(ctx); err != nil {
		r.mu.Lock()
		delete(r.adapters, adapter.Type())
		r.mu.Unlock()
		return fmt.Errorf("failed to connect channel %q: %w", adapter.Type(), err)
	}

	r.wg.Add(1)
	go r.forward(adapter)

	log.Printf("[Channels] Registered channel: %s", adapter.Type())
	return nil
}

// forward drains one adapter until its Incoming channel closes
func (r *Registry) forward(adapter Adapter) {
	defer r.wg.Done()

	for msg := range adapter.Incoming() {
		if r.isDuplicate(msg) {
			log.Printf("[Channels] Dropping duplicate message %s from %s", msg.Metadata.ChannelMessageID, msg.Channel)
			continue
		}

		select {
		case r.inbound <- msg:
		default:
			// Consumer is wedged; dropping beats blocking every adapter
			log.Printf("[Channels] Inbound buffer full, dropping message from %s", msg.Channel)
		}
	}
}

// isDuplicate claims the message id in the store; a failed claim means a
// retry of something already forwarded
func (r *Registry) isDuplicate(msg protocol.IncomingMessage) bool {
	if r.kv == nil || msg.Metadata.ChannelMessageID == "" {
		return false
	}

	key := fmt.Sprintf("dedup:%s:%s", msg.Channel, msg.Metadata.ChannelMessageID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	claimed, err := r.kv.SetNX(ctx, key, []byte("1"), dedupTTL)
	if err != nil {
		// Fail open: a rare duplicate beats dropping real messages
		log.Printf("[Channels] Dedup check failed: %v", err)
		return false
	}
	return !claimed
}

// Inbound is the merged stream of messages from every adapter
func (r *Registry) Inbound() <-chan protocol.IncomingMessage {
	return r.inbound
}

// Get returns the adapter for a channel type
func (r *Registry) Get(channelType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// Send routes one outgoing message to a user on the named channel
func (r *Registry) Send(ctx context.Context, channelType, userID string, msg protocol.OutgoingMessage) error {
	adapter, ok := r.Get(channelType)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channelType)
	}
	return adapter.Send(ctx, userID, msg)
}

// Statuses reports every adapter's health keyed by channel type
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[string]Status, len(r.adapters))
	for name, adapter := range r.adapters {
		statuses[name] = adapter.Status()
	}
	return statuses
}

// Shutdown disconnects every adapter and closes the inbound stream. A
// failing adapter is logged and skipped so the rest still stop.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.Unlock()

	for _, adapter := range adapters {
		if err := adapter.Disconnect(); err != nil {
			log.Printf("[Channels] Error disconnecting %s: %v", adapter.Type(), err)
		}
	}

	// Forwarders exit once the adapters close their Incoming channels
	r.wg.Wait()
	close(r.inbound)
	log.Printf("[Channels] All channels disconnected")
}
