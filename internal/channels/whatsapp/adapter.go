package whatsapp

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"switchboard/internal/channels"
	"switchboard/internal/kv"
	"switchboard/pkg/protocol"
)

const (
	// ChannelType is this adapter's registry identifier
	ChannelType = "whatsapp"

	// deliveryTTL caps how long an unacknowledged send is remembered
	deliveryTTL = 24 * time.Hour

	accessDeniedReply = "Access denied. This number is not authorized."
)

// Config holds the provider credentials and webhook settings
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// PublicURL is the externally visible webhook URL the provider signs
	PublicURL string
	// Allowlist restricts senders; empty allows everyone
	Allowlist []string
}

// Adapter is the store-and-forward channel implementation
type Adapter struct {
	cfg    Config
	client *Client
	kv     kv.Store
	allow  map[string]bool

	incoming chan protocol.IncomingMessage

	mu        sync.RWMutex
	connected bool
	since     time.Time
	lastError string
}

// New creates the adapter
func New(cfg Config, store kv.Store) *Adapter {
	allow := map[string]bool{}
	for _, number := range cfg.Allowlist {
		allow[number] = true
	}
	return &Adapter{
		cfg:      cfg,
		client:   NewClient(cfg.AccountSID, cfg.AuthToken, cfg.FromNumber),
		kv:       store,
		allow:    allow,
		incoming: make(chan protocol.IncomingMessage, 64),
	}
}

// Type implements channels.Adapter
func (a *Adapter) Type() string { return ChannelType }

// Connect validates the provider credentials once; a bad account aborts
// startup for this channel instead of failing per-message
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.client.ValidateCredentials(ctx); err != nil {
		a.mu.Lock()
		a.lastError = err.Error()
		a.mu.Unlock()
		return fmt.Errorf("whatsapp credential validation failed: %w", err)
	}

	a.mu.Lock()
	a.connected = true
	a.since = time.Now()
	a.mu.Unlock()
	log.Printf("[WhatsApp] Connected as %s", a.cfg.FromNumber)
	return nil
}

// Disconnect implements channels.Adapter
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	close(a.incoming)
	return nil
}

// Incoming implements channels.Adapter
func (a *Adapter) Incoming() <-chan protocol.IncomingMessage { return a.incoming }

// Status implements channels.Adapter
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return channels.Status{Connected: a.connected, Since: a.since, LastError: a.lastError}
}

func phoneKey(phone string) string  { return "waid:" + phone }
func userKey(userID string) string  { return "wauser:" + userID }
func convKey(userID string) string  { return "wconv:" + userID }
func modelKey(userID string) string { return "wmodel:" + userID }
func deliveryKey(sid string) string { return "delivery:" + sid }

// resolveUser maps a phone number to an internal user id, creating the
// binding on first contact and caching it in both directions
func (a *Adapter) resolveUser(ctx context.Context, phone string) (string, error) {
	if id, err := a.kv.Get(ctx, phoneKey(phone)); err == nil {
		return string(id), nil
	} else if err != kv.ErrNotFound {
		return "", fmt.Errorf("identity lookup failed: %w", err)
	}

	userID := uuid.New().String()
	if err := a.kv.Set(ctx, phoneKey(phone), []byte(userID), 0); err != nil {
		return "", fmt.Errorf("failed to store identity: %w", err)
	}
	if err := a.kv.Set(ctx, userKey(userID), []byte(phone), 0); err != nil {
		return "", fmt.Errorf("failed to store reverse identity: %w", err)
	}
	log.Printf("[WhatsApp] New contact %s mapped to user %s", phone, userID)
	return userID, nil
}

// conversationID returns the user's current conversation, creating one on
// first use. Reset by the /new command.
func (a *Adapter) conversationID(ctx context.Context, userID string) (string, error) {
	if id, err := a.kv.Get(ctx, convKey(userID)); err == nil {
		return string(id), nil
	} else if err != kv.ErrNotFound {
		return "", err
	}

	id := "wa_" + uuid.New().String()
	if err := a.kv.Set(ctx, convKey(userID), []byte(id), 0); err != nil {
		return "", err
	}
	return id, nil
}

// Send strips markdown, chunks the text under the provider limit, and
// sends each piece. Attachments go out as separate media messages after
// the text. Each provider message id is recorded for delivery tracking.
func (a *Adapter) Send(ctx context.Context, userID string, msg protocol.OutgoingMessage) error {
	phone, err := a.kv.Get(ctx, userKey(userID))
	if err != nil {
		if err == kv.ErrNotFound {
			log.Printf("[WhatsApp] No phone binding for user %s, dropping message", userID)
			return nil
		}
		return fmt.Errorf("identity lookup failed: %w", err)
	}

	text := stripMarkdown(msg.Content)
	for _, chunk := range chunkText(text, maxMessageLen) {
		if chunk == "" {
			continue
		}
		sid, err := a.client.SendText(ctx, string(phone), chunk)
		if err != nil {
			return fmt.Errorf("send to %s failed: %w", userID, err)
		}
		a.trackDelivery(ctx, sid, string(phone))
	}

	for _, att := range msg.Attachments {
		sid, err := a.client.SendMedia(ctx, string(phone), att.URL)
		if err != nil {
			return fmt.Errorf("media send to %s failed: %w", userID, err)
		}
		a.trackDelivery(ctx, sid, string(phone))
	}
	return nil
}

func (a *Adapter) trackDelivery(ctx context.Context, sid, phone string) {
	if sid == "" {
		return
	}
	if err := a.kv.Set(ctx, deliveryKey(sid), []byte(phone), deliveryTTL); err != nil {
		log.Printf("[WhatsApp] Failed to record delivery %s: %v", sid, err)
	}
}

// reply sends a short text straight back to a phone number, bypassing the
// chunker. Used for command and acknowledgment replies.
func (a *Adapter) reply(ctx context.Context, phone, text string) {
	sid, err := a.client.SendText(ctx, phone, text)
	if err != nil {
		log.Printf("[WhatsApp] Reply to %s failed: %v", phone, err)
		return
	}
	a.trackDelivery(ctx, sid, phone)
}

// emit delivers one message to the incoming stream. The connected check
// shares the adapter mutex with Disconnect, so a webhook handler that
// raced the shutdown cannot send on the closed channel.
func (a *Adapter) emit(msg protocol.IncomingMessage) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		log.Printf("[WhatsApp] Adapter stopped, dropping message %s", msg.Metadata.ChannelMessageID)
		return
	}
	select {
	case a.incoming <- msg:
	default:
		log.Printf("[WhatsApp] Incoming buffer full, dropping message %s", msg.Metadata.ChannelMessageID)
	}
}
