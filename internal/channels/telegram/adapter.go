// Package telegram is the Telegram bot channel adapter. It runs in
// long-polling mode and down-converts markdown to Telegram's limited
// subset on the way out.
package telegram

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"

	"switchboard/internal/channels"
	"switchboard/pkg/protocol"
)

// ChannelType is this adapter's registry identifier
const ChannelType = "telegram"

// Telegram markdown conversion patterns
var (
	// Headers: # Header -> *Header* (bold)
	headerRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	// Standard **bold** -> *bold* (Telegram uses single asterisk)
	doubleBoldRe = regexp.MustCompile(`\*\*([^*]+)\*\*`)
	// Links [text](url) -> text (url)
	linkRe = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	// Collapse excessive newlines
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// botAPI abstracts the Telegram bot methods the adapter uses, enabling
// testing with mocks
type botAPI interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetMe(ctx context.Context) (*models.User, error)
}

// Config contains Telegram-specific configuration
type Config struct {
	BotToken string
}

// Adapter implements channels.Adapter for Telegram
type Adapter struct {
	cfg      Config
	incoming chan protocol.IncomingMessage

	mu        sync.RWMutex
	bot       botAPI
	connected bool
	since     time.Time
	lastError string
	msgCount  int64

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the adapter
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:      cfg,
		incoming: make(chan protocol.IncomingMessage, 100),
	}
}

// Type implements channels.Adapter
func (a *Adapter) Type() string { return ChannelType }

// Connect creates the bot, verifies the token with GetMe, and starts
// polling in the background
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ctx, a.cancel = context.WithCancel(ctx)

	if a.bot == nil {
		telegramBot, err := bot.New(a.cfg.BotToken, bot.WithDefaultHandler(a.handleUpdate))
		if err != nil {
			a.lastError = err.Error()
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		a.bot = telegramBot
	}

	me, err := a.bot.GetMe(a.ctx)
	if err != nil {
		a.lastError = err.Error()
		return fmt.Errorf("telegram token validation failed: %w", err)
	}

	a.connected = true
	a.since = time.Now()
	go a.bot.Start(a.ctx)

	log.Printf("[Telegram] Bot started: @%s", me.Username)
	return nil
}

// Disconnect stops polling and closes the incoming stream
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false

	if a.cancel != nil {
		a.cancel()
	}
	close(a.incoming)
	log.Printf("[Telegram] Adapter stopped")
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

// handleUpdate converts one Telegram update into an IncomingMessage.
// The chat id doubles as the channel-native user identifier.
func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	msg := update.Message
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	incoming := protocol.IncomingMessage{
		ID:             uuid.New().String(),
		Channel:        ChannelType,
		UserID:         chatID,
		ConversationID: "tg_" + chatID,
		Content:        text,
		Metadata: protocol.MessageMetadata{
			ChannelUserID:    chatID,
			ChannelMessageID: strconv.Itoa(msg.ID),
			Timestamp:        time.Unix(int64(msg.Date), 0),
		},
	}

	a.emit(incoming)
}

// emit delivers one message to the incoming stream. The connected check
// shares the adapter mutex with Disconnect, so a poller that raced the
// shutdown cannot send on the closed channel.
func (a *Adapter) emit(msg protocol.IncomingMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return
	}
	a.msgCount++
	select {
	case a.incoming <- msg:
	default:
		log.Printf("[Telegram] Incoming buffer full, dropping message %s", msg.Metadata.ChannelMessageID)
	}
}

// Send delivers one message to a chat. Markdown is down-converted first;
// if Telegram still rejects the entities, the text is retried plain.
func (a *Adapter) Send(ctx context.Context, userID string, msg protocol.OutgoingMessage) error {
	a.mu.RLock()
	b := a.bot
	a.mu.RUnlock()
	if b == nil {
		return fmt.Errorf("bot not initialized")
	}

	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id: %s", userID)
	}

	text := convertToTelegramMarkdown(msg.Content)

	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeMarkdownV1,
	}
	if msg.Options != nil && msg.Options.ReplyToID != "" {
		if replyTo, err := strconv.Atoi(msg.Options.ReplyToID); err == nil {
			params.ReplyParameters = &models.ReplyParameters{MessageID: replyTo}
		}
	}

	_, err = b.SendMessage(ctx, params)
	if err != nil && strings.Contains(err.Error(), "can't parse entities") {
		// Formatting the bot produced is not valid Telegram markdown;
		// deliver the content rather than failing the send
		log.Printf("[Telegram] Markdown rejected, retrying as plain text: %v", err)
		params.ParseMode = ""
		params.Text = msg.Content
		_, err = b.SendMessage(ctx, params)
	}
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	// Attachments go out as links; Telegram fetches the preview itself
	for _, att := range msg.Attachments {
		if att.URL == "" {
			continue
		}
		if _, err := b.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: att.URL}); err != nil {
			return fmt.Errorf("failed to send attachment: %w", err)
		}
	}

	a.mu.Lock()
	a.msgCount++
	a.mu.Unlock()
	return nil
}

// SendTyping shows the "typing" chat action while a reply is in flight
func (a *Adapter) SendTyping(ctx context.Context, userID string) error {
	a.mu.RLock()
	b := a.bot
	a.mu.RUnlock()
	if b == nil {
		return fmt.Errorf("bot not initialized")
	}

	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id: %s", userID)
	}

	_, err = b.SendChatAction(ctx, &bot.SendChatActionParams{
		ChatID: chatID,
		Action: models.ChatActionTyping,
	})
	return err
}

// convertToTelegramMarkdown converts standard markdown to Telegram's
// limited subset: *bold*, _italic_, `code`, ```blocks```
func convertToTelegramMarkdown(text string) string {
	result := doubleBoldRe.ReplaceAllString(text, "*$1*")
	result = headerRe.ReplaceAllString(result, "*$1*")
	result = linkRe.ReplaceAllString(result, "$1 ($2)")
	result = multiNewlineRe.ReplaceAllString(result, "\n\n")
	return strings.TrimSpace(result)
}
