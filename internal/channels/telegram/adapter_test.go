package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/pkg/protocol"
)

// mockBot records sends and can fail the first N calls
type mockBot struct {
	mu        sync.Mutex
	sent      []*bot.SendMessageParams
	actions   []*bot.SendChatActionParams
	failNext  int
	failError error
	getMeErr  error
}

func (m *mockBot) Start(ctx context.Context) { <-ctx.Done() }

func (m *mockBot) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return nil, m.failError
	}
	m.sent = append(m.sent, params)
	return &models.Message{ID: len(m.sent)}, nil
}

func (m *mockBot) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, params)
	return true, nil
}

func (m *mockBot) GetMe(ctx context.Context) (*models.User, error) {
	if m.getMeErr != nil {
		return nil, m.getMeErr
	}
	return &models.User{Username: "switchboard_test_bot"}, nil
}

func (m *mockBot) sentMessages() []*bot.SendMessageParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*bot.SendMessageParams, len(m.sent))
	copy(out, m.sent)
	return out
}

func newTestAdapter(t *testing.T, mock *mockBot) *Adapter {
	t.Helper()
	a := New(Config{BotToken: "test-token"})
	a.bot = mock
	require.NoError(t, a.Connect(context.Background()))
	t.Cleanup(func() { a.Disconnect() })
	return a
}

func TestConnectValidatesToken(t *testing.T) {
	a := New(Config{BotToken: "test-token"})
	a.bot = &mockBot{getMeErr: errors.New("401: Unauthorized")}

	err := a.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, a.Status().Connected)
	assert.Contains(t, a.Status().LastError, "Unauthorized")
}

func TestStatusAfterConnect(t *testing.T) {
	a := newTestAdapter(t, &mockBot{})

	st := a.Status()
	assert.True(t, st.Connected)
	assert.False(t, st.Since.IsZero())
}

func TestSendConvertsMarkdown(t *testing.T) {
	mock := &mockBot{}
	a := newTestAdapter(t, mock)

	err := a.Send(context.Background(), "12345", protocol.OutgoingMessage{
		Content: "# Results\n\n**All** tests passed, see [the log](https://ci.example.com/1).",
	})
	require.NoError(t, err)

	sent := mock.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(12345), sent[0].ChatID)
	assert.Equal(t, models.ParseModeMarkdownV1, sent[0].ParseMode)
	assert.Equal(t, "*Results*\n\n*All* tests passed, see the log (https://ci.example.com/1).", sent[0].Text)
}

func TestSendFallsBackToPlainText(t *testing.T) {
	mock := &mockBot{
		failNext:  1,
		failError: errors.New("Bad Request: can't parse entities: Can't find end of the entity"),
	}
	a := newTestAdapter(t, mock)

	content := "broken *markdown"
	require.NoError(t, a.Send(context.Background(), "99", protocol.OutgoingMessage{Content: content}))

	sent := mock.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "", string(sent[0].ParseMode))
	assert.Equal(t, content, sent[0].Text)
}

func TestSendPropagatesOtherErrors(t *testing.T) {
	mock := &mockBot{
		failNext:  2,
		failError: errors.New("429: Too Many Requests"),
	}
	a := newTestAdapter(t, mock)

	err := a.Send(context.Background(), "99", protocol.OutgoingMessage{Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Too Many Requests")
}

func TestSendRejectsBadChatID(t *testing.T) {
	a := newTestAdapter(t, &mockBot{})

	err := a.Send(context.Background(), "not-a-chat-id", protocol.OutgoingMessage{Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid chat id")
}

func TestSendAttachmentsAsLinks(t *testing.T) {
	mock := &mockBot{}
	a := newTestAdapter(t, mock)

	err := a.Send(context.Background(), "7", protocol.OutgoingMessage{
		Content: "see attached",
		Attachments: []protocol.Attachment{
			{Type: protocol.AttachmentImage, URL: "https://cdn.example.com/a.png"},
			{Type: protocol.AttachmentFile, URL: ""},
		},
	})
	require.NoError(t, err)

	sent := mock.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "https://cdn.example.com/a.png", sent[1].Text)
}

func TestSendReplyTo(t *testing.T) {
	mock := &mockBot{}
	a := newTestAdapter(t, mock)

	err := a.Send(context.Background(), "7", protocol.OutgoingMessage{
		Content: "answer",
		Options: &protocol.SendOptions{ReplyToID: "42"},
	})
	require.NoError(t, err)

	sent := mock.sentMessages()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].ReplyParameters)
	assert.Equal(t, 42, sent[0].ReplyParameters.MessageID)
}

func TestHandleUpdateEmitsIncoming(t *testing.T) {
	a := newTestAdapter(t, &mockBot{})

	a.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			ID:   17,
			Date: int(time.Now().Unix()),
			Chat: models.Chat{ID: 555},
			Text: "hello bot",
		},
	})

	select {
	case msg := <-a.Incoming():
		assert.Equal(t, ChannelType, msg.Channel)
		assert.Equal(t, "555", msg.UserID)
		assert.Equal(t, "tg_555", msg.ConversationID)
		assert.Equal(t, "hello bot", msg.Content)
		assert.Equal(t, "17", msg.Metadata.ChannelMessageID)
		assert.NotEmpty(t, msg.ID)
	default:
		t.Fatal("no message emitted")
	}
}

func TestHandleUpdateUsesCaption(t *testing.T) {
	a := newTestAdapter(t, &mockBot{})

	a.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			ID:      3,
			Date:    int(time.Now().Unix()),
			Chat:    models.Chat{ID: 1},
			Caption: "photo caption",
		},
	})

	select {
	case msg := <-a.Incoming():
		assert.Equal(t, "photo caption", msg.Content)
	default:
		t.Fatal("no message emitted")
	}
}

func TestHandleUpdateIgnoresEmpty(t *testing.T) {
	a := newTestAdapter(t, &mockBot{})

	a.handleUpdate(context.Background(), nil, &models.Update{})
	a.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{ID: 9, Chat: models.Chat{ID: 1}},
	})

	select {
	case msg := <-a.Incoming():
		t.Fatalf("unexpected message: %+v", msg)
	default:
	}
}

func TestDisconnectClosesIncoming(t *testing.T) {
	a := New(Config{BotToken: "test-token"})
	a.bot = &mockBot{}
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Disconnect())

	_, open := <-a.Incoming()
	assert.False(t, open)

	// Second disconnect is a no-op
	require.NoError(t, a.Disconnect())
}

func TestSendTyping(t *testing.T) {
	mock := &mockBot{}
	a := newTestAdapter(t, mock)

	require.NoError(t, a.SendTyping(context.Background(), "321"))

	mock.mu.Lock()
	defer mock.mu.Unlock()
	require.Len(t, mock.actions, 1)
	assert.Equal(t, int64(321), mock.actions[0].ChatID)
	assert.Equal(t, models.ChatActionTyping, mock.actions[0].Action)
}

func TestHandleUpdateAfterDisconnectIsDropped(t *testing.T) {
	a := New(Config{BotToken: "test-token"})
	a.bot = &mockBot{}
	require.NoError(t, a.Connect(context.Background()))
	require.NoError(t, a.Disconnect())

	// A poller goroutine that raced the shutdown must not panic on the
	// closed incoming channel
	a.handleUpdate(context.Background(), nil, &models.Update{
		Message: &models.Message{
			ID:   5,
			Date: int(time.Now().Unix()),
			Chat: models.Chat{ID: 42},
			Text: "late update",
		},
	})

	_, open := <-a.Incoming()
	assert.False(t, open)
}

func TestConvertToTelegramMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"header", "## Section\ntext", "*Section*\ntext"},
		{"bold", "a **b** c", "a *b* c"},
		{"link", "[docs](https://x.com)", "docs (https://x.com)"},
		{"newline collapse", "a\n\n\n\nb", "a\n\nb"},
		{"plain", "nothing here", "nothing here"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertToTelegramMarkdown(tt.in))
		})
	}
}
