package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/brain"
	"switchboard/internal/channels"
	"switchboard/internal/config"
	"switchboard/pkg/protocol"
)

// fakeAdapter records outgoing sends for assertions
type fakeAdapter struct {
	channelType string
	incoming    chan protocol.IncomingMessage

	mu   sync.Mutex
	sent []protocol.OutgoingMessage
}

func newFakeAdapter(channelType string) *fakeAdapter {
	return &fakeAdapter{
		channelType: channelType,
		incoming:    make(chan protocol.IncomingMessage, 16),
	}
}

func (f *fakeAdapter) Type() string                              { return f.channelType }
func (f *fakeAdapter) Connect(ctx context.Context) error         { return nil }
func (f *fakeAdapter) Disconnect() error                         { close(f.incoming); return nil }
func (f *fakeAdapter) Incoming() <-chan protocol.IncomingMessage { return f.incoming }
func (f *fakeAdapter) Status() channels.Status                   { return channels.Status{Connected: true} }

func (f *fakeAdapter) Send(ctx context.Context, userID string, msg protocol.OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeAdapter) sentMessages() []protocol.OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.OutgoingMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

// frameAdapter additionally accepts frames, like the websocket channel
type frameAdapter struct {
	*fakeAdapter
	frames []interface{}
}

func (f *frameAdapter) SendFrame(userID string, frame interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

// failingBrain rejects every stream request
type failingBrain struct{}

func (failingBrain) StreamChat(ctx context.Context, req *brain.ChatRequest) (brain.Stream, error) {
	return nil, errors.New("connection refused")
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Directory.Path = filepath.Join(t.TempDir(), "directory.db")
	cfg.Channels.WebSocket.Enabled = false
	return cfg
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		g.registry.Shutdown()
		g.dir.Close()
		g.kv.Close()
	})
	return g
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.KV.Driver = "etcd"

	_, err := New(cfg)
	require.Error(t, err)
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChannelsEndpointRequiresAuth(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/channels")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	pair, err := g.tokens.IssuePair(context.Background(), "u1", "u1@example.com", nil)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/channels", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBuildChatRequest(t *testing.T) {
	msg := protocol.IncomingMessage{
		ID:             "m1",
		Channel:        "whatsapp",
		UserID:         "u1",
		ConversationID: "wa_c1",
		Content:        "hello",
		Metadata: protocol.MessageMetadata{
			ChannelMessageID: "SM123",
			IsTaskRequest:    true,
			Extra: map[string]string{
				"provider":          "anthropic",
				"model":             "large",
				"param_temperature": "0.2",
				"command":           "status",
			},
		},
	}

	req := buildChatRequest(msg)

	assert.Equal(t, "wa_c1", req.ConversationID)
	assert.Equal(t, "anthropic", req.Provider)
	assert.Equal(t, "large", req.Model)
	assert.Equal(t, map[string]string{"temperature": "0.2"}, req.Parameters)
	assert.Equal(t, "SM123", req.Metadata["channel_message_id"])
	assert.Equal(t, "true", req.Metadata["task_request"])
	assert.Equal(t, "status", req.Metadata["command"])
}

func TestHandleMessageAccumulatesReply(t *testing.T) {
	g := newTestGateway(t)
	adapter := newFakeAdapter("sms")
	require.NoError(t, g.registry.Register(context.Background(), adapter))

	g.brain = brain.NewScriptedClient(
		brain.Chunk{Kind: brain.ChunkDelta, Delta: "Hello, "},
		brain.Chunk{Kind: brain.ChunkDelta, Delta: "world."},
		brain.Chunk{Kind: brain.ChunkDone},
	)

	g.handleMessage(context.Background(), protocol.IncomingMessage{
		Channel:        "sms",
		UserID:         "u1",
		ConversationID: "c1",
		Content:        "hi",
	})

	sent := adapter.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, "Hello, world.", sent[0].Content)
	assert.Equal(t, "c1", sent[0].ConversationID)
}

func TestHandleMessageStreamsFrames(t *testing.T) {
	g := newTestGateway(t)
	adapter := &frameAdapter{fakeAdapter: newFakeAdapter("websocket")}
	require.NoError(t, g.registry.Register(context.Background(), adapter))

	g.brain = brain.NewScriptedClient(
		brain.Chunk{Kind: brain.ChunkDelta, Delta: "to"},
		brain.Chunk{Kind: brain.ChunkDelta, Delta: "ken"},
		brain.Chunk{Kind: brain.ChunkDone},
	)

	g.handleMessage(context.Background(), protocol.IncomingMessage{
		Channel:        "websocket",
		UserID:         "u1",
		ConversationID: "ws_c1",
		Content:        "hi",
	})

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.frames, 3)
	assert.Empty(t, adapter.sent, "frame channels must not get an accumulated send")
}

func TestHandleMessageReportsBackendError(t *testing.T) {
	g := newTestGateway(t)
	adapter := newFakeAdapter("sms")
	require.NoError(t, g.registry.Register(context.Background(), adapter))

	g.brain = brain.NewScriptedClient(
		brain.Chunk{Kind: brain.ChunkDelta, Delta: "partial"},
		brain.Chunk{Kind: brain.ChunkError, Error: "model overloaded"},
	)

	g.handleMessage(context.Background(), protocol.IncomingMessage{
		Channel: "sms", UserID: "u1", ConversationID: "c1", Content: "hi",
	})

	sent := adapter.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "model overloaded")
}

func TestHandleMessageBackendUnavailable(t *testing.T) {
	g := newTestGateway(t)
	adapter := newFakeAdapter("sms")
	require.NoError(t, g.registry.Register(context.Background(), adapter))

	g.brain = failingBrain{}

	g.handleMessage(context.Background(), protocol.IncomingMessage{
		Channel: "sms", UserID: "u1", ConversationID: "c1", Content: "hi",
	})

	sent := adapter.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Content, "unavailable")
}

func TestProcessMessagesEndToEnd(t *testing.T) {
	g := newTestGateway(t)
	adapter := newFakeAdapter("sms")
	require.NoError(t, g.registry.Register(context.Background(), adapter))
	g.brain = brain.EchoClient()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.processMessages(ctx)

	adapter.incoming <- protocol.IncomingMessage{
		ID:             "m1",
		Channel:        "sms",
		UserID:         "u1",
		ConversationID: "c1",
		Content:        "echo me",
	}

	require.Eventually(t, func() bool {
		return len(adapter.sentMessages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, adapter.sentMessages()[0].Content, "echo me")
}
