package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchboard/internal/kv"
	"switchboard/pkg/protocol"
)

type sentMessage struct {
	To       string
	Body     string
	MediaURL string
}

type fixture struct {
	adapter *Adapter
	mem     *kv.Memory
	webhook *httptest.Server

	mu   sync.Mutex
	sent []sentMessage
}

func (f *fixture) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func newFixture(t *testing.T, allowlist ...string) *fixture {
	t.Helper()

	f := &fixture{mem: kv.NewMemory(0)}
	t.Cleanup(func() { f.mem.Close() })

	// Fake provider API: credential check plus message sends
	var sidCounter int
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/AC_test.json"):
			w.Write([]byte(`{"status":"active"}`))
		case strings.HasSuffix(r.URL.Path, "/Messages.json"):
			require.NoError(t, r.ParseForm())
			f.mu.Lock()
			f.sent = append(f.sent, sentMessage{
				To:       r.PostForm.Get("To"),
				Body:     r.PostForm.Get("Body"),
				MediaURL: r.PostForm.Get("MediaUrl"),
			})
			sidCounter++
			sid := fmt.Sprintf("SM%04d", sidCounter)
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"sid": sid})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(provider.Close)

	f.adapter = New(Config{
		AccountSID: "AC_test",
		AuthToken:  "token_test",
		FromNumber: "whatsapp:+15550000000",
		Allowlist:  allowlist,
	}, f.mem)
	f.adapter.client.apiBase = provider.URL

	f.webhook = httptest.NewServer(f.adapter.Routes())
	t.Cleanup(f.webhook.Close)
	f.adapter.cfg.PublicURL = f.webhook.URL

	require.NoError(t, f.adapter.Connect(context.Background()))
	t.Cleanup(func() { f.adapter.Disconnect() })
	return f
}

// postWebhook signs and posts an inbound message form
func (f *fixture) postWebhook(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()

	signedURL := f.webhook.URL + path
	req, err := http.NewRequest(http.MethodPost, signedURL, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(signatureHeader, ComputeSignature("token_test", signedURL, form))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func inboundForm(from, body string) url.Values {
	return url.Values{
		"MessageSid": {"SMinbound1"},
		"From":       {from},
		"Body":       {body},
	}
}

func expectIncoming(t *testing.T, f *fixture) protocol.IncomingMessage {
	t.Helper()
	select {
	case msg := <-f.adapter.Incoming():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming message emitted")
		return protocol.IncomingMessage{}
	}
}

func expectNoIncoming(t *testing.T, f *fixture) {
	t.Helper()
	select {
	case msg := <-f.adapter.Incoming():
		t.Fatalf("unexpected emission: %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInboundOrdinaryMessage(t *testing.T) {
	f := newFixture(t)

	resp := f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "hello gateway"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/xml", resp.Header.Get("Content-Type"))

	msg := expectIncoming(t, f)
	assert.Equal(t, "whatsapp", msg.Channel)
	assert.Equal(t, "hello gateway", msg.Content)
	assert.NotEmpty(t, msg.UserID)
	assert.True(t, strings.HasPrefix(msg.ConversationID, "wa_"))
	assert.Equal(t, "whatsapp:+15551234567", msg.Metadata.ChannelUserID)
	assert.Equal(t, "SMinbound1", msg.Metadata.ChannelMessageID)
	assert.False(t, msg.Metadata.IsTaskRequest)
}

func TestInboundKeepsStableIdentityAndConversation(t *testing.T) {
	f := newFixture(t)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "first"))
	first := expectIncoming(t, f)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "second"))
	second := expectIncoming(t, f)

	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, first.ConversationID, second.ConversationID)
}

func TestTamperedSignatureRejected(t *testing.T) {
	f := newFixture(t)

	form := inboundForm("whatsapp:+15551234567", "hello")
	signedURL := f.webhook.URL + "/"
	sig := ComputeSignature("token_test", signedURL, form)

	// Flip one signature byte
	tampered := []byte(sig)
	tampered[0] ^= 0x01

	req, err := http.NewRequest(http.MethodPost, signedURL, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(signatureHeader, string(tampered))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	expectNoIncoming(t, f)
}

func TestMissingSignatureRejected(t *testing.T) {
	f := newFixture(t)

	resp, err := http.PostForm(f.webhook.URL+"/", inboundForm("whatsapp:+15551234567", "hello"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	expectNoIncoming(t, f)
}

func TestAllowlistRejection(t *testing.T) {
	f := newFixture(t, "whatsapp:+15550001111")

	resp := f.postWebhook(t, "/", inboundForm("whatsapp:+15559999999", "let me in"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	expectNoIncoming(t, f)

	sent := f.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, accessDeniedReply, sent[0].Body)
	assert.Equal(t, "whatsapp:+15559999999", sent[0].To)
}

func TestTaskRequestBang(t *testing.T) {
	f := newFixture(t)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "!review the auth module"))

	msg := expectIncoming(t, f)
	assert.True(t, msg.Metadata.IsTaskRequest)
	assert.Equal(t, "review the auth module", msg.Content)
	assert.True(t, strings.HasPrefix(msg.ConversationID, "task_"))

	// Exactly one immediate acknowledgment
	sent := f.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, "review the auth module")
}

func TestTaskConversationsAreUnique(t *testing.T) {
	f := newFixture(t)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "!task one"))
	first := expectIncoming(t, f)
	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "!task two"))
	second := expectIncoming(t, f)

	assert.NotEqual(t, first.ConversationID, second.ConversationID)
}

func TestMediaAttachments(t *testing.T) {
	f := newFixture(t)

	form := inboundForm("whatsapp:+15551234567", "look at these")
	form.Set("NumMedia", "2")
	form.Set("MediaUrl0", "https://media.test/a.jpg")
	form.Set("MediaContentType0", "image/jpeg")
	form.Set("MediaUrl1", "https://media.test/b.ogg")
	form.Set("MediaContentType1", "audio/ogg")

	f.postWebhook(t, "/", form)

	msg := expectIncoming(t, f)
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, protocol.AttachmentImage, msg.Attachments[0].Type)
	assert.Equal(t, "https://media.test/a.jpg", msg.Attachments[0].URL)
	assert.Equal(t, protocol.AttachmentAudio, msg.Attachments[1].Type)
}

func TestHelpCommand(t *testing.T) {
	f := newFixture(t)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "/help"))

	expectNoIncoming(t, f)
	sent := f.sentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, "/task")
}

func TestUnknownCommand(t *testing.T) {
	f := newFixture(t)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "/frobnicate"))

	expectNoIncoming(t, f)
	sent := f.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, unknownCommandReply, sent[0].Body)
}

func TestModelCommandAffectsLaterMessages(t *testing.T) {
	f := newFixture(t)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "/model fast"))
	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "hello"))

	msg := expectIncoming(t, f)
	assert.Equal(t, "fast", msg.Metadata.Extra["model"])
}

func TestNewCommandResetsConversation(t *testing.T) {
	f := newFixture(t)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "before"))
	before := expectIncoming(t, f)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "/new"))
	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "after"))
	after := expectIncoming(t, f)

	assert.NotEqual(t, before.ConversationID, after.ConversationID)
}

func TestTaskManagementCommandForwarded(t *testing.T) {
	f := newFixture(t)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "/approve task42"))

	msg := expectIncoming(t, f)
	assert.Equal(t, "approve", msg.Metadata.Extra["command"])
	assert.Equal(t, "task42", msg.Metadata.Extra["command_args"])
}

func TestSendChunksAndStripsMarkdown(t *testing.T) {
	f := newFixture(t)

	// Establish the phone binding via an inbound message
	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "hi"))
	msg := expectIncoming(t, f)

	long := "# Reply\n" + strings.Repeat("All work and no play makes a dull gateway. ", 60)
	err := f.adapter.Send(context.Background(), msg.UserID, protocol.OutgoingMessage{Content: long})
	require.NoError(t, err)

	sent := f.sentMessages()
	require.Greater(t, len(sent), 1)
	for _, s := range sent {
		assert.LessOrEqual(t, len(s.Body), maxMessageLen)
		assert.NotContains(t, s.Body, "# ")
		assert.Equal(t, "whatsapp:+15551234567", s.To)
	}
}

func TestSendAttachmentsAfterText(t *testing.T) {
	f := newFixture(t)

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "hi"))
	msg := expectIncoming(t, f)

	err := f.adapter.Send(context.Background(), msg.UserID, protocol.OutgoingMessage{
		Content: "here you go",
		Attachments: []protocol.Attachment{
			{Type: protocol.AttachmentImage, URL: "https://media.test/chart.png"},
		},
	})
	require.NoError(t, err)

	sent := f.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, "here you go", sent[0].Body)
	assert.Equal(t, "https://media.test/chart.png", sent[1].MediaURL)
}

func TestSendWithoutBindingIsDropped(t *testing.T) {
	f := newFixture(t)

	err := f.adapter.Send(context.Background(), "ghost-user", protocol.OutgoingMessage{Content: "hi"})
	assert.NoError(t, err)
	assert.Empty(t, f.sentMessages())
}

func TestEmitAfterDisconnectIsDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.adapter.Disconnect())

	// A webhook handler that raced the shutdown must not panic on the
	// closed incoming channel
	f.adapter.emit(protocol.IncomingMessage{
		ID:      "late",
		Channel: ChannelType,
		UserID:  "u1",
		Content: "late message",
	})

	_, open := <-f.adapter.Incoming()
	assert.False(t, open)
}

func TestStatusCallbackClearsDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.postWebhook(t, "/", inboundForm("whatsapp:+15551234567", "hi"))
	msg := expectIncoming(t, f)

	require.NoError(t, f.adapter.Send(ctx, msg.UserID, protocol.OutgoingMessage{Content: "reply"}))

	// The fake provider assigned SM0001 to the send above
	sent := f.sentMessages()
	require.Len(t, sent, 1)

	exists, err := f.mem.Exists(ctx, deliveryKey("SM0001"))
	require.NoError(t, err)
	require.True(t, exists)

	form := url.Values{
		"MessageSid":    {"SM0001"},
		"MessageStatus": {"delivered"},
	}
	resp := f.postWebhook(t, "/status", form)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var ack map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.True(t, ack["ok"])

	exists, err = f.mem.Exists(ctx, deliveryKey("SM0001"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestComputeSignatureStable(t *testing.T) {
	form := url.Values{
		"B":    {"2"},
		"A":    {"1"},
		"From": {"whatsapp:+15551234567"},
	}

	sig1 := ComputeSignature("secret", "https://gw.test/webhooks/whatsapp/", form)
	sig2 := ComputeSignature("secret", "https://gw.test/webhooks/whatsapp/", form)
	assert.Equal(t, sig1, sig2)

	// Any change to a field or the URL changes the signature
	form.Set("A", "changed")
	assert.NotEqual(t, sig1, ComputeSignature("secret", "https://gw.test/webhooks/whatsapp/", form))
}
