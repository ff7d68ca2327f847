package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"switchboard/internal/kv"
	"switchboard/pkg/protocol"
)

const signatureHeader = "X-Twilio-Signature"

// emptyTwiML acknowledges a webhook without sending a reply through it
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Routes returns the webhook router for mounting under /webhooks/whatsapp
func (a *Adapter) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", a.handleInbound)
	r.Post("/status", a.handleStatus)
	return r
}

// verifyRequest parses the form and checks the provider signature against
// the public URL the provider believes it called
func (a *Adapter) verifyRequest(w http.ResponseWriter, r *http.Request, path string) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}

	signedURL := strings.TrimSuffix(a.cfg.PublicURL, "/") + path
	if !VerifySignature(a.cfg.AuthToken, signedURL, r.PostForm, r.Header.Get(signatureHeader)) {
		log.Printf("[WhatsApp] Webhook signature mismatch from %s", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func respondTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(emptyTwiML))
}

// handleInbound processes one provider message webhook
func (a *Adapter) handleInbound(w http.ResponseWriter, r *http.Request) {
	if !a.verifyRequest(w, r, "/") {
		return
	}

	ctx := r.Context()
	from := r.PostForm.Get("From")
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	messageSID := r.PostForm.Get("MessageSid")

	if from == "" {
		respondTwiML(w)
		return
	}

	if len(a.allow) > 0 && !a.allow[from] {
		log.Printf("[WhatsApp] Rejected message from non-allowlisted %s", from)
		a.reply(ctx, from, accessDeniedReply)
		respondTwiML(w)
		return
	}

	userID, err := a.resolveUser(ctx, from)
	if err != nil {
		log.Printf("[WhatsApp] Failed to resolve sender %s: %v", from, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch {
	case strings.HasPrefix(body, "/"):
		a.handleCommand(ctx, userID, from, body, messageSID)

	case strings.HasPrefix(body, "!"):
		a.handleTaskRequest(ctx, userID, from, strings.TrimSpace(body[1:]), messageSID)

	default:
		a.handleOrdinary(ctx, userID, from, body, messageSID, r.PostForm)
	}

	respondTwiML(w)
}

// handleTaskRequest turns "!<goal>" into a task-tagged message with its
// own conversation, acknowledged immediately
func (a *Adapter) handleTaskRequest(ctx context.Context, userID, from, goal, messageSID string) {
	if goal == "" {
		a.reply(ctx, from, "Task goal is empty. Usage: !<what you want done>")
		return
	}

	a.reply(ctx, from, "Task accepted: "+goal)

	a.emit(protocol.IncomingMessage{
		ID:             uuid.New().String(),
		Channel:        ChannelType,
		UserID:         userID,
		ConversationID: "task_" + uuid.New().String(),
		Content:        goal,
		Metadata: protocol.MessageMetadata{
			ChannelUserID:    from,
			ChannelMessageID: messageSID,
			Timestamp:        time.Now(),
			IsTaskRequest:    true,
		},
	})
}

// handleOrdinary emits a plain chat message with any attached media
func (a *Adapter) handleOrdinary(ctx context.Context, userID, from, body, messageSID string, form url.Values) {
	attachments := parseMedia(form)
	if body == "" && len(attachments) == 0 {
		return
	}

	conversationID, err := a.conversationID(ctx, userID)
	if err != nil {
		log.Printf("[WhatsApp] Failed to resolve conversation for %s: %v", userID, err)
		return
	}

	extra := map[string]string{}
	if model, err := a.kv.Get(ctx, modelKey(userID)); err == nil {
		extra["model"] = string(model)
	}

	a.emit(protocol.IncomingMessage{
		ID:             uuid.New().String(),
		Channel:        ChannelType,
		UserID:         userID,
		ConversationID: conversationID,
		Content:        body,
		Attachments:    attachments,
		Metadata: protocol.MessageMetadata{
			ChannelUserID:    from,
			ChannelMessageID: messageSID,
			Timestamp:        time.Now(),
			Extra:            extra,
		},
	})
}

// parseMedia collects NumMedia attachments, classified by MIME prefix
func parseMedia(form url.Values) []protocol.Attachment {
	count, err := strconv.Atoi(form.Get("NumMedia"))
	if err != nil || count <= 0 {
		return nil
	}

	var attachments []protocol.Attachment
	for i := 0; i < count; i++ {
		mediaURL := form.Get(fmt.Sprintf("MediaUrl%d", i))
		if mediaURL == "" {
			continue
		}
		contentType := form.Get(fmt.Sprintf("MediaContentType%d", i))
		attachments = append(attachments, protocol.Attachment{
			Type:     protocol.ClassifyAttachment(contentType),
			URL:      mediaURL,
			MimeType: contentType,
		})
	}
	return attachments
}

// handleStatus processes delivery status callbacks
func (a *Adapter) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !a.verifyRequest(w, r, "/status") {
		return
	}

	ctx := r.Context()
	sid := r.PostForm.Get("MessageSid")
	status := r.PostForm.Get("MessageStatus")

	switch status {
	case "delivered", "read":
		a.clearDelivery(ctx, sid)
	case "failed", "undelivered":
		log.Printf("[WhatsApp] Message %s %s (error code %s)", sid, status, r.PostForm.Get("ErrorCode"))
		a.clearDelivery(ctx, sid)
	}

	// Status callbacks are plain API calls, not conversation turns; only
	// the inbound message webhook answers with TwiML
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

func (a *Adapter) clearDelivery(ctx context.Context, sid string) {
	if sid == "" {
		return
	}
	if err := a.kv.Delete(ctx, deliveryKey(sid)); err != nil && err != kv.ErrNotFound {
		log.Printf("[WhatsApp] Failed to clear delivery %s: %v", sid, err)
	}
}
