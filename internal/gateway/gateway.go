// Package gateway assembles the gateway: the keyed store, the user
// directory, the auth surface, the channel adapters, and the stream pump
// that moves messages between channels and the reply backend.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"switchboard/internal/auth"
	"switchboard/internal/brain"
	"switchboard/internal/channels"
	"switchboard/internal/channels/telegram"
	"switchboard/internal/channels/websocket"
	"switchboard/internal/channels/whatsapp"
	"switchboard/internal/config"
	"switchboard/internal/directory"
	"switchboard/internal/kv"
	"switchboard/internal/sessions"
	"switchboard/pkg/protocol"
)

const shutdownTimeout = 10 * time.Second

// Gateway owns every long-lived component and their shutdown order
type Gateway struct {
	cfg      *config.Config
	kv       kv.Store
	dir      *directory.SQLite
	tokens   *auth.TokenService
	sessions *sessions.Store
	authH    *auth.Handler
	brain    brain.Client
	registry *channels.Registry

	ws *websocket.Adapter
	tg *telegram.Adapter
	wa *whatsapp.Adapter

	server *http.Server
	cron   *cron.Cron
}

// New wires the gateway from configuration. Nothing connects yet; Start
// brings the adapters and the listener up.
func New(cfg *config.Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := openStore(cfg.KV)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv store: %w", err)
	}

	dir, err := directory.NewSQLite(cfg.Directory.Path, cfg.Directory.DefaultWorkspace)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open directory: %w", err)
	}

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		// Tokens become invalid across restarts with an ephemeral secret
		secret = randomSecret()
		log.Printf("[Gateway] No JWT secret configured, generated an ephemeral one")
	}

	tokens := auth.NewTokenService(secret, store)
	sessionStore := sessions.NewStore(store)
	magic := auth.NewMagicLinks(store, cfg.Auth.MagicLinkBaseURL)
	oauth := auth.NewOAuth(store, oauthProviders(cfg.Auth.OAuth)...)
	authH := auth.NewHandler(tokens, dir, magic, oauth, cfg.Auth.ExposeMagicLinks)

	var brainClient brain.Client
	if cfg.Brain.Addr == "" {
		log.Printf("[Gateway] No backend configured, echoing requests")
		brainClient = brain.EchoClient()
	} else {
		brainClient = brain.NewHTTPClient(cfg.Brain.Addr)
	}

	g := &Gateway{
		cfg:      cfg,
		kv:       store,
		dir:      dir,
		tokens:   tokens,
		sessions: sessionStore,
		authH:    authH,
		brain:    brainClient,
		registry: channels.NewRegistry(store),
	}

	if cfg.Channels.WebSocket.Enabled {
		g.ws = websocket.New(tokens, sessionStore, cfg.Server.AllowedOrigin)
	}
	if cfg.Channels.Telegram.Enabled {
		g.tg = telegram.New(telegram.Config{BotToken: cfg.Channels.Telegram.BotToken})
	}
	if cfg.Channels.WhatsApp.Enabled {
		g.wa = whatsapp.New(whatsapp.Config{
			AccountSID: cfg.Channels.WhatsApp.AccountSID,
			AuthToken:  cfg.Channels.WhatsApp.AuthToken,
			FromNumber: cfg.Channels.WhatsApp.FromNumber,
			PublicURL:  cfg.Channels.WhatsApp.PublicURL,
			Allowlist:  cfg.Channels.WhatsApp.Allowlist,
		}, store)
	}

	return g, nil
}

func openStore(cfg config.KVConfig) (kv.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return kv.NewMemory(time.Minute), nil
	case "valkey":
		return kv.NewValkey(kv.ValkeyConfig{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	default:
		return nil, fmt.Errorf("unknown kv driver: %s", cfg.Driver)
	}
}

func oauthProviders(creds map[string]config.OAuthCreds) []auth.OAuthProvider {
	var providers []auth.OAuthProvider
	for name, c := range creds {
		switch name {
		case "github":
			providers = append(providers, auth.GitHubProvider(c.ClientID, c.ClientSecret, c.RedirectURL))
		case "google":
			providers = append(providers, auth.GoogleProvider(c.ClientID, c.ClientSecret, c.RedirectURL))
		default:
			log.Printf("[Gateway] Ignoring unknown oauth provider %q", name)
		}
	}
	return providers
}

func randomSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// Start connects the adapters, serves HTTP, and pumps messages until the
// context is cancelled, then shuts everything down in reverse order.
func (g *Gateway) Start(ctx context.Context) error {
	for _, adapter := range g.enabledAdapters() {
		if err := g.registry.Register(ctx, adapter); err != nil {
			return fmt.Errorf("failed to start %s channel: %w", adapter.Type(), err)
		}
		log.Printf("[Gateway] Channel %s connected", adapter.Type())
	}

	g.server = &http.Server{
		Addr:    g.cfg.ListenAddr(),
		Handler: g.routes(),
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("[Gateway] Listening on %s", g.server.Addr)
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	go g.processMessages(ctx)
	g.startMaintenance(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		log.Printf("[Gateway] HTTP server failed: %v", runErr)
	}

	g.shutdown()
	return runErr
}

func (g *Gateway) enabledAdapters() []channels.Adapter {
	var adapters []channels.Adapter
	if g.ws != nil {
		adapters = append(adapters, g.ws)
	}
	if g.tg != nil {
		adapters = append(adapters, g.tg)
	}
	if g.wa != nil {
		adapters = append(adapters, g.wa)
	}
	return adapters
}

func (g *Gateway) shutdown() {
	log.Printf("[Gateway] Shutting down")

	if g.cron != nil {
		g.cron.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Gateway] HTTP shutdown error: %v", err)
	}

	g.registry.Shutdown()

	if err := g.dir.Close(); err != nil {
		log.Printf("[Gateway] Directory close error: %v", err)
	}
	if err := g.kv.Close(); err != nil {
		log.Printf("[Gateway] Store close error: %v", err)
	}
	log.Printf("[Gateway] Stopped")
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", g.handleHealth)
	r.Mount("/auth", g.authH.Routes())

	if g.ws != nil {
		r.Get("/ws", g.ws.HandleUpgrade)
	}
	if g.wa != nil {
		r.Mount("/webhooks/whatsapp", g.wa.Routes())
	}

	r.Group(func(r chi.Router) {
		r.Use(g.authH.RequireAuth)
		r.Get("/api/channels", g.handleChannels)
	})

	return r
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (g *Gateway) handleChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.registry.Statuses())
}

// processMessages drains the registry inbound stream. Each message owns a
// backend stream, so replies for slow conversations cannot block others.
func (g *Gateway) processMessages(ctx context.Context) {
	for msg := range g.registry.Inbound() {
		go g.handleMessage(ctx, msg)
	}
}

func (g *Gateway) handleMessage(ctx context.Context, msg protocol.IncomingMessage) {
	req := buildChatRequest(msg)

	stream, err := g.brain.StreamChat(ctx, req)
	if err != nil {
		log.Printf("[Gateway] Backend request failed for %s/%s: %v", msg.Channel, msg.UserID, err)
		g.deliverText(ctx, msg, "Sorry, the backend is unavailable right now.")
		return
	}
	defer stream.Close()

	// Frame-capable channels get the chunks as they arrive; everything
	// else gets the accumulated reply in one message.
	adapter, ok := g.registry.Get(msg.Channel)
	if ok {
		if fs, isFrameSender := adapter.(websocket.FrameSender); isFrameSender {
			g.streamFrames(msg, fs, stream)
			return
		}
		if ti, hasTyping := adapter.(channels.TypingIndicator); hasTyping {
			if err := ti.SendTyping(ctx, msg.UserID); err != nil {
				log.Printf("[Gateway] Typing indicator failed for %s/%s: %v", msg.Channel, msg.UserID, err)
			}
		}
	}
	g.accumulate(ctx, msg, stream)
}

// buildChatRequest maps the channel envelope onto a backend request.
// Adapter hints travel in metadata Extra: "provider" and "model" select
// the backend route, "param_*" keys become request parameters.
func buildChatRequest(msg protocol.IncomingMessage) *brain.ChatRequest {
	req := &brain.ChatRequest{
		ConversationID: msg.ConversationID,
		UserID:         msg.UserID,
		WorkspaceID:    msg.WorkspaceID,
		Channel:        msg.Channel,
		Content:        msg.Content,
		Attachments:    msg.Attachments,
	}

	metadata := map[string]string{
		"channel_message_id": msg.Metadata.ChannelMessageID,
	}
	if msg.Metadata.IsTaskRequest {
		metadata["task_request"] = "true"
	}

	for key, value := range msg.Metadata.Extra {
		switch {
		case key == "provider":
			req.Provider = value
		case key == "model":
			req.Model = value
		case strings.HasPrefix(key, "param_"):
			if req.Parameters == nil {
				req.Parameters = map[string]string{}
			}
			req.Parameters[strings.TrimPrefix(key, "param_")] = value
		default:
			metadata[key] = value
		}
	}
	req.Metadata = metadata
	return req
}

// streamFrames forwards each chunk to the user's live sockets as it
// arrives. A send failure means every socket is gone; the rest of the
// stream has no audience, so it is dropped.
func (g *Gateway) streamFrames(msg protocol.IncomingMessage, fs websocket.FrameSender, stream brain.Stream) {
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[Gateway] Stream error for %s: %v", msg.UserID, err)
			}
			return
		}

		frame := websocket.TranslateChunk(msg.ConversationID, chunk)
		if frame == nil {
			continue
		}
		if err := fs.SendFrame(msg.UserID, frame); err != nil {
			log.Printf("[Gateway] Dropping stream for %s: %v", msg.UserID, err)
			return
		}
	}
}

// accumulate collects the stream into one reply and sends it through the
// registry once the backend is done
func (g *Gateway) accumulate(ctx context.Context, msg protocol.IncomingMessage, stream brain.Stream) {
	var reply strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("[Gateway] Stream error for %s: %v", msg.UserID, err)
				g.deliverText(ctx, msg, "Sorry, the reply was interrupted.")
				return
			}
			break
		}

		switch chunk.Kind {
		case brain.ChunkDelta:
			reply.WriteString(chunk.Delta)
		case brain.ChunkError:
			log.Printf("[Gateway] Backend error for %s: %s", msg.UserID, chunk.Error)
			g.deliverText(ctx, msg, "Sorry, something went wrong: "+chunk.Error)
			return
		}
	}

	if reply.Len() == 0 {
		return
	}
	g.deliverText(ctx, msg, reply.String())
}

func (g *Gateway) deliverText(ctx context.Context, msg protocol.IncomingMessage, text string) {
	out := protocol.OutgoingMessage{
		ConversationID: msg.ConversationID,
		Content:        text,
	}
	if err := g.registry.Send(ctx, msg.Channel, msg.UserID, out); err != nil {
		log.Printf("[Gateway] Failed to deliver reply to %s/%s: %v", msg.Channel, msg.UserID, err)
	}
}
