// Package websocket is the browser-facing channel adapter. Connections
// speak the JSON frame protocol from pkg/protocol: the first frame must be
// auth, after which chat frames flow in and streamed reply frames flow out.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"switchboard/internal/auth"
	"switchboard/internal/channels"
	"switchboard/internal/sessions"
	"switchboard/pkg/protocol"
)

const (
	// ChannelType is this adapter's registry identifier
	ChannelType = "websocket"

	// authWindow is how long an unauthenticated socket may exist
	authWindow = 5 * time.Second

	// pingPeriod is the server heartbeat interval
	pingPeriod = 30 * time.Second
	// pongWait is how long a peer may stay silent before it is dead
	pongWait = 70 * time.Second
	// writeWait bounds a single frame write
	writeWait = 10 * time.Second

	sendBuffer = 256
)

// client is one socket connection and its auth state
type client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	adapter   *Adapter
	closeOnce sync.Once

	mu          sync.Mutex
	authed      bool
	userID      string
	email       string
	sessionID   string
	workspaceID string
	workspaces  []auth.WorkspaceClaim
}

// Adapter accepts websocket upgrades and bridges frames to the normalized
// message shapes
type Adapter struct {
	tokens     *auth.TokenService
	sessions   *sessions.Store
	upgrader   websocket.Upgrader
	authWindow time.Duration

	incoming chan protocol.IncomingMessage
	// pumps counts live readPump goroutines, the only producers on
	// incoming; Disconnect waits for them before closing the channel
	pumps sync.WaitGroup

	mu        sync.RWMutex
	clients   map[string]*client
	byUser    map[string]map[string]*client
	connected bool
	since     time.Time
	lastError string

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the adapter. allowedOrigin restricts browser upgrades; empty
// allows any origin.
func New(tokens *auth.TokenService, sessionStore *sessions.Store, allowedOrigin string) *Adapter {
	a := &Adapter{
		tokens:     tokens,
		sessions:   sessionStore,
		authWindow: authWindow,
		incoming:   make(chan protocol.IncomingMessage, sendBuffer),
		clients:    map[string]*client{},
		byUser:     map[string]map[string]*client{},
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}
	return a
}

// Type implements channels.Adapter
func (a *Adapter) Type() string { return ChannelType }

// Connect implements channels.Adapter
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.connected = true
	a.since = time.Now()
	return nil
}

// Disconnect closes every client socket and the incoming stream
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	clients := make([]*client, 0, len(a.clients))
	for _, c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	a.pumps.Wait()
	close(a.incoming)
	return nil
}

// Incoming implements channels.Adapter
func (a *Adapter) Incoming() <-chan protocol.IncomingMessage { return a.incoming }

// Status implements channels.Adapter
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return channels.Status{
		Connected: a.connected,
		Since:     a.since,
		LastError: a.lastError,
	}
}

// ClientCount reports currently open sockets
func (a *Adapter) ClientCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.clients)
}

// HandleUpgrade is the HTTP handler for the /ws endpoint
func (a *Adapter) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	connected := a.connected
	a.mu.RUnlock()
	if !connected {
		http.Error(w, "websocket channel disabled", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WebSocket] Upgrade failed: %v", err)
		return
	}

	c := &client{
		id:      fmt.Sprintf("ws_%s", uuid.New().String()),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		adapter: a,
	}

	// Registration and the connected re-check share one critical section
	// with Disconnect, so a socket either lands in the shutdown snapshot
	// or never starts its pumps
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		conn.Close()
		return
	}
	a.clients[c.id] = c
	a.pumps.Add(1)
	a.mu.Unlock()

	log.Printf("[WebSocket] Client connected: %s", c.id)

	go c.writePump()
	go c.readPump(a.ctx)
	go c.authTimeout()
}

// Send delivers a complete message to every socket the user holds,
// rendered as a token frame followed by done. A user with no open socket
// is not an error; live sockets are the only delivery path this channel has.
func (a *Adapter) Send(ctx context.Context, userID string, msg protocol.OutgoingMessage) error {
	a.mu.RLock()
	online := len(a.byUser[userID]) > 0
	a.mu.RUnlock()
	if !online {
		log.Printf("[WebSocket] User %s not connected, dropping message", userID)
		return nil
	}

	frames := []interface{}{
		&protocol.TokenFrame{Type: protocol.FrameToken, ConversationID: msg.ConversationID, Content: msg.Content},
		&protocol.DoneFrame{Type: protocol.FrameDone, ConversationID: msg.ConversationID},
	}
	for _, f := range frames {
		if err := a.SendFrame(userID, f); err != nil {
			return err
		}
	}
	return nil
}

// SendFrame delivers one protocol frame to every socket the user holds
func (a *Adapter) SendFrame(userID string, frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	a.mu.RLock()
	targets := make([]*client, 0, len(a.byUser[userID]))
	for _, c := range a.byUser[userID] {
		targets = append(targets, c)
	}
	a.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("user %s has no open websocket", userID)
	}

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// Slow consumer; drop the frame rather than stall the stream
			log.Printf("[WebSocket] Send buffer full for %s, dropping frame", c.id)
		}
	}
	return nil
}

func (a *Adapter) removeClient(c *client) {
	a.mu.Lock()
	delete(a.clients, c.id)
	c.mu.Lock()
	userID, sessionID := c.userID, c.sessionID
	c.mu.Unlock()
	if userID != "" {
		if peers := a.byUser[userID]; peers != nil {
			delete(peers, c.id)
			if len(peers) == 0 {
				delete(a.byUser, userID)
			}
		}
	}
	a.mu.Unlock()

	if sessionID != "" && a.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := a.sessions.Destroy(ctx, sessionID); err != nil {
			log.Printf("[WebSocket] Failed to destroy session %s: %v", sessionID, err)
		}
		cancel()
	}
}

// authTimeout closes the socket if no successful auth arrives in time
func (c *client) authTimeout() {
	timer := time.NewTimer(c.adapter.authWindow)
	defer timer.Stop()
	<-timer.C

	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		log.Printf("[WebSocket] Client %s failed to authenticate in time", c.id)
		c.close(protocol.CloseAuthTimeout, "authentication timeout")
	}
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.adapter.removeClient(c)
		c.conn.Close()
		close(c.done)
		c.adapter.pumps.Done()
		log.Printf("[WebSocket] Client disconnected: %s", c.id)
	}()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[WebSocket] Read error from %s: %v", c.id, err)
			}
			return
		}

		frame, err := protocol.ParseClientFrame(data)
		if err != nil {
			c.sendError(fmt.Sprintf("bad frame: %v", err))
			continue
		}

		c.mu.Lock()
		authed := c.authed
		c.mu.Unlock()

		if !authed {
			authFrame, ok := frame.(*protocol.AuthFrame)
			if !ok {
				// The client may still authenticate within the window
				c.sendError("authentication required")
				continue
			}
			if !c.handleAuth(ctx, authFrame) {
				return
			}
			continue
		}

		switch f := frame.(type) {
		case *protocol.AuthFrame:
			// Re-auth on an open socket is a no-op
			c.sendError("already authenticated")
		case *protocol.ChatFrame:
			c.handleChat(f)
		case *protocol.SetWorkspaceFrame:
			c.handleSetWorkspace(ctx, f)
		case *protocol.PingFrame:
			c.sendFrame(&protocol.PongFrame{Type: protocol.FramePong})
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("[WebSocket] Write error to %s: %v", c.id, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleAuth validates the token and promotes the socket to authenticated.
// Returns false when the socket was closed.
func (c *client) handleAuth(ctx context.Context, frame *protocol.AuthFrame) bool {
	claims, err := c.adapter.tokens.VerifyAccess(frame.Token)
	if err != nil {
		log.Printf("[WebSocket] Client %s presented invalid token", c.id)
		c.close(protocol.CloseInvalidToken, "invalid token")
		return false
	}

	var workspaceID string
	if len(claims.Workspaces) > 0 {
		workspaceID = claims.Workspaces[0].ID
	}

	sessionID := ""
	if c.adapter.sessions != nil {
		sessionID, err = c.adapter.sessions.Create(ctx, sessions.Session{
			UserID:      claims.Subject,
			Email:       claims.Email,
			Channel:     ChannelType,
			WorkspaceID: workspaceID,
		})
		if err != nil {
			log.Printf("[WebSocket] Failed to create session for %s: %v", claims.Subject, err)
			c.close(websocket.CloseInternalServerErr, "session creation failed")
			return false
		}
	}

	c.mu.Lock()
	c.authed = true
	c.userID = claims.Subject
	c.email = claims.Email
	c.sessionID = sessionID
	c.workspaceID = workspaceID
	c.workspaces = claims.Workspaces
	c.mu.Unlock()

	c.adapter.mu.Lock()
	if c.adapter.byUser[claims.Subject] == nil {
		c.adapter.byUser[claims.Subject] = map[string]*client{}
	}
	c.adapter.byUser[claims.Subject][c.id] = c
	c.adapter.mu.Unlock()

	c.sendFrame(&protocol.ConnectedFrame{Type: protocol.FrameConnected, SessionID: sessionID})
	log.Printf("[WebSocket] Client %s authenticated as %s", c.id, claims.Subject)
	return true
}

func (c *client) handleChat(frame *protocol.ChatFrame) {
	if frame.Content == "" {
		c.sendError("empty chat message")
		return
	}

	c.mu.Lock()
	userID := c.userID
	sessionID := c.sessionID
	workspaceID := c.workspaceID
	c.mu.Unlock()

	if frame.WorkspaceID != "" {
		if !c.memberOf(frame.WorkspaceID) {
			c.sendError("not a member of workspace " + frame.WorkspaceID)
			return
		}
		workspaceID = frame.WorkspaceID
	}

	conversationID := frame.ConversationID
	if conversationID == "" {
		conversationID = "ws_" + sessionID
	}

	extra := map[string]string{}
	if frame.Provider != "" {
		extra["provider"] = frame.Provider
	}
	if frame.Model != "" {
		extra["model"] = frame.Model
	}
	for k, v := range frame.Parameters {
		extra["param_"+k] = v
	}

	msg := protocol.IncomingMessage{
		ID:             uuid.New().String(),
		Channel:        ChannelType,
		UserID:         userID,
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Content:        frame.Content,
		Metadata: protocol.MessageMetadata{
			ChannelUserID: c.id,
			Timestamp:     time.Now(),
			Extra:         extra,
		},
	}

	select {
	case c.adapter.incoming <- msg:
	default:
		log.Printf("[WebSocket] Incoming buffer full, rejecting chat from %s", c.id)
		c.sendError("server busy, try again")
	}
}

func (c *client) handleSetWorkspace(ctx context.Context, frame *protocol.SetWorkspaceFrame) {
	if !c.memberOf(frame.WorkspaceID) {
		c.sendError("not a member of workspace " + frame.WorkspaceID)
		return
	}

	c.mu.Lock()
	c.workspaceID = frame.WorkspaceID
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID != "" && c.adapter.sessions != nil {
		if err := c.adapter.sessions.Update(ctx, sessionID, sessions.Session{WorkspaceID: frame.WorkspaceID}); err != nil {
			log.Printf("[WebSocket] Failed to update session workspace: %v", err)
		}
	}
}

func (c *client) memberOf(workspaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workspaces {
		if w.ID == workspaceID {
			return true
		}
	}
	return false
}

func (c *client) sendFrame(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[WebSocket] Failed to encode frame: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Printf("[WebSocket] Send buffer full for %s, dropping frame", c.id)
	}
}

func (c *client) sendError(message string) {
	c.sendFrame(&protocol.ErrorFrame{Type: protocol.FrameError, Error: message})
}

// close writes a close frame with the given code, then tears the socket down
func (c *client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.conn.Close()
	})
}
