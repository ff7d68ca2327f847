package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies a WebSocket protocol frame
type FrameType string

const (
	// Client -> server frames
	FrameAuth         FrameType = "auth"
	FrameChat         FrameType = "chat"
	FrameSetWorkspace FrameType = "set_workspace"
	FramePing         FrameType = "ping"

	// Server -> client frames
	FrameConnected FrameType = "connected"
	FrameToken     FrameType = "token"
	FrameToolCall  FrameType = "tool_call"
	FrameDone      FrameType = "done"
	FrameError     FrameType = "error"
	FramePong      FrameType = "pong"
)

// WebSocket close codes in the 4000-4999 private use range.
// Distinct codes let clients tell an expired auth window from a bad token.
const (
	CloseInvalidToken = 4401
	CloseAuthTimeout  = 4408
)

// BaseFrame contains the discriminator common to all frames
type BaseFrame struct {
	Type FrameType `json:"type"`
}

// AuthFrame is the first frame a client must send after connecting
type AuthFrame struct {
	Type  FrameType `json:"type"`
	Token string    `json:"token"`
}

// ChatFrame carries a user chat message from an authenticated client
type ChatFrame struct {
	Type           FrameType         `json:"type"`
	Content        string            `json:"content"`
	ConversationID string            `json:"conversation_id,omitempty"`
	WorkspaceID    string            `json:"workspace_id,omitempty"`
	Provider       string            `json:"provider,omitempty"`
	Model          string            `json:"model,omitempty"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// SetWorkspaceFrame reassigns the socket's active workspace
type SetWorkspaceFrame struct {
	Type        FrameType `json:"type"`
	WorkspaceID string    `json:"workspace_id"`
}

// PingFrame is a client liveness probe; the server replies with pong
type PingFrame struct {
	Type FrameType `json:"type"`
}

// ConnectedFrame acknowledges a successful auth handshake
type ConnectedFrame struct {
	Type      FrameType `json:"type"`
	SessionID string    `json:"session_id"`
}

// TokenFrame carries one streamed text delta
type TokenFrame struct {
	Type           FrameType `json:"type"`
	ConversationID string    `json:"conversation_id"`
	Content        string    `json:"content"`
}

// ToolDescriptor describes a tool invocation surfaced to the client
type ToolDescriptor struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolCallFrame surfaces a backend tool invocation
type ToolCallFrame struct {
	Type           FrameType      `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Tool           ToolDescriptor `json:"tool"`
}

// DoneFrame signals stream completion with summary metadata
type DoneFrame struct {
	Type           FrameType         `json:"type"`
	ConversationID string            `json:"conversation_id"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ErrorFrame delivers an error to the client
type ErrorFrame struct {
	Type  FrameType `json:"type"`
	Error string    `json:"error"`
}

// PongFrame answers a client ping
type PongFrame struct {
	Type FrameType `json:"type"`
}

// ParseClientFrame decodes a raw client frame into its concrete type
func ParseClientFrame(data []byte) (interface{}, error) {
	var base BaseFrame
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch base.Type {
	case FrameAuth:
		var f AuthFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil

	case FrameChat:
		var f ChatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil

	case FrameSetWorkspace:
		var f SetWorkspaceFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return &f, nil

	case FramePing:
		return &PingFrame{Type: FramePing}, nil

	default:
		return nil, fmt.Errorf("unknown frame type: %q", base.Type)
	}
}
