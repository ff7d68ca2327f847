// Package brain is the client for the reply-generating backend. The
// gateway treats the backend as a streaming black box: a chat request goes
// in, a sequence of chunks comes out.
package brain

import (
	"context"
	"encoding/json"

	"switchboard/pkg/protocol"
)

// ChunkKind discriminates stream chunks
type ChunkKind string

const (
	// ChunkDelta is an incremental piece of reply text
	ChunkDelta ChunkKind = "delta"
	// ChunkToolCall reports a tool invocation the backend is performing
	ChunkToolCall ChunkKind = "tool_call"
	// ChunkDone terminates the stream successfully
	ChunkDone ChunkKind = "done"
	// ChunkError terminates the stream with a backend-reported error
	ChunkError ChunkKind = "error"
)

// ToolCall describes one backend tool invocation
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Chunk is one element of a reply stream
type Chunk struct {
	Kind     ChunkKind         `json:"kind"`
	Delta    string            `json:"delta,omitempty"`
	Tool     *ToolCall         `json:"tool,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ChatRequest is one user turn sent to the backend
type ChatRequest struct {
	ConversationID string                `json:"conversation_id"`
	UserID         string                `json:"user_id"`
	WorkspaceID    string                `json:"workspace_id,omitempty"`
	Channel        string                `json:"channel"`
	Content        string                `json:"content"`
	Attachments    []protocol.Attachment `json:"attachments,omitempty"`
	Provider       string                `json:"provider,omitempty"`
	Model          string                `json:"model,omitempty"`
	Parameters     map[string]string     `json:"parameters,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
}

// Stream yields chunks for one chat request. Recv returns io.EOF after the
// final chunk. Close is safe to call at any point and releases the
// underlying connection.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// Client opens reply streams against the backend
type Client interface {
	StreamChat(ctx context.Context, req *ChatRequest) (Stream, error)
}
