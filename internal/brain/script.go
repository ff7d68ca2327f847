package brain

import (
	"context"
	"io"
	"sync"
)

// ScriptedClient replays a fixed chunk sequence for every request. Used in
// tests and as the offline backend when no brain address is configured.
type ScriptedClient struct {
	// Script is the chunk sequence replayed per request
	Script []Chunk

	mu       sync.Mutex
	requests []*ChatRequest
}

// NewScriptedClient returns a client that answers every request with chunks
func NewScriptedClient(chunks ...Chunk) *ScriptedClient {
	return &ScriptedClient{Script: chunks}
}

// EchoClient returns a client that replies with the request content itself.
// The offline fallback when no backend is configured.
func EchoClient() *ScriptedClient {
	return &ScriptedClient{}
}

// StreamChat records the request and returns a replay stream
func (c *ScriptedClient) StreamChat(ctx context.Context, req *ChatRequest) (Stream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()

	chunks := c.Script
	if len(chunks) == 0 {
		chunks = []Chunk{
			{Kind: ChunkDelta, Delta: req.Content},
			{Kind: ChunkDone},
		}
	}
	return &scriptStream{chunks: chunks}, nil
}

// Requests returns a copy of every request seen so far
func (c *ScriptedClient) Requests() []*ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ChatRequest, len(c.requests))
	copy(out, c.requests)
	return out
}

type scriptStream struct {
	chunks []Chunk
	pos    int
}

func (s *scriptStream) Recv() (*Chunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return &chunk, nil
}

func (s *scriptStream) Close() error {
	s.pos = len(s.chunks)
	return nil
}
