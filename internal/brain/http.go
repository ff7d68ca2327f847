package brain

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxChunkLine bounds a single NDJSON line from the backend
const maxChunkLine = 1 << 20

// HTTPClient streams chat replies over newline-delimited JSON. The request
// is a single JSON POST; the response body is one Chunk per line, held open
// until the backend sends a done or error chunk.
type HTTPClient struct {
	addr   string
	client *http.Client
}

// NewHTTPClient creates a client for the backend at addr
func NewHTTPClient(addr string) *HTTPClient {
	return &HTTPClient{
		addr: addr,
		client: &http.Client{
			// No overall timeout: streams are long-lived. Dial and TLS
			// handshake limits come from the default transport.
			Timeout: 0,
		},
	}
}

// StreamChat opens a reply stream for one chat request
func (c *HTTPClient) StreamChat(ctx context.Context, req *ChatRequest) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("backend returned %d: %s", resp.StatusCode, msg)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxChunkLine)
	return &httpStream{body: resp.Body, scanner: scanner}, nil
}

type httpStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *httpStream) Recv() (*Chunk, error) {
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk Chunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, fmt.Errorf("malformed chunk from backend: %w", err)
		}

		if chunk.Kind == ChunkDone || chunk.Kind == ChunkError {
			s.done = true
		}
		return &chunk, nil
	}

	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("backend stream broke: %w", err)
	}
	return nil, io.EOF
}

func (s *httpStream) Close() error {
	s.done = true
	return s.body.Close()
}

// Ping checks backend reachability for health reporting
func (c *HTTPClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.addr+"/healthz", nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend health returned %d", resp.StatusCode)
	}
	return nil
}
