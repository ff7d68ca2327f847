package websocket

import (
	"switchboard/internal/brain"
	"switchboard/pkg/protocol"
)

// TranslateChunk maps one backend stream chunk to its protocol frame.
// Returns nil for chunk kinds that have no client representation.
func TranslateChunk(conversationID string, chunk *brain.Chunk) interface{} {
	switch chunk.Kind {
	case brain.ChunkDelta:
		return &protocol.TokenFrame{
			Type:           protocol.FrameToken,
			ConversationID: conversationID,
			Content:        chunk.Delta,
		}

	case brain.ChunkToolCall:
		if chunk.Tool == nil {
			return nil
		}
		return &protocol.ToolCallFrame{
			Type:           protocol.FrameToolCall,
			ConversationID: conversationID,
			Tool: protocol.ToolDescriptor{
				ID:   chunk.Tool.ID,
				Name: chunk.Tool.Name,
				Args: chunk.Tool.Args,
			},
		}

	case brain.ChunkDone:
		return &protocol.DoneFrame{
			Type:           protocol.FrameDone,
			ConversationID: conversationID,
			Metadata:       chunk.Metadata,
		}

	case brain.ChunkError:
		return &protocol.ErrorFrame{
			Type:  protocol.FrameError,
			Error: chunk.Error,
		}

	default:
		return nil
	}
}

// FrameSender is implemented by adapters that can deliver raw protocol
// frames, enabling token-by-token streaming instead of whole messages
type FrameSender interface {
	SendFrame(userID string, frame interface{}) error
}
