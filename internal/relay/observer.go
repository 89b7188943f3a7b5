package relay

import (
	"context"
	"time"
)

// Stats summarizes one stream.
type Stats struct {
	Chunks           int       `json:"chunks"`
	BytesIn          int       `json:"bytes_in"`
	BytesOut         int       `json:"bytes_out"`
	ToolCalls        int       `json:"tool_calls"`
	SuppressedTokens int       `json:"suppressed_tokens"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}

// Observer is notified about stream progress. Implementations must be safe for
// concurrent use, since one observer serves many streams.
type Observer interface {
	ObserveChunk(ctx context.Context, streamID string, in, out int)
	ObserveTool(ctx context.Context, streamID, tool string)
	ObserveFinish(ctx context.Context, streamID string, stats Stats)
}

// TokenCounter estimates the token count of text.
type TokenCounter interface {
	Count(text string) int
}
