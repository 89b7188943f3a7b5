package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"
	anthropicstream "github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tingly-dev/toolfence/internal/config"
)

// AnthropicSource yields the text deltas of a Messages API stream.
type AnthropicSource struct {
	stream *anthropicstream.Stream[anthropic.MessageStreamEventUnion]
}

// NewAnthropicSource starts the message request.
func NewAnthropicSource(ctx context.Context, cfg config.Provider, prompt string) *AnthropicSource {
	options := []anthropicOption.RequestOption{
		anthropicOption.WithAPIKey(cfg.APIKey),
	}
	if cfg.APIBase != "" {
		// The SDK expects the base without /v1
		apiBase := strings.TrimSuffix(strings.TrimRight(cfg.APIBase, "/"), "/v1")
		options = append(options, anthropicOption.WithBaseURL(apiBase))
	}
	client := anthropic.NewClient(options...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = config.DefaultMaxTokens
	}
	stream := client.Messages.NewStreaming(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	return &AnthropicSource{stream: stream}
}

func (s *AnthropicSource) Next(ctx context.Context) (string, error) {
	for s.stream.Next() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		event := s.stream.Current()
		if event.Type != "content_block_delta" || event.Delta.Type != "text_delta" {
			continue
		}
		if event.Delta.Text != "" {
			return event.Delta.Text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	return "", io.EOF
}

func (s *AnthropicSource) Close() error {
	return s.stream.Close()
}
