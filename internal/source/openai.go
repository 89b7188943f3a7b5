package source

import (
	"context"
	"fmt"
	"io"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/tingly-dev/toolfence/internal/config"
)

// OpenAISource yields the content deltas of an OpenAI-compatible chat
// completion stream.
type OpenAISource struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

// NewOpenAISource starts the completion request.
func NewOpenAISource(ctx context.Context, cfg config.Provider, prompt string) *OpenAISource {
	options := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.APIBase != "" {
		options = append(options, option.WithBaseURL(cfg.APIBase))
	}
	client := openai.NewClient(options...)

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if cfg.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(cfg.MaxTokens))
	}

	return &OpenAISource{stream: client.Chat.Completions.NewStreaming(ctx, params)}
}

func (s *OpenAISource) Next(ctx context.Context) (string, error) {
	for s.stream.Next() {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("openai stream: %w", err)
	}
	return "", io.EOF
}

func (s *OpenAISource) Close() error {
	return s.stream.Close()
}
