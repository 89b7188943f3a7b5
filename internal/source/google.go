package source

import (
	"context"
	"fmt"
	"io"
	"iter"

	"google.golang.org/genai"

	"github.com/tingly-dev/toolfence/internal/config"
)

// GoogleSource yields the text of each GenerateContentStream response.
type GoogleSource struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

// NewGoogleSource starts the generation request.
func NewGoogleSource(ctx context.Context, cfg config.Provider, prompt string) (*GoogleSource, error) {
	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.APIBase != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.APIBase}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("create google client: %w", err)
	}

	var genConfig *genai.GenerateContentConfig
	if cfg.MaxTokens > 0 {
		genConfig = &genai.GenerateContentConfig{MaxOutputTokens: int32(cfg.MaxTokens)}
	}
	seq := client.Models.GenerateContentStream(ctx, cfg.Model, genai.Text(prompt), genConfig)
	next, stop := iter.Pull2(seq)
	return &GoogleSource{next: next, stop: stop}, nil
}

func (s *GoogleSource) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", fmt.Errorf("google stream: %w", err)
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *GoogleSource) Close() error {
	s.stop()
	return nil
}
