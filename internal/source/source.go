// Package source produces raw text chunks for a relay: from readers, fixed
// lists, or streaming chat completions of an upstream model provider.
package source

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/tingly-dev/toolfence/internal/config"
)

// Source produces the chunks of one stream. Next returns io.EOF after the
// last chunk.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// StreamSource is a Source holding a network stream that must be closed.
type StreamSource interface {
	Source
	io.Closer
}

// ReaderSource splits an io.Reader into reads of at most size bytes.
type ReaderSource struct {
	r   io.Reader
	buf []byte
	err error
}

// NewReaderSource creates a reader source. size <= 0 uses the default read size.
func NewReaderSource(r io.Reader, size int) *ReaderSource {
	if size <= 0 {
		size = config.DefaultReadSize
	}
	return &ReaderSource{r: r, buf: make([]byte, size)}
}

func (s *ReaderSource) Next(ctx context.Context) (string, error) {
	for {
		if s.err != nil {
			return "", s.err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}

		n, err := s.r.Read(s.buf)
		if err != nil {
			s.err = err
		}
		if n > 0 {
			return string(s.buf[:n]), nil
		}
	}
}

// SliceSource replays a fixed list of chunks.
type SliceSource struct {
	chunks []string
	next   int
}

// NewSliceSource creates a source over chunks.
func NewSliceSource(chunks ...string) *SliceSource {
	return &SliceSource{chunks: chunks}
}

func (s *SliceSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.next >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.next]
	s.next++
	return chunk, nil
}

// NewProviderSource opens a streaming completion of prompt against the
// provider described by cfg.
func NewProviderSource(ctx context.Context, cfg config.Provider, prompt string) (StreamSource, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, fmt.Errorf("prompt is empty")
	}

	switch strings.ToLower(cfg.Style) {
	case config.StyleOpenAI:
		return NewOpenAISource(ctx, cfg, prompt), nil
	case config.StyleAnthropic:
		return NewAnthropicSource(ctx, cfg, prompt), nil
	case config.StyleGoogle:
		return NewGoogleSource(ctx, cfg, prompt)
	default:
		return nil, fmt.Errorf("unsupported provider style: %q", cfg.Style)
	}
}
