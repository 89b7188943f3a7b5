// Package token estimates how many model tokens a piece of text is worth.
package token

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens with a tiktoken encoding.
//
// Usage example:
//
//	counter, _ := token.NewCounter()
//	relay.New(id, sink, relay.WithTokenCounter(counter))
type Counter struct {
	mu      sync.Mutex
	encoder tokenizer.Codec
}

// NewCounter creates a counter using the o200k_base encoding.
func NewCounter() (*Counter, error) {
	return NewCounterWithEncoding(string(tokenizer.O200kBase))
}

// NewCounterWithEncoding creates a counter with a specific encoding.
func NewCounterWithEncoding(encoding string) (*Counter, error) {
	enc, err := tokenizer.Get(tokenizer.Encoding(encoding))
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer %s: %w", encoding, err)
	}
	return &Counter{encoder: enc}, nil
}

// Count returns the token count of text, or a character/4 estimate when the
// encoder fails. A nil Counter always estimates.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.encoder == nil {
		return estimate(text)
	}

	c.mu.Lock()
	count, err := c.encoder.Count(text)
	c.mu.Unlock()
	if err != nil {
		return estimate(text)
	}
	return count
}

func estimate(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
