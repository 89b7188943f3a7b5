package relay

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// Sink receives the displayable side of a filtered stream.
type Sink interface {
	WriteText(text string) error
	WriteIndicator(indicator string) error
}

var indicatorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("241")).
	Italic(true)

// WriterSink writes text to out and indicators, one per line, to status.
type WriterSink struct {
	out    io.Writer
	status io.Writer
	color  bool
}

// NewWriterSink creates a sink. When color is set indicators are rendered with
// a dim italic style.
func NewWriterSink(out, status io.Writer, color bool) *WriterSink {
	if status == nil {
		status = out
	}
	return &WriterSink{out: out, status: status, color: color}
}

func (s *WriterSink) WriteText(text string) error {
	if text == "" {
		return nil
	}
	_, err := io.WriteString(s.out, text)
	return err
}

func (s *WriterSink) WriteIndicator(indicator string) error {
	if s.color {
		indicator = indicatorStyle.Render(indicator)
	}
	_, err := fmt.Fprintln(s.status, indicator)
	return err
}

// BufferSink keeps everything in memory.
type BufferSink struct {
	mu         sync.Mutex
	text       strings.Builder
	indicators []string
}

func (s *BufferSink) WriteText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(text)
	return nil
}

func (s *BufferSink) WriteIndicator(indicator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indicators = append(s.indicators, indicator)
	return nil
}

// Text returns all text written so far.
func (s *BufferSink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Indicators returns a copy of the indicators written so far.
func (s *BufferSink) Indicators() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.indicators))
	copy(out, s.indicators)
	return out
}

// SinkFuncs adapts a pair of functions to Sink. A nil function discards.
type SinkFuncs struct {
	Text      func(string) error
	Indicator func(string) error
}

func (s SinkFuncs) WriteText(text string) error {
	if s.Text == nil || text == "" {
		return nil
	}
	return s.Text(text)
}

func (s SinkFuncs) WriteIndicator(indicator string) error {
	if s.Indicator == nil {
		return nil
	}
	return s.Indicator(indicator)
}

// Discard is a Sink that drops everything.
var Discard Sink = SinkFuncs{}
