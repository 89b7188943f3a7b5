// Package sse rewrites OpenAI-style chat completion event streams so that
// clients never see inline tool-call syntax.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tingly-dev/toolfence/internal/toolfilter"
)

const (
	dataPrefix = "data:"
	doneData   = "[DONE]"

	contentPath = "choices.0.delta.content"
	// IndicatorField carries the tool indicators of the chunk that closed a
	// tool block.
	IndicatorField = "x_tool_indicators"

	maxLineSize = 4 * 1024 * 1024
)

// ChunkHook is called with each filter result, e.g. to feed a relay observer.
type ChunkHook func(in string, res toolfilter.Result)

// Rewriter filters the delta content of one SSE stream.
type Rewriter struct {
	filter   *toolfilter.StreamFilter
	hook     ChunkHook
	template string
}

// NewRewriter creates a rewriter. hook may be nil.
func NewRewriter(hook ChunkHook) *Rewriter {
	return &Rewriter{filter: toolfilter.New(), hook: hook}
}

// Rewrite copies the stream from r to w, replacing delta content with its
// filtered form. Text still withheld when the stream ends is emitted as one
// extra chunk before `data: [DONE]`, or at the end if the upstream omits it.
func (rw *Rewriter) Rewrite(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	flusher, _ := w.(interface{ Flush() })

	flushed := false
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		data, isData := cutData(line)
		switch {
		case isData && data == doneData:
			if err := rw.writeFlush(w); err != nil {
				return err
			}
			flushed = true
		case isData && !flushed:
			line = dataPrefix + " " + rw.rewriteData(data)
		}

		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return fmt.Errorf("write sse line: %w", err)
		}
		if line == "" && flusher != nil {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read sse stream: %w", err)
	}

	if !flushed {
		if err := rw.writeFlush(w); err != nil {
			return err
		}
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

func (rw *Rewriter) rewriteData(data string) string {
	content := gjson.Get(data, contentPath)
	if !gjson.Valid(data) || content.Type != gjson.String {
		return data
	}
	rw.template = data

	res := rw.filter.ProcessChunk(content.String())
	if rw.hook != nil {
		rw.hook(content.String(), res)
	}

	out, err := sjson.Set(data, contentPath, res.Output)
	if err != nil {
		logrus.WithError(err).Warn("Failed to rewrite sse delta content")
		return data
	}
	if len(res.ToolIndicators) > 0 {
		if withInd, err := sjson.Set(out, IndicatorField, res.ToolIndicators); err == nil {
			out = withInd
		}
	}
	return out
}

// writeFlush ends the filter and emits the withheld text, if any, as a copy of
// the last content chunk.
func (rw *Rewriter) writeFlush(w io.Writer) error {
	rest := rw.filter.Flush()
	if rw.hook != nil {
		rw.hook("", toolfilter.Result{Output: rest})
	}
	if rest == "" {
		return nil
	}

	template := rw.template
	if template == "" {
		template = `{"object":"chat.completion.chunk","choices":[{"index":0,"delta":{}}]}`
	}
	data, err := sjson.Set(template, "choices.0.delta", map[string]string{"content": rest})
	if err == nil {
		data, err = sjson.Set(data, "choices.0.finish_reason", nil)
	}
	if err != nil {
		return fmt.Errorf("build flush chunk: %w", err)
	}
	if _, err := io.WriteString(w, dataPrefix+" "+data+"\n\n"); err != nil {
		return fmt.Errorf("write sse line: %w", err)
	}
	return nil
}

func cutData(line string) (string, bool) {
	rest, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(rest, " "), true
}
