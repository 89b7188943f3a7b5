// Package toolfilter hides inline tool-call syntax from streamed model output.
//
// A StreamFilter consumes arbitrarily split text chunks and returns, per chunk,
// the part that is safe to display. Three syntaxes are suppressed: fenced
// ```tool_call blocks, fenced ```json (or untagged) blocks whose body starts
// with {"tool", and bare `tool_call` lines followed by a `{` line. Ordinary
// code blocks pass through untouched.
//
// Output is append-only: text returned by one call is never revised by a later
// one. Concatenating every ProcessChunk output followed by Flush yields the same
// text however the input was split.
//
// Usage:
//
//	f := toolfilter.New()
//	for chunk := range chunks {
//	    res := f.ProcessChunk(chunk)
//	    show(res.Output)
//	    if res.ToolIndicator != "" {
//	        showIndicator(res.ToolIndicator)
//	    }
//	}
//	show(f.Flush())
package toolfilter

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const fence = "```"

// Phase is the state of the fence state machine.
type Phase int

const (
	// PhaseNormal passes text through.
	PhaseNormal Phase = iota
	// PhaseMaybeBlock buffers an opening fence that is not classified yet.
	PhaseMaybeBlock
	// PhaseInToolBlock suppresses a confirmed tool block until its closing fence.
	PhaseInToolBlock
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseMaybeBlock:
		return "maybe_block"
	case PhaseInToolBlock:
		return "in_tool_block"
	default:
		return "unknown"
	}
}

// IndicatorPrefix starts every tool indicator.
const IndicatorPrefix = "[tool_call] "

var toolNameRe = regexp.MustCompile(`"tool"\s*:\s*"([^"]+)"`)

// Result is the outcome of one ProcessChunk call.
type Result struct {
	// Output is the displayable text of the chunk, possibly empty.
	Output string
	// ToolIndicator is set when a fenced tool block closed during the call.
	// If several closed, it names the last one.
	ToolIndicator string
	// ToolIndicators lists every tool block closed during the call, in order.
	ToolIndicators []string
}

// StreamFilter is the incremental tool-call filter for one logical stream.
// It is not safe for concurrent use.
type StreamFilter struct {
	phase    Phase
	buf      strings.Builder
	toolName string

	// pending is input withheld from the previous call because its meaning
	// depends on what follows: a trailing bare tool_call line, a line that may
	// still become one, or a run of backticks that may become a fence.
	pending string
	// inPlain is set while the rest of an ordinary code block passes through.
	inPlain bool
	// midLine is set when consumed text does not end at a line boundary.
	midLine bool
	// runeTail holds an incomplete UTF-8 sequence cut from the last output.
	runeTail string
}

// New returns a filter in its initial state.
func New() *StreamFilter {
	return &StreamFilter{}
}

// Phase returns the current phase.
func (f *StreamFilter) Phase() Phase {
	return f.phase
}

// ProcessChunk consumes the next fragment of the stream.
func (f *StreamFilter) ProcessChunk(text string) Result {
	input := f.pending + text
	f.pending = ""

	var out strings.Builder
	var res Result
	f.scan(input, false, &out, &res)
	res.Output = f.settleRunes(out.String())
	return res
}

// Flush ends the stream and returns any text still owed to the display. An
// unclassified fence is shown as text; an unterminated tool block is dropped;
// a trailing bare tool_call line is dropped.
func (f *StreamFilter) Flush() string {
	input := f.pending
	f.pending = ""

	var out strings.Builder
	var res Result
	f.scan(input, true, &out, &res)
	if f.phase == PhaseMaybeBlock {
		out.WriteString(f.buf.String())
	}
	text := f.runeTail + out.String()
	f.Reset()
	return text
}

// Reset returns the filter to its initial state for reuse on a new stream.
func (f *StreamFilter) Reset() {
	f.phase = PhaseNormal
	f.buf.Reset()
	f.toolName = ""
	f.pending = ""
	f.inPlain = false
	f.midLine = false
	f.runeTail = ""
}

func (f *StreamFilter) scan(input string, eof bool, out *strings.Builder, res *Result) {
	for input != "" {
		switch f.phase {
		case PhaseNormal:
			if f.inPlain {
				input = f.scanPlain(input, eof, out)
			} else {
				input = f.scanNormal(input, eof, out)
			}
		case PhaseMaybeBlock:
			input = f.scanMaybeBlock(input, eof, out, res)
		case PhaseInToolBlock:
			input = f.scanToolBlock(input, eof, res)
		}
	}
}

func (f *StreamFilter) scanNormal(input string, eof bool, out *strings.Builder) string {
	idx := strings.Index(input, fence)
	if idx >= 0 {
		seg := input[:idx]
		emit, _ := stripBare(seg, !f.midLine, tailFence)
		out.WriteString(emit)
		f.advance(seg)

		f.phase = PhaseMaybeBlock
		f.buf.WriteString(fence)
		f.advance(fence)
		return input[idx+len(fence):]
	}

	body, ticks := splitTicks(input, eof)
	mode := tailOpen
	if eof {
		mode = tailEOF
	}
	emit, held := stripBare(body, !f.midLine, mode)
	out.WriteString(emit)
	f.advance(body[:len(body)-len(held)])
	f.pending = held + ticks
	return ""
}

// scanPlain passes the remainder of an ordinary code block through, up to and
// including its closing fence.
func (f *StreamFilter) scanPlain(input string, eof bool, out *strings.Builder) string {
	idx := strings.Index(input, fence)
	if idx >= 0 {
		end := idx + len(fence)
		out.WriteString(input[:end])
		f.advance(input[:end])
		f.inPlain = false
		return input[end:]
	}

	body, ticks := splitTicks(input, eof)
	out.WriteString(body)
	f.advance(body)
	f.pending = ticks
	return ""
}

func (f *StreamFilter) scanMaybeBlock(input string, eof bool, out *strings.Builder, res *Result) string {
	idx := strings.Index(input, fence)
	closed := idx >= 0
	var rest string
	if closed {
		f.buf.WriteString(input[:idx])
		rest = input[idx+len(fence):]
	} else {
		body, ticks := splitTicks(input, eof)
		f.buf.WriteString(body)
		f.pending = ticks
	}

	buffered := f.buf.String()
	switch ClassifyFence(buffered[len(fence):]) {
	case ClassTool:
		f.phase = PhaseInToolBlock
		f.extractToolName(buffered)
		if closed {
			f.completeToolBlock(res)
			return rest
		}
		return ""
	case ClassPending:
		if !closed {
			return ""
		}
		// A block that closes before it can be confirmed is shown as text.
	}

	out.WriteString(buffered)
	f.advance(buffered)
	f.buf.Reset()
	f.phase = PhaseNormal
	if closed {
		out.WriteString(fence)
		f.advance(fence)
		return rest
	}
	f.inPlain = true
	return ""
}

func (f *StreamFilter) scanToolBlock(input string, eof bool, res *Result) string {
	idx := strings.Index(input, fence)
	if idx < 0 {
		body, ticks := splitTicks(input, eof)
		f.buf.WriteString(body)
		f.pending = ticks
		return ""
	}

	f.buf.WriteString(input[:idx])
	f.extractToolName(f.buf.String())
	f.completeToolBlock(res)
	return input[idx+len(fence):]
}

// extractToolName records the first `"tool": "<name>"` of the current block.
func (f *StreamFilter) extractToolName(text string) {
	if f.toolName != "" {
		return
	}
	f.toolName = ExtractToolName(text)
}

// completeToolBlock consumes the closing fence of a tool block.
func (f *StreamFilter) completeToolBlock(res *Result) {
	indicator := FormatIndicator(f.toolName)
	res.ToolIndicator = indicator
	res.ToolIndicators = append(res.ToolIndicators, indicator)

	f.phase = PhaseNormal
	f.buf.Reset()
	f.toolName = ""
	f.advance(fence)
}

func (f *StreamFilter) advance(consumed string) {
	if consumed != "" {
		f.midLine = consumed[len(consumed)-1] != '\n'
	}
}

// settleRunes keeps a trailing partial UTF-8 sequence out of the output so a
// display never renders half a character.
func (f *StreamFilter) settleRunes(out string) string {
	if f.runeTail != "" {
		out = f.runeTail + out
		f.runeTail = ""
	}
	out, f.runeTail = splitIncompleteRune(out)
	return out
}

// ExtractToolName returns the value of the first `"tool": "<name>"` pair in
// text, or "" when there is none.
func ExtractToolName(text string) string {
	m := toolNameRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// FormatIndicator renders the display string for a suppressed tool block.
func FormatIndicator(name string) string {
	if name == "" {
		name = "unknown"
	}
	return IndicatorPrefix + name
}

// splitTicks withholds a trailing run of backticks that could still become a
// fence. Nothing is withheld at end of stream.
func splitTicks(s string, eof bool) (body, ticks string) {
	if eof {
		return s, ""
	}
	n := 0
	for n < len(fence)-1 && n < len(s) && s[len(s)-1-n] == '`' {
		n++
	}
	return s[:len(s)-n], s[len(s)-n:]
}

func splitIncompleteRune(s string) (string, string) {
	for i := len(s) - 1; i >= 0 && i >= len(s)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(s[i]) {
			continue
		}
		if utf8.FullRuneInString(s[i:]) {
			return s, ""
		}
		return s[:i], s[i:]
	}
	return s, ""
}
