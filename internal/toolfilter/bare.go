package toolfilter

import (
	"regexp"
	"strings"
)

var (
	// bareHeaderRe matches a line that may introduce an unfenced tool call.
	bareHeaderRe = regexp.MustCompile(`^\s*tool_call\s*:?\s*$`)
	// bareLineRe matches any line that is nothing but tool-call syntax.
	bareLineRe = regexp.MustCompile(`^\s*tool_call\s*:?\s*\{?\s*$`)
)

// tailMode describes what is known about the text following a segment.
type tailMode int

const (
	// tailOpen: the stream continues; the last line may still grow.
	tailOpen tailMode = iota
	// tailFence: an opening fence follows on the same line as the segment end.
	tailFence
	// tailEOF: the stream has ended.
	tailEOF
)

// stripBare removes unfenced tool-call syntax from a Normal segment. A marker
// line followed (after blank lines) by a line starting with `{` loses both
// lines' text; a lone marker line loses its text. Line terminators are kept.
//
// In tailOpen mode, a trailing region whose fate depends on text not seen yet
// is returned as held instead of being emitted. lineStart reports whether the
// segment begins at the start of a line.
func stripBare(seg string, lineStart bool, mode tailMode) (emit, held string) {
	if !strings.Contains(seg, "tool_") && !maybeMarkerTail(seg, lineStart, mode) {
		return seg, ""
	}

	lines := strings.Split(seg, "\n")
	last := len(lines) - 1
	var b strings.Builder
	b.Grow(len(seg))

	for i := 0; i <= last; i++ {
		line := lines[i]
		onLine := i > 0 || lineStart
		terminated := i < last
		complete := terminated || mode == tailEOF

		if onLine && complete && bareHeaderRe.MatchString(line) {
			j := nextNonBlank(lines, i+1)
			if j < 0 && mode == tailOpen {
				return b.String(), strings.Join(lines[i:], "\n")
			}
			if j >= 0 && startsJSONLine(lines[j]) {
				if j == last && mode == tailOpen {
					return b.String(), strings.Join(lines[i:], "\n")
				}
				i = j
				if i < last {
					b.WriteByte('\n')
				}
				continue
			}
			if terminated {
				b.WriteByte('\n')
			}
			continue
		}

		if onLine && complete && bareLineRe.MatchString(line) {
			if terminated {
				b.WriteByte('\n')
			}
			continue
		}

		if onLine && i == last && mode == tailOpen && couldBecomeMarker(line) {
			return b.String(), line
		}

		b.WriteString(line)
		if terminated {
			b.WriteByte('\n')
		}
	}
	return b.String(), ""
}

// maybeMarkerTail is the fast-path check for a segment without "tool_": only
// an unterminated last line that could still grow into a marker matters.
func maybeMarkerTail(seg string, lineStart bool, mode tailMode) bool {
	if mode != tailOpen {
		return false
	}
	nl := strings.LastIndexByte(seg, '\n')
	if nl < 0 && !lineStart {
		return false
	}
	return couldBecomeMarker(seg[nl+1:])
}

// couldBecomeMarker reports whether an unterminated line is a prefix of some
// bare tool-call line. An empty line trivially is.
func couldBecomeMarker(line string) bool {
	t := strings.TrimLeft(line, " \t\r")
	if len(t) <= len(toolCallTag) {
		return strings.HasPrefix(toolCallTag, t)
	}
	return strings.HasPrefix(t, toolCallTag) && bareLineRe.MatchString(line)
}

func nextNonBlank(lines []string, from int) int {
	for k := from; k < len(lines); k++ {
		if strings.TrimSpace(lines[k]) != "" {
			return k
		}
	}
	return -1
}

func startsJSONLine(line string) bool {
	return strings.HasPrefix(strings.TrimLeft(line, " \t\r"), "{")
}

// StripBareToolCalls removes unfenced tool-call syntax from a complete text.
// Fenced blocks are not interpreted; use a StreamFilter for full filtering.
func StripBareToolCalls(text string) string {
	emit, _ := stripBare(text, true, tailEOF)
	return emit
}
