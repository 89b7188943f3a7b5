// Package match selects tool calls by name pattern and rule expression.
package match

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/toolfence/internal/config"
)

// Event is the environment a rule expression is evaluated against, e.g.
// `tool in ["Bash", "Write"]` or `tool startsWith "mcp__" && stream != ""`.
type Event struct {
	Tool     string `expr:"tool"`
	StreamID string `expr:"stream"`
}

// Matcher reports whether a tool call is selected. A nil or empty Matcher
// selects everything.
type Matcher struct {
	patterns []string
	globs    []glob.Glob
	rule     string
	program  *vm.Program
}

// New compiles cfg. Tools are glob patterns; Expr is an expr-lang boolean rule.
// When both are set a call must satisfy both.
func New(cfg config.Match) (*Matcher, error) {
	m := &Matcher{}
	for _, pattern := range cfg.Tools {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid tool pattern %q: %w", pattern, err)
		}
		m.patterns = append(m.patterns, pattern)
		m.globs = append(m.globs, g)
	}
	if cfg.Expr != "" {
		program, err := expr.Compile(cfg.Expr, expr.Env(Event{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("failed to compile match expression: %w", err)
		}
		m.rule = cfg.Expr
		m.program = program
	}
	return m, nil
}

// Match reports whether ev is selected.
func (m *Matcher) Match(ev Event) bool {
	if m == nil {
		return true
	}
	if len(m.globs) > 0 && !m.matchTool(ev.Tool) {
		return false
	}
	if m.program == nil {
		return true
	}

	out, err := expr.Run(m.program, ev)
	if err != nil {
		logrus.WithError(err).WithField("tool", ev.Tool).Warn("Match expression failed")
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func (m *Matcher) matchTool(tool string) bool {
	for _, g := range m.globs {
		if g.Match(tool) {
			return true
		}
	}
	return false
}

// String describes the matcher for logs.
func (m *Matcher) String() string {
	if m == nil || (len(m.globs) == 0 && m.program == nil) {
		return "all"
	}
	s := fmt.Sprintf("tools=%v", m.patterns)
	if m.program != nil {
		s += " expr=" + m.rule
	}
	return s
}
