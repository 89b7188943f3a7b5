// Package notify raises desktop notifications for suppressed tool calls.
package notify

import (
	"context"

	"github.com/gen2brain/beeep"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/toolfence/internal/match"
	"github.com/tingly-dev/toolfence/internal/relay"
)

const appName = "toolfence"

// SendFunc delivers one notification.
type SendFunc func(title, body string) error

func desktop(title, body string) error {
	return beeep.Notify(title, body, "")
}

// Notifier is a relay.Observer that notifies about selected tool calls.
type Notifier struct {
	matcher *match.Matcher
	send    SendFunc
}

var _ relay.Observer = (*Notifier)(nil)

// New creates a desktop notifier. A nil matcher selects every tool call.
func New(matcher *match.Matcher) *Notifier {
	return &Notifier{matcher: matcher, send: desktop}
}

// WithSender replaces the delivery function.
func (n *Notifier) WithSender(send SendFunc) *Notifier {
	n.send = send
	return n
}

func (n *Notifier) ObserveChunk(context.Context, string, int, int) {}

func (n *Notifier) ObserveTool(_ context.Context, streamID, tool string) {
	if !n.matcher.Match(match.Event{Tool: tool, StreamID: streamID}) {
		return
	}
	if tool == "" {
		tool = "unknown"
	}
	if err := n.send(appName, "Model called tool "+tool); err != nil {
		logrus.WithError(err).Debug("Desktop notification failed")
	}
}

func (n *Notifier) ObserveFinish(context.Context, string, relay.Stats) {}
