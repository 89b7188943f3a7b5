package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/toolfence/internal/config"
	"github.com/tingly-dev/toolfence/internal/match"
	"github.com/tingly-dev/toolfence/internal/relay"
)

func TestNotifierSelectsTools(t *testing.T) {
	matcher, err := match.New(config.Match{Tools: []string{"Bash"}})
	require.NoError(t, err)

	var bodies []string
	n := New(matcher).WithSender(func(title, body string) error {
		assert.Equal(t, "toolfence", title)
		bodies = append(bodies, body)
		return nil
	})

	r := relay.New("s1", nil, relay.WithObservers(n))
	_, err = r.Push(context.Background(), "```tool_call\n{\"tool\": \"Read\"}\n```\n```tool_call\n{\"tool\": \"Bash\"}\n```")
	require.NoError(t, err)

	assert.Equal(t, []string{"Model called tool Bash"}, bodies)
}

func TestNotifierIgnoresSendErrors(t *testing.T) {
	calls := 0
	n := New(nil).WithSender(func(string, string) error {
		calls++
		return errors.New("no notification daemon")
	})

	n.ObserveTool(context.Background(), "s1", "")
	n.ObserveChunk(context.Background(), "s1", 1, 1)
	n.ObserveFinish(context.Background(), "s1", relay.Stats{})
	assert.Equal(t, 1, calls)
}
