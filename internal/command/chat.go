package command

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/toolfence/internal/config"
	"github.com/tingly-dev/toolfence/internal/relay"
	"github.com/tingly-dev/toolfence/internal/source"
)

// ChatCommand streams a completion from the configured provider with
// tool-call syntax removed.
func ChatCommand(app *App) *cobra.Command {
	var (
		style     string
		model     string
		maxTokens int
		noColor   bool
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Stream a model reply with tool calls hidden",
		Long: `Chat sends a prompt to the configured provider (openai, anthropic or google)
and prints the streamed reply as it arrives. Tool-call blocks are replaced by
a one-line indicator on stderr. The prompt is read from stdin when no
arguments are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}

			prompt := strings.Join(args, " ")
			if prompt == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read prompt: %w", err)
				}
				prompt = string(data)
			}

			provider := cfg.ProviderConfig()
			if cmd.Flags().Changed("style") {
				provider.Style = style
			}
			if cmd.Flags().Changed("model") {
				provider.Model = model
			}
			if cmd.Flags().Changed("max-tokens") {
				provider.MaxTokens = maxTokens
			}

			ctx := cmd.Context()
			defer app.Close(context.Background())
			observers, err := app.Observers(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			sink := relay.NewWriterSink(cmd.OutOrStdout(), cmd.ErrOrStderr(), !noColor)
			return runChat(ctx, provider, prompt, sink, app.RelayOptions(observers))
		},
	}

	cmd.Flags().StringVar(&style, "style", "", "provider style: openai, anthropic or google")
	cmd.Flags().StringVar(&model, "model", "", "model name")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", config.DefaultMaxTokens, "maximum tokens to generate")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable styled tool indicators")
	return cmd
}

func runChat(ctx context.Context, provider config.Provider, prompt string, sink relay.Sink, opts []relay.Option) error {
	src, err := source.NewProviderSource(ctx, provider, prompt)
	if err != nil {
		return err
	}
	defer src.Close()

	rl := relay.New(uuid.New().String(), sink, opts...)
	if err := rl.Run(ctx, src); err != nil {
		return fmt.Errorf("%s stream failed: %w", provider.Style, err)
	}
	if err := sink.WriteText("\n"); err != nil {
		return err
	}

	stats := rl.Stats()
	logrus.WithFields(logrus.Fields{
		"stream_id":         rl.ID(),
		"model":             provider.Model,
		"chunks":            stats.Chunks,
		"tool_calls":        stats.ToolCalls,
		"suppressed_tokens": stats.SuppressedTokens,
	}).Debug("Chat finished")
	return nil
}
