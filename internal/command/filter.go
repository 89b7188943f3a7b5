package command

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/toolfence/internal/relay"
	"github.com/tingly-dev/toolfence/internal/source"
)

const stdinArg = "-"

// FilterCommand filters tool-call syntax out of files or standard input.
func FilterCommand(app *App) *cobra.Command {
	var (
		readSize       int
		showIndicators bool
	)

	cmd := &cobra.Command{
		Use:   "filter [file|glob ...]",
		Short: "Remove tool-call syntax from text files or stdin",
		Long: `Filter reads model output and writes it back with tool-call blocks removed.
Each argument is a file path or a doublestar glob such as "logs/**/*.txt";
every file is filtered as its own stream. With no arguments, or "-", standard
input is read. Tool indicators are written to stderr with --indicators.`,
		Example: `  toolfence filter transcript.txt
  cat reply.md | toolfence filter --indicators
  toolfence filter 'sessions/**/*.log' --read-size 16`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("read-size") {
				readSize = cfg.ReadSize()
			}
			if readSize <= 0 {
				return fmt.Errorf("--read-size must be positive")
			}

			paths, err := expandPaths(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			defer app.Close(context.Background())
			observers, err := app.Observers(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			status := io.Discard
			if showIndicators {
				status = cmd.ErrOrStderr()
			}
			sink := relay.NewWriterSink(cmd.OutOrStdout(), status, false)
			opts := app.RelayOptions(observers)

			for _, path := range paths {
				if err := filterPath(ctx, path, cmd.InOrStdin(), sink, readSize, opts); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&readSize, "read-size", 0, "bytes read per chunk (default from config)")
	cmd.Flags().BoolVar(&showIndicators, "indicators", false, "print tool indicators to stderr")
	return cmd
}

func filterPath(ctx context.Context, path string, stdin io.Reader, sink relay.Sink, readSize int, opts []relay.Option) error {
	r := stdin
	if path != stdinArg {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	rl := relay.New(uuid.New().String(), sink, opts...)
	if err := rl.Run(ctx, source.NewReaderSource(r, readSize)); err != nil {
		return fmt.Errorf("filter %s: %w", path, err)
	}
	stats := rl.Stats()
	logrus.WithFields(logrus.Fields{
		"path":       path,
		"chunks":     stats.Chunks,
		"tool_calls": stats.ToolCalls,
	}).Debug("Filtered stream")
	return nil
}

// expandPaths resolves glob arguments to the files they match, in order.
// Plain paths are kept as given; no arguments means stdin.
func expandPaths(args []string) ([]string, error) {
	if len(args) == 0 {
		return []string{stdinArg}, nil
	}

	var paths []string
	for _, arg := range args {
		if arg == stdinArg || !hasMeta(arg) {
			paths = append(paths, arg)
			continue
		}
		if !doublestar.ValidatePathPattern(arg) {
			return nil, fmt.Errorf("invalid glob pattern %q", arg)
		}
		matches, err := doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", arg, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", arg)
		}
		paths = append(paths, matches...)
	}
	return paths, nil
}

func hasMeta(path string) bool {
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
