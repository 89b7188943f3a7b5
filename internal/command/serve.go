package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tingly-dev/toolfence/internal/config"
	"github.com/tingly-dev/toolfence/internal/obs"
	"github.com/tingly-dev/toolfence/internal/server"
	"github.com/tingly-dev/toolfence/internal/token"
)

const shutdownTimeout = 10 * time.Second

// ServeCommand runs the HTTP filter server.
func ServeCommand(app *App) *cobra.Command {
	var (
		host        string
		port        int
		openBrowser bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the toolfence HTTP server",
		Long: `Serve exposes the filter over HTTP: one-shot filtering of request bodies and
OpenAI event streams, long-lived chunk-by-chunk streams, and a chat endpoint
that relays the configured provider. The config file is watched and the log
level follows it without a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.Config()
			if err != nil {
				return err
			}
			cfg.SetServerAddr(host, port)

			ctx := cmd.Context()
			defer app.Close(context.Background())
			observers, err := app.Observers(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			opts := []server.ServerOption{
				server.WithVersion(app.Version),
				server.WithObservers(observers...),
				server.WithOpenBrowser(openBrowser),
			}
			if counter, err := token.NewCounter(); err == nil {
				opts = append(opts, server.WithTokenCounter(counter))
			} else {
				logrus.WithError(err).Warn("Token counter unavailable")
			}
			store, err := app.AuditStore()
			if err != nil {
				return err
			}
			if store != nil {
				// The store is already among the observers; only expose its API.
				opts = append(opts, server.WithAuditAPI(store))
			}

			watcher, err := config.NewWatcher(cfg)
			if err != nil {
				return err
			}
			watcher.AddCallback(func(c *config.Config) {
				obs.ApplyLevel(c.LogConfig().Level)
			})
			if err := watcher.Start(); err != nil {
				logrus.WithError(err).Warn("Config file will not be watched")
			}
			defer watcher.Stop()

			return runServer(server.NewServer(cfg, opts...))
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, fmt.Sprintf("listen port (default from config, %d)", config.DefaultPort))
	cmd.Flags().BoolVar(&openBrowser, "open", false, "open the status page in a browser once listening")
	return cmd
}

func runServer(srv *server.Server) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	select {
	case err := <-serverErr:
		srv.Manager().Stop()
		if err != nil {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
		return nil
	case <-sigChan:
		fmt.Println("\nReceived shutdown signal, stopping server...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(ctx)
	}
}
