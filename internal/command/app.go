package command

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/toolfence/internal/audit"
	"github.com/tingly-dev/toolfence/internal/config"
	"github.com/tingly-dev/toolfence/internal/match"
	"github.com/tingly-dev/toolfence/internal/notify"
	"github.com/tingly-dev/toolfence/internal/obs"
	"github.com/tingly-dev/toolfence/internal/relay"
	"github.com/tingly-dev/toolfence/internal/token"
)

// App holds the state shared by every subcommand: the loaded config and the
// observers built from it.
type App struct {
	// ConfigPath is the --config flag; empty means config.DefaultPath().
	ConfigPath string
	// Verbose forces trace logging regardless of the configured level.
	Verbose bool
	Version string

	cfg       *config.Config
	logCloser io.Closer
	meter     *obs.Meter
	audit     *audit.Store
}

// NewApp creates an App reporting version.
func NewApp(version string) *App {
	return &App{Version: version}
}

// Config loads the config file once and sets up logging from it.
func (a *App) Config() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.ConfigPath)
	if err != nil {
		return nil, err
	}

	closer, err := obs.SetupLogging(cfg.LogConfig(), nil)
	if err != nil {
		return nil, err
	}
	if a.Verbose {
		logrus.SetLevel(logrus.TraceLevel)
	}
	logrus.Debugf("Using config file %s", cfg.ConfigFile)

	a.cfg = cfg
	a.logCloser = closer
	return cfg, nil
}

// Observers builds the metrics, audit and notification observers enabled in
// the config. stdout receives the stdout metrics exporter output.
func (a *App) Observers(ctx context.Context, stdout io.Writer) ([]relay.Observer, error) {
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}

	var observers []relay.Observer

	if a.meter == nil {
		meter, err := obs.NewMeter(ctx, cfg.Metrics, cfg.MetricsInterval(), stdout)
		if err != nil {
			return nil, fmt.Errorf("failed to set up metrics: %w", err)
		}
		a.meter = meter
	}
	observers = append(observers, a.meter)

	if store, err := a.AuditStore(); err != nil {
		return nil, err
	} else if store != nil {
		observers = append(observers, store)
	}

	if cfg.Notify.Enabled {
		matcher, err := match.New(cfg.Notify.Match)
		if err != nil {
			return nil, &config.ConfigError{Field: "notify.match", Message: err.Error()}
		}
		observers = append(observers, notify.New(matcher))
	}
	return observers, nil
}

// AuditStore opens the audit store, or returns nil when auditing is disabled.
func (a *App) AuditStore() (*audit.Store, error) {
	if a.audit != nil {
		return a.audit, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, err
	}
	if !cfg.Audit.Enabled {
		return nil, nil
	}

	matcher, err := match.New(cfg.Audit.Match)
	if err != nil {
		return nil, &config.ConfigError{Field: "audit.match", Message: err.Error()}
	}
	store, err := audit.NewStore(cfg.Audit.Dir, matcher)
	if err != nil {
		return nil, err
	}
	logrus.Debugf("Audit store at %s (%s)", store.Path(), matcher)
	a.audit = store
	return store, nil
}

// RelayOptions returns the relay options for a stream: the given observers
// and, when available, a token counter for suppressed text.
func (a *App) RelayOptions(observers []relay.Observer) []relay.Option {
	opts := []relay.Option{relay.WithObservers(observers...)}
	counter, err := token.NewCounter()
	if err != nil {
		logrus.WithError(err).Warn("Token counter unavailable, suppressed tokens will not be counted")
		return opts
	}
	return append(opts, relay.WithTokenCounter(counter))
}

// Close flushes metrics and releases the audit store and log file.
func (a *App) Close(ctx context.Context) {
	if a.meter != nil {
		if err := a.meter.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("Failed to flush metrics")
		}
		a.meter = nil
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close audit store")
		}
		a.audit = nil
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}
