// Package daemon assembles and runs the quill components: session store,
// connector registry, scheduler, vault and the gateway server.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/quillhq/quill/internal/config"
	"github.com/quillhq/quill/pkg/connector"
	"github.com/quillhq/quill/pkg/gateway"
	"github.com/quillhq/quill/pkg/scheduler"
	"github.com/quillhq/quill/pkg/session"
	"github.com/quillhq/quill/pkg/token"
	"github.com/quillhq/quill/pkg/vault"
)

// Daemon is the long-running quill process.
type Daemon struct {
	config *config.Config
	logger zerolog.Logger

	sessions    *session.Store
	connectors  *connector.Registry
	tokens      *token.Manager
	ledger      *token.Ledger
	vault       *vault.Vault
	scheduler   *scheduler.Scheduler
	taskWatcher *scheduler.Watcher
	gateway     *gateway.Server
}

// taskRunner adapts the session store to the scheduler: every task runs
// through the same session primitives as interactive chat, under its own
// session key.
type taskRunner struct {
	sessions *session.Store
}

func (r *taskRunner) RunPrompt(ctx context.Context, taskID, prompt string, timeout time.Duration) (string, error) {
	reply, err := r.sessions.SendOrRecover(ctx, session.Key("task", taskID), prompt, timeout)
	if err != nil {
		return "", err
	}
	return reply.Response, nil
}

// New wires all components from the config. Nothing is started yet.
func New(cfg *config.Config, logger zerolog.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	backend, err := session.NewProcessBackend(cfg.Backend.Command, cfg.Backend.Args...)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewStore(backend, logger.With().Str("component", "session").Logger())
	if err != nil {
		return nil, err
	}

	revoked, err := token.NewRevocationStore(filepath.Join(cfg.DataDir, "revoked.json"))
	if err != nil {
		return nil, err
	}
	tokens, err := token.NewManager(
		cfg.Gateway.TokenSecret,
		time.Duration(cfg.Gateway.TokenTTLDays)*24*time.Hour,
		revoked,
	)
	if err != nil {
		return nil, err
	}
	ledger, err := token.NewLedger(filepath.Join(cfg.DataDir, "tokens.json"))
	if err != nil {
		return nil, err
	}

	v, err := vault.New(cfg.VaultPath, logger)
	if err != nil {
		return nil, err
	}

	connectors := connector.NewRegistry(
		time.Duration(cfg.Connector.SweepSeconds)*time.Second,
		logger.With().Str("component", "connector").Logger(),
	)

	history, err := scheduler.NewHistory(cfg.Scheduler.HistoryFile)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(scheduler.Options{
		Runner:       &taskRunner{sessions: sessions},
		Source:       v,
		History:      history,
		TickInterval: time.Duration(cfg.Scheduler.TickSeconds) * time.Second,
		Logger:       logger.With().Str("component", "scheduler").Logger(),
	})
	if err != nil {
		return nil, err
	}
	if err := sched.RegisterBuiltin(v.SyncTask(cfg.Scheduler.VaultSyncCron)); err != nil {
		return nil, err
	}

	tasksDir, err := v.TasksDir()
	if err != nil {
		return nil, err
	}
	watcher, err := scheduler.NewWatcher(tasksDir, sched, logger.With().Str("component", "scheduler").Logger())
	if err != nil {
		return nil, err
	}

	gw, err := gateway.NewServer(gateway.Config{
		Host:          cfg.Gateway.Host,
		Port:          cfg.Gateway.Port,
		Tokens:        tokens,
		Ledger:        ledger,
		Chat:          sessions,
		Connectors:    connectors,
		Vault:         v,
		IssuePassword: cfg.Gateway.IssuePassword,
		IssueLimiter:  token.NewIssueLimiter(10, 15*time.Minute),
		ChatTimeout:   time.Duration(cfg.Gateway.ChatTimeout) * time.Second,
		OnVaultChanged: func(path string) {
			if err := sched.ReloadTasks(); err != nil {
				logger.Error().Err(err).Str("path", path).Msg("Failed to reload tasks after vault change")
			}
		},
		Logger: logger.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return nil, err
	}

	return &Daemon{
		config:      cfg,
		logger:      logger,
		sessions:    sessions,
		connectors:  connectors,
		tokens:      tokens,
		ledger:      ledger,
		vault:       v,
		scheduler:   sched,
		taskWatcher: watcher,
		gateway:     gw,
	}, nil
}

// Tokens exposes the token manager, for the CLI's local mint path.
func (d *Daemon) Tokens() *token.Manager {
	return d.tokens
}

// Start brings up all components.
func (d *Daemon) Start() error {
	d.logger.Info().Msg("Starting quill daemon")

	if err := d.scheduler.ReloadTasks(); err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}
	if err := d.taskWatcher.Start(); err != nil {
		return fmt.Errorf("failed to start task watcher: %w", err)
	}
	d.scheduler.Start()
	d.connectors.StartSweeper()

	if err := d.gateway.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	d.logger.Info().
		Str("host", d.config.Gateway.Host).
		Int("port", d.config.Gateway.Port).
		Msg("Quill daemon started")

	return nil
}

// Stop tears everything down in reverse order.
func (d *Daemon) Stop() {
	d.logger.Info().Msg("Stopping quill daemon")

	if err := d.gateway.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop gateway")
	}
	d.connectors.Stop()
	d.scheduler.Stop()
	if err := d.taskWatcher.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop task watcher")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	d.sessions.DestroyAll(ctx)

	d.logger.Info().Msg("Quill daemon stopped")
}

// Run starts the daemon and blocks until the context is cancelled or a
// termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}
	defer d.Stop()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-ctx.Done():
	case sig := <-sigs:
		d.logger.Info().Str("signal", sig.String()).Msg("Received termination signal")
	}
	return nil
}
