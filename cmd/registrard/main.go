// Command registrard runs the component registry and upgrade
// governance service behind its HTTP control surface.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GoCodeAlone/registrar"
	"github.com/GoCodeAlone/registrar/server"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "registrard",
		Short:        "Versioned component registry with timelocked upgrade governance",
		SilenceUsage: true,
	}
	root.AddCommand(serveCommand(), tokenCommand())
	return root
}

func serveCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry and governance HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML or TOML config file")
	return cmd
}

func tokenCommand() *cobra.Command {
	var secret string

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token for the given principal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("REGISTRAR_JWT_SECRET")
			}
			token, err := server.SignToken([]byte(secret), args[0])
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "HMAC signing secret (defaults to REGISTRAR_JWT_SECRET)")
	return cmd
}

// zapLogger adapts a zap.SugaredLogger to the registrar.Logger
// interface.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Info(msg string, args ...any)  { l.s.Infow(msg, args...) }
func (l zapLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }
func (l zapLogger) Warn(msg string, args ...any)  { l.s.Warnw(msg, args...) }
func (l zapLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }

func serve(ctx context.Context, configPath string) error {
	cfg, err := registrar.LoadConfig(configPath)
	if err != nil {
		return err
	}

	zl, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer zl.Sync() //nolint:errcheck // stderr sync failure on shutdown is benign
	logger := zapLogger{s: zl.Sugar()}

	var store registrar.Store = registrar.NewMemoryStore()
	if cfg.StoreDSN != "" {
		sqliteStore, err := registrar.NewSQLiteStore(cfg.StoreDSN)
		if err != nil {
			return err
		}
		store = sqliteStore
	}
	defer store.Close() //nolint:errcheck

	registry, err := registrar.NewRegistry(cfg.Owner,
		registrar.WithRegistryLogger(logger),
		registrar.WithRegistryStore(store))
	if err != nil {
		return err
	}

	governance, err := registrar.NewGovernance(cfg.Owner, registry, cfg.Governance,
		registrar.WithGovernanceLogger(logger),
		registrar.WithGovernanceStore(store))
	if err != nil {
		return err
	}

	// Funnel all implementation changes through governance. Re-granting
	// on every boot is an idempotent no-op.
	if err := registry.AuthorizeUpgrader(ctx, governance.Identity(), cfg.Owner); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		watcher, err := registrar.NewConfigWatcher(configPath, cfg.Owner, governance, logger)
		if err != nil {
			return err
		}
		go watcher.Run(ctx)
		defer watcher.Close() //nolint:errcheck
	}

	if cfg.SnapshotSchedule != "" {
		scheduler := cron.New()
		_, err := scheduler.AddFunc(cfg.SnapshotSchedule, func() {
			if err := exportState(registry, governance, cfg.SnapshotPath); err != nil {
				logger.Error("State export failed", "path", cfg.SnapshotPath, "error", err)
			} else {
				logger.Debug("State exported", "path", cfg.SnapshotPath)
			}
		})
		if err != nil {
			return fmt.Errorf("scheduling state export: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.New(registry, governance, []byte(cfg.JWTSecret), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
	}
	return nil
}

// exportState writes a JSON snapshot of registry and governance state
// for offline backup and inspection.
func exportState(registry *registrar.Registry, governance *registrar.Governance, path string) error {
	state := registrar.State{
		Upgraders:        registry.Upgraders(),
		Proposals:        governance.ListProposals(),
		Proposers:        governance.Proposers(),
		Approvers:        governance.Approvers(),
		TimelockDuration: governance.TimelockDuration(),
	}
	for _, name := range registry.List() {
		rec, err := registry.Query(name)
		if err != nil {
			return err
		}
		state.Components = append(state.Components, rec)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing state export: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state export: %w", err)
	}
	return nil
}
