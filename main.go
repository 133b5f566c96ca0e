// kartgate bridges vendor karting timing feeds to downstream websocket
// subscribers: it collects each circuit's upstream feed, decodes it,
// learns the circuit's column layout, and fans live driver state out.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kartgate/collector"
	"kartgate/config"
	"kartgate/decode"
	"kartgate/fanout"
	"kartgate/server"
	"kartgate/session"
	"kartgate/store"
)

var version = "dev"

const shutdownWait = 10 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "kartgate",
		Short:         "Karting timing gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./kartgate.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the gateway daemon",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "kartgate", version)
		},
	})
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func serve(cfg config.Config) error {
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sessions := session.NewRegistry(log)
	fan := fanout.NewManager(log)
	collectors := collector.NewManager(
		decode.New(log), sessions, fan, st, nil,
		collector.Config{
			HeartbeatInterval: cfg.HeartbeatInterval,
			BackoffInitial:    cfg.BackoffInitial,
			BackoffMax:        cfg.BackoffMax,
			MaxAttempts:       cfg.MaxReconnectAttempts,
		}, log)

	srv := server.New(ctx, st, sessions, collectors, fan, log)
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	// Upstream first, downstream second: collectors stop feeding before
	// the subscribers are closed, so nothing broadcasts into a closing
	// registry.
	collectors.StopAll()
	fan.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info("stopped")
	return nil
}
