package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-go/voicegw/pkg/gateway/audit"
	"github.com/vango-go/voicegw/pkg/gateway/config"
	"github.com/vango-go/voicegw/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/voicegw/pkg/gateway/server"
)

type gatewayDeps struct {
	loadConfig    func() (config.Config, error)
	openAuditSink func(context.Context, audit.SinkConfig) (audit.Sink, error)
	newGateway    func(config.Config, *slog.Logger, gatewayserver.Dependencies) (*gatewayserver.Server, error)
	signalNotify  func(chan<- os.Signal, ...os.Signal)
	signalStop    func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig:    config.LoadFromEnv,
		openAuditSink: audit.OpenSink,
		newGateway:    gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newServeCmd(root *rootOptions, deps gatewayDeps, stderr io.Writer) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := root.logger(cmd, stderr)
			if err != nil {
				return err
			}
			return runGateway(cmd.Context(), logger, deps, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides VOICEGW_ADDR)")
	return cmd
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps, addr string) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.newGateway == nil {
		return errors.New("missing newGateway dependency")
	}
	if deps.openAuditSink == nil {
		return errors.New("missing openAuditSink dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(addr) != "" {
		cfg.Addr = addr
	}

	pool, err := gatewayserver.NewCredentialPool(cfg, logger)
	if err != nil {
		return fmt.Errorf("credential pool: %w", err)
	}
	m := metrics.New("voicegw", pool.Available)

	sink, err := deps.openAuditSink(ctx, audit.SinkConfig{
		Kind:        cfg.AuditSink,
		BadgerDir:   cfg.AuditBadgerDir,
		RedisURL:    cfg.AuditRedisURL,
		RedisStream: cfg.AuditRedisStream,
		RedisMaxLen: cfg.AuditRedisMaxLen,
		PostgresDSN: cfg.AuditPostgresDSN,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("open audit sink: %w", err)
	}
	recorder := audit.NewRecorder(sink, audit.RecorderConfig{
		QueueSize: cfg.AuditQueueSize,
		Logger:    logger,
		Metrics:   m,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := recorder.Close(closeCtx); err != nil {
			logger.Warn("audit recorder close", "err", err)
		}
	}()

	gw, err := deps.newGateway(cfg, logger, gatewayserver.Dependencies{
		Credentials: pool,
		Metrics:     m,
		Audit:       recorder,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"credentials", pool.Len(),
		"model", cfg.BackendModel,
		"audit_sink", cfg.AuditSink,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		_ = httpSrv.Close()
		gw.CancelLiveSessions()
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	gw.SetDraining()
	warned := gw.WarnLiveSessionsDraining()
	logger.Info("draining live sessions", "sessions", warned)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !gw.WaitLiveSessions(waitCtx) {
		canceled := gw.CancelLiveSessions()
		logger.Warn("grace period elapsed; closing live sessions", "sessions", canceled)
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer finalCancel()
		gw.WaitLiveSessions(finalCtx)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}
