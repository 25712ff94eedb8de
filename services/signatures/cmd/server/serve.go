package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/accordsai/openletter/pkg/mailer"
	"github.com/accordsai/openletter/services/signatures/internal/api"
	"github.com/accordsai/openletter/services/signatures/internal/config"
	"github.com/accordsai/openletter/services/signatures/internal/lifecycle"
	"github.com/accordsai/openletter/services/signatures/internal/metrics"
	"github.com/accordsai/openletter/services/signatures/internal/notify"
	"github.com/accordsai/openletter/services/signatures/internal/store"
	"github.com/accordsai/openletter/services/signatures/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the signature HTTP service",
		RunE:  serveRun,
	}
}

func serveRun(cmd *cobra.Command, _ []string) error {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return errors.New("no config found in context")
	}
	logger := commonRun()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		shutdownTracing, err := telemetry.SetupTracing(ctx, programName, version, cfg.TracingStdout)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				logger.Warn("tracing shutdown failed", "component", programName, "error", err)
			}
		}()
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.AutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := checkStore(ctx, st, cfg.StoreDriver, logger); err != nil {
		return err
	}

	sender, err := newSender(cfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	manager := lifecycle.New(lifecycle.Config{
		Store: st,
		Notifier: notify.New(notify.Config{
			WebsiteURL:    cfg.WebsiteURL,
			PetitionTitle: cfg.PetitionTitle,
			VerifyPath:    cfg.VerifyPath,
			RevokePath:    cfg.RevokePath,
		}, sender),
		Logger:  logger.With("component", "lifecycle"),
		Metrics: metrics.New(registry),
	})

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.FormatUint(uint64(cfg.Port), 10)),
		Handler:           api.NewRouter(api.NewSignatureHandler(manager, logger), registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "component", programName, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "component", programName, "timeout", cfg.ShutdownTimeout)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Backend, error) {
	st, err := store.Open(ctx, store.Config{
		Driver:          cfg.StoreDriver,
		DSN:             cfg.DatabaseURL,
		MaxConns:        cfg.DatabaseMaxConns,
		MaxConnLifetime: cfg.DatabaseConnTTL,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	return st, nil
}

// checkStore fails when the signature table cannot be read, e.g. when
// auto-migration is off and the schema was never applied.
func checkStore(ctx context.Context, st store.Backend, driver string, logger *slog.Logger) error {
	n, err := st.Count(ctx)
	if err != nil {
		return fmt.Errorf("%s store not ready: %w", driver, err)
	}
	logger.Info("store ready", "component", programName, "driver", driver, "signatures", n)
	return nil
}

func newSender(cfg *config.Config, logger *slog.Logger) (mailer.Sender, error) {
	switch cfg.MailDriver {
	case config.MailDriverLog:
		logger.Warn("mail driver is log, no email will be delivered", "component", programName)
		return mailer.NewLogSender(logger), nil
	case config.MailDriverSMTP:
		s, err := mailer.NewSMTPSender(mailer.SMTPConfig{
			URL:      cfg.SMTPURL,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			Timeout:  cfg.SMTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown mail driver %q", cfg.MailDriver)
	}
}
