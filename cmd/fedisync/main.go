package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	"github.com/fedisync/fedisync/ingest"
	"github.com/fedisync/fedisync/modsync"
	"github.com/fedisync/fedisync/store"
	"github.com/fedisync/fedisync/ticket"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting process", "error", err)
		os.Exit(-1)
	}
}

func run(args []string) error {
	app := cli.App{
		Name:    "fedisync",
		Usage:   "fediverse moderation report sync service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string (sqlite:// or postgres://)",
			Value:   "sqlite://./fedisync.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "address and port to listen on for HTTP APIs",
			Value:   ":8594",
			EnvVars: []string{"FEDISYNC_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "address and port for prometheus metrics",
			Value:   ":8595",
			EnvVars: []string{"FEDISYNC_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "webhook-secret",
			Usage:   "shared secret required on webhook deliveries; empty disables the check",
			EnvVars: []string{"FEDISYNC_WEBHOOK_SECRET"},
		},
		&cli.StringFlag{
			Name:    "callback-url",
			Usage:   "public URL of the OAuth callback endpoint",
			Value:   "http://localhost:8594/oauth/callback",
			EnvVars: []string{"FEDISYNC_CALLBACK_URL"},
		},
		&cli.StringFlag{
			Name:    "local-domain",
			Usage:   "domain identifying this deployment in notes pushed to remote reports; defaults to the callback URL host",
			EnvVars: []string{"FEDISYNC_LOCAL_DOMAIN"},
		},
		&cli.StringFlag{
			Name:    "fallback-email-domain",
			Usage:   "domain for synthesized reporter email addresses",
			Value:   "reports.local",
			EnvVars: []string{"FEDISYNC_FALLBACK_EMAIL_DOMAIN"},
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "how often to poll enabled instances for new reports; 0 disables polling",
			Value:   5 * time.Minute,
			EnvVars: []string{"FEDISYNC_POLL_INTERVAL"},
		},
		&cli.Float64Flag{
			Name:    "poll-rate-limit",
			Usage:   "max outbound report fetches per second during a poll sweep",
			Value:   2,
			EnvVars: []string{"FEDISYNC_POLL_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (debug, info, warn, error)",
			Value:   "info",
			EnvVars: []string{"FEDISYNC_LOG_LEVEL", "LOG_LEVEL"},
		},
	}

	app.Action = runService

	return app.Run(args)
}

func runService(cctx *cli.Context) error {
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	logger := configLogger(cctx, os.Stdout)
	slog.SetDefault(logger)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	db, err := store.SetupDatabase(cctx.String("database-url"), 40)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return err
	}

	cases, err := ticket.NewLocalStore(db)
	if err != nil {
		return err
	}

	instances := store.NewInstanceStore(db)
	reports := store.NewReportStore(db)
	audit := store.NewAuditLog(db)

	ingestor := ingest.NewIngestor(reports, audit, cases, cases.Identities(), ingest.Config{
		Logger:              logger.With("system", "ingest"),
		FallbackEmailDomain: cctx.String("fallback-email-domain"),
	})

	syncer := modsync.NewSyncer(instances, reports, audit, cases, modsync.Config{
		Logger: logger.With("system", "modsync"),
	})

	server := NewServer(instances, audit, cases, ingestor, syncer, ServerConfig{
		Logger:        logger.With("system", "server"),
		WebhookSecret: cctx.String("webhook-secret"),
		CallbackURL:   cctx.String("callback-url"),
		LocalDomain:   cctx.String("local-domain"),
	})

	svcErr := make(chan error, 1)

	go func() {
		logger.Info("starting HTTP server", "addr", cctx.String("bind"))
		if err := server.Start(cctx.String("bind")); err != nil {
			svcErr <- err
		}
	}()

	go func() {
		if err := server.RunMetrics(cctx.String("metrics-listen")); err != nil {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()

	if interval := cctx.Duration("poll-interval"); interval > 0 {
		poller := modsync.NewPoller(instances, ingestor, modsync.PollerConfig{
			Logger:            logger.With("system", "poller"),
			RequestsPerSecond: cctx.Float64("poll-rate-limit"),
		})
		go func() {
			logger.Info("starting report poller", "interval", interval)
			if err := poller.Run(ctx, interval); err != nil && ctx.Err() == nil {
				svcErr <- err
			}
		}()
	}

	logger.Info("startup complete", "version", versioninfo.Short())
	select {
	case <-signals:
		logger.Info("received shutdown signal")
	case err := <-svcErr:
		if err != nil {
			logger.Error("service error", "error", err)
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func configLogger(cctx *cli.Context, writer *os.File) *slog.Logger {
	var level slog.Level
	switch cctx.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
}
