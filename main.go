package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/utilitywarehouse/index-sync/config"
	"github.com/utilitywarehouse/index-sync/indexer"
	"github.com/utilitywarehouse/index-sync/registry"
)

var (
	loggerLevel = new(slog.LevelVar)
	logger      *slog.Logger

	levelStrings = map[string]slog.Level{
		"trace": slog.Level(-8),
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}

	flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Sources: cli.EnvVars("INDEXER_CONFIG"),
			Usage:   "Absolute path to the optional config file, values in the file override env values.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Sources: cli.EnvVars("LOG_LEVEL"),
			Value:   "info",
			Usage:   "Log level",
		},
		&cli.DurationFlag{
			Name:    "interval",
			Sources: cli.EnvVars("INDEXER_INTERVAL"),
			Usage:   "Interval between sync runs, if not set sync runs only once.",
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Sources: cli.EnvVars("INDEXER_SYNC_TIMEOUT"),
			Value:   2 * time.Minute,
			Usage:   "Timeout of a single sync run.",
		},
		&cli.StringFlag{
			Name:    "http-bind-address",
			Sources: cli.EnvVars("INDEXER_HTTP_BIND_ADDRESS"),
			Value:   ":9001",
			Usage:   "Address the metrics and webhook server binds to when running with interval.",
		},
		&cli.StringFlag{
			Name:    "github-webhook-secret",
			Sources: cli.EnvVars("GITHUB_WEBHOOK_SECRET"),
			Usage:   "Secret of the github push webhook, webhook is disabled if not set.",
		},
		&cli.DurationFlag{
			Name:    "stale-work-dir-age",
			Sources: cli.EnvVars("INDEXER_STALE_WORK_DIR_AGE"),
			Value:   time.Hour,
			Usage:   "Temporary work dirs older than this are removed on start.",
		},
	}
)

func init() {
	loggerLevel.Set(slog.LevelInfo)
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: loggerLevel,
	}))
}

func main() {
	cmd := &cli.Command{
		Name:  "index-sync",
		Usage: "index-sync mirrors a package index repository and records the synchronized commit.",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			// set log level according to argument
			if v, ok := levelStrings[strings.ToLower(c.String("log-level"))]; ok {
				loggerLevel.Set(v)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			draft, err := config.Load(ctx, nil, c.String("config"))
			if err != nil {
				return err
			}
			conf, err := draft.Build()
			if err != nil {
				return err
			}

			if !conf.PersistCheckout {
				cleanupStaleWorkDirs(conf.WorkDir, c.Duration("stale-work-dir-age"))
			}

			store, err := newStore(ctx, conf.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			// path is needed to run git gc
			gitENV := []string{fmt.Sprintf("PATH=%s", os.Getenv("PATH"))}

			ix, repo, err := indexer.NewFromConfig(conf, store, gitENV, logger.With("logger", "indexer"))
			if err != nil {
				return err
			}
			defer repo.Close()

			interval := c.Duration("interval")
			if interval <= 0 {
				runCtx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
				defer cancel()
				_, err := ix.Sync(runCtx)
				return err
			}

			indexer.EnableMetrics("", prometheus.DefaultRegisterer)

			trigger := make(chan struct{}, 1)

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if secret := c.String("github-webhook-secret"); secret != "" {
				mux.Handle("/github-webhook", &GithubWebhookHandler{
					remote:  conf.GitURL,
					branch:  conf.Branch,
					secret:  secret,
					trigger: trigger,
					log:     logger.With("logger", "github-webhook"),
				})
			}

			server := &http.Server{
				Addr:              c.String("http-bind-address"),
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server terminated", "err", err)
				}
			}()

			runLoop(ctx, ix, interval, c.Duration("timeout"), trigger)

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logger.Error("failed to run app", "err", err)
		os.Exit(1)
	}
}

// syncer runs a single sync
type syncer interface {
	Sync(ctx context.Context) (*indexer.Outcome, error)
}

// runLoop runs sync every interval or when triggered until ctx is done.
// failed runs, including conflicts, are retried on the next tick.
func runLoop(ctx context.Context, s syncer, interval, timeout time.Duration, trigger <-chan struct{}) {
	logger.Info("started sync loop", "interval", interval)

	for {
		// to stop sync running indefinitely we will use time-out
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := s.Sync(runCtx)
		cancel()
		if err != nil && indexer.IsConflict(err) {
			logger.Info("registry state was updated by another run, will retry on next run")
		}

		t := time.NewTimer(interval)
		select {
		case <-t.C:
		case <-trigger:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// newStore returns registry store with configured backend
func newStore(ctx context.Context, conf config.Store) (*registry.Store, error) {
	log := logger.With("logger", "registry", "store", conf.Kind)

	switch conf.Kind {
	case config.StoreMemory:
		log.Warn("registry states are kept in memory and will be lost on exit")
		return registry.NewStore(registry.NewMemoryBackend(), log), nil
	case config.StoreSQLite:
		backend, err := registry.NewSQLiteBackend(ctx, conf.SQLitePath, conf.Table)
		if err != nil {
			return nil, err
		}
		return registry.NewStore(backend, log), nil
	case config.StoreGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to create gcs client %w: %w", registry.ErrStoreAccess, err)
		}
		return registry.NewStore(registry.NewGCSBackend(client, conf.GCSBucket, conf.GCSPrefix()), log), nil
	default:
		return nil, fmt.Errorf("%w: unknown store '%s'", config.ErrConfiguration, conf.Kind)
	}
}
