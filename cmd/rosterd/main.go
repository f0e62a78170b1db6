// SPDX-License-Identifier: AGPL-3.0-only

// Command rosterd runs the roster reconciliation service. Depending on the
// selected role it serves the HTTP ingestion endpoints (reconciler side),
// consumes the Kafka event stream (bridge side), or both.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ctopuviyan/OrgOnboarder/pkg/bridge"
	"github.com/ctopuviyan/OrgOnboarder/pkg/config"
	"github.com/ctopuviyan/OrgOnboarder/pkg/docstore"
	"github.com/ctopuviyan/OrgOnboarder/pkg/epoch"
	"github.com/ctopuviyan/OrgOnboarder/pkg/reconciler"
	"github.com/ctopuviyan/OrgOnboarder/pkg/server"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	var (
		role     = kingpin.Flag("role", "Which components to run.").Default("all").Enum("server", "bridge", "all")
		logLevel = kingpin.Flag("log.level", "Minimum log level.").Default("info").Enum("debug", "info", "warn", "error")
	)
	kingpin.Version(version)
	kingpin.Parse()

	logger := newLogger(*logLevel)

	if err := run(*role, logger); err != nil {
		level.Error(logger).Log("msg", "service failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(logLevel string) log.Logger {
	var opt level.Option
	switch logLevel {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, opt)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

func run(role string, logger log.Logger) error {
	serverEnabled := role == "server" || role == "all"
	bridgeEnabled := role == "bridge" || role == "all"

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := cfg.Validate(serverEnabled, bridgeEnabled); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	var (
		rec *reconciler.Reconciler
		srv *server.Server
	)
	if serverEnabled {
		store, closeStore, err := newStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		rec = reconciler.New(cfg.Reconciler, store, logger, reg)
		epochs := epoch.NewManager(store, logger, reg)
		srv = server.New(server.Config{
			Port:    cfg.Port,
			Token:   cfg.IngestionToken,
			Version: version,
		}, epochs, rec, logger, reg)
	}

	var br *bridge.Bridge
	if bridgeEnabled {
		br, err = bridge.New(cfg.Kafka, cfg.Batcher, cfg.Sender, logger, reg)
		if err != nil {
			return err
		}
		if err := services.StartAndAwaitRunning(ctx, br.Batcher); err != nil {
			return errors.Wrap(err, "starting batcher")
		}
		if err := services.StartAndAwaitRunning(ctx, br.Consumer); err != nil {
			return errors.Wrap(err, "starting consumer")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	level.Info(logger).Log("msg", "service up", "version", version, "role", role)
	runErr := g.Wait()

	// Ordered shutdown: the HTTP listener is already draining once the run
	// group returns. Stop the consumer so no new records arrive, then the
	// batcher, whose stop flushes every pending batch through the normal
	// send path.
	if br != nil {
		if err := services.StopAndAwaitTerminated(context.Background(), br.Consumer); err != nil {
			level.Warn(logger).Log("msg", "stopping consumer", "err", err)
		}
		if err := services.StopAndAwaitTerminated(context.Background(), br.Batcher); err != nil {
			level.Warn(logger).Log("msg", "stopping batcher", "err", err)
		}
	}
	if rec != nil {
		rec.Shutdown()
	}

	level.Info(logger).Log("msg", "service stopped")
	return runErr
}

func newStore(ctx context.Context, cfg config.Config) (docstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return docstore.NewMemStore(), func() {}, nil
	case config.StoreFirestore:
		fs, err := docstore.NewFirestoreStore(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() { _ = fs.Close() }, nil
	}
	return nil, nil, errors.Errorf("unknown store backend %q", cfg.StoreBackend)
}
