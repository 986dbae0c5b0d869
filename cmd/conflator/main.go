package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"gtfs-conflator/internal/conflate"
	"gtfs-conflator/internal/config"
	"gtfs-conflator/internal/db"
	"gtfs-conflator/internal/metrics"
	"gtfs-conflator/internal/pipeline"
	"gtfs-conflator/internal/publisher"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("config error: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	} else {
		logrus.Warnf("invalid LOG_LEVEL %q, using info", cfg.LogLevel)
	}
	params, err := config.LoadParams(cfg.ParamsFile)
	if err != nil {
		logrus.Fatalf("params error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dsn, err := db.ResolveCityDSN(ctx, cfg.DatabaseURL, cfg.City)
	if err != nil {
		logrus.Fatalf("resolve database for city %q: %v", cfg.City, err)
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		logrus.Fatalf("db open error: %v", err)
	}
	defer sqlDB.Close()
	if err := db.Ping(ctx, sqlDB); err != nil {
		logrus.Fatalf("db ping error (%s): %v", db.Redact(dsn), err)
	}

	matches := db.NewMatchTable(sqlDB)
	if err := matches.EnsureSchema(ctx); err != nil {
		logrus.Fatalf("match table: %v", err)
	}
	if cfg.MatchesFile != "" {
		if err := importMatches(ctx, matches, cfg.MatchesFile); err != nil {
			logrus.Fatalf("import matches: %v", err)
		}
	}

	opts := conflate.DefaultOptions()
	opts.BatchSize = cfg.MatchBatchSize
	opts.Params = params.Conflate()

	var (
		mcol *metrics.Collector
		mm   pipeline.Metrics
	)
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.Workers, cfg.MatchBatchSize)
		opts.Observer, mm = mcol, mcol
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var sinks []pipeline.Sink
	if cfg.PersistResults {
		store := db.NewStore(sqlDB)
		if err := store.EnsureSchema(ctx); err != nil {
			logrus.Fatalf("result tables: %v", err)
		}
		sinks = append(sinks, store)
	}
	if cfg.PublishResults {
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			logrus.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
	}

	jobs, err := db.NewGTFS(sqlDB).LoadJobs(ctx, cfg.ShapeIDs)
	if err != nil {
		logrus.Fatalf("load shapes: %v", err)
	}
	if len(jobs) == 0 {
		logrus.Warn("no shapes to conflate")
		return
	}
	logrus.Infof("conflating %d shapes with %d workers", len(jobs), cfg.Workers)

	mgr := pipeline.NewManager(matches, opts, cfg.Workers, mm, sinks...)
	start := time.Now()
	runErr := mgr.Run(ctx, jobs)

	sum := mgr.Summary()
	logrus.WithFields(logrus.Fields{
		"shapes":   sum.Shapes,
		"failed":   sum.Failed,
		"partial":  sum.Partial,
		"coverage": sum.Coverage,
		"elapsed":  time.Since(start).Round(time.Millisecond),
	}).Info("conflation finished")
	for _, f := range mgr.Failures() {
		logrus.WithFields(logrus.Fields{"shape": f.ShapeID, "stage": f.Stage}).Warn(f.Err)
	}
	if runErr != nil {
		logrus.Warnf("run interrupted: %v", runErr)
	}
	if sum.Shapes == 0 {
		os.Exit(1)
	}
}

// importMatches loads provider output into the match table. Matches already
// stored for the same feature, reference and section are skipped.
func importMatches(ctx context.Context, t *db.MatchTable, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	ms, err := db.DecodeMatches(data)
	if err != nil {
		return err
	}
	n, err := t.InsertMatches(ctx, ms)
	if err != nil {
		return err
	}
	logrus.Infof("imported %d of %d matches from %s", n, len(ms), path)
	return nil
}

// wrapPublisherMetrics keeps a nil collector out of the publisher interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return c
}
