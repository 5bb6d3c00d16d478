package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/config"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/extract"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/metrics"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/sink"
	"github.com/arod-collectiv/Databricks-Hubspot-Accelerator/internal/watermark"
)

// app bundles the resolved configuration every subcommand starts from.
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *extract.Registry
	metrics  *metrics.Metrics
}

// setup loads the environment configuration, applies flag overrides and
// resolves the entity registry. Secrets stay untouched until a run needs
// them.
func (o *Options) setup() (*app, error) {
	cfg := config.Load()
	if o.Workers > 0 {
		cfg.Workers = o.Workers
	}
	if o.MetricsAddr != "" {
		cfg.MetricsAddr = o.MetricsAddr
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.LogFormat = o.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := loadRegistry(o.RegistryPath)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		log:      config.NewLogger(cfg.LogLevel, cfg.LogFormat),
		registry: registry,
		metrics:  metrics.New("hubspot_bronze"),
	}, nil
}

func loadRegistry(path string) (*extract.Registry, error) {
	if path == "" {
		return extract.DefaultRegistry(), nil
	}
	return extract.LoadRegistry(path)
}

// openWatermarkStore picks the checkpoint backend from configuration.
func openWatermarkStore(cfg *config.Config) (watermark.Store, error) {
	switch cfg.WatermarkStore {
	case "sqlite":
		return watermark.NewSQLiteStore(cfg.WatermarkPath)
	case "postgres":
		return watermark.NewPostgresStore(cfg.WatermarkDSN)
	case "memory":
		return watermark.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown watermark store %q", cfg.WatermarkStore)
	}
}

// openSink builds the bronze sink over the configured object store.
func openSink(ctx context.Context, cfg *config.Config, log *logrus.Logger, m *metrics.Metrics) (sink.Sink, error) {
	var store sink.ObjectStore
	switch cfg.SinkStore {
	case "local":
		store = sink.NewLocalStore(cfg.SinkRoot)
	case "s3":
		s3, err := sink.NewS3Store(sink.S3Config{
			EndpointURL:     cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Region:          cfg.S3Region,
			UseSSL:          cfg.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		store = s3
	default:
		return nil, fmt.Errorf("unknown sink store %q", cfg.SinkStore)
	}
	return sink.NewBronze(ctx, sink.BronzeConfig{
		Store:       store,
		Bucket:      cfg.SinkBucket,
		Prefix:      cfg.SinkPrefix,
		Format:      sink.Format(cfg.SinkFormat),
		MaxPartRows: cfg.MaxPartRows,
		Logger:      log,
		Metrics:     m,
	})
}

// serveMetrics exposes the Prometheus handler for the duration of the run.
// The returned stop function closes the listener.
func serveMetrics(addr string, m *metrics.Metrics, log *logrus.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		log.WithField("addr", addr).Info("serving metrics")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("metrics listener stopped")
		}
	}()
	return func() { _ = srv.Close() }
}
