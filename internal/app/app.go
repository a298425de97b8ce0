// Package app builds the shared clients and the pipeline from a Config.
// The clients are created once per process and passed down explicitly.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tendant/simple-photo-ingest/internal/bus"
	"github.com/tendant/simple-photo-ingest/internal/config"
	"github.com/tendant/simple-photo-ingest/internal/dedup"
	"github.com/tendant/simple-photo-ingest/internal/img"
	"github.com/tendant/simple-photo-ingest/internal/metrics"
	"github.com/tendant/simple-photo-ingest/internal/objectstore"
	"github.com/tendant/simple-photo-ingest/internal/persist"
	"github.com/tendant/simple-photo-ingest/internal/pipeline"
	"github.com/tendant/simple-photo-ingest/internal/quality"
	"github.com/tendant/simple-photo-ingest/internal/queue"
	"github.com/tendant/simple-photo-ingest/internal/store"
)

// Records is what the pipeline needs from the record store.
type Records interface {
	persist.RecordStore
	dedup.Finder
}

type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Objects  objectstore.Store
	Lister   objectstore.Lister
	Queue    *queue.SQS
	Records  Records
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry

	closers []func()
}

// New wires every dependency. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	var awsCfg aws.Config
	if cfg.ObjectStore == config.ObjectStoreS3 || cfg.QueueURL != "" {
		var err error
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
	}

	if err := a.openObjectStore(awsCfg); err != nil {
		return nil, err
	}
	if cfg.QueueURL != "" {
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
		})
		a.Queue = queue.NewSQS(client, cfg.QueueURL)
	}
	if err := a.openRecords(ctx); err != nil {
		return nil, err
	}
	notifier, err := a.openNotifier()
	if err != nil {
		return nil, err
	}

	q, err := quality.NewEngine(cfg.Thresholds)
	if err != nil {
		return nil, fmt.Errorf("quality engine: %w", err)
	}
	a.Pipeline = pipeline.New(pipeline.Deps{
		Objects:     a.Objects,
		Thumbnailer: img.NewGenerator(a.Objects, cfg.ThumbnailSizes, img.WithQuality(cfg.ThumbnailQuality)),
		Quality:     q,
		Dedup:       dedup.NewEngine(a.Records, nil),
		Persister:   persist.New(a.Records, notifier, logger),
		Observer:    a.Metrics,
		Logger:      logger,
	})
	ready = true
	return a, nil
}

func (a *App) openObjectStore(awsCfg aws.Config) error {
	cfg := a.Config
	switch cfg.ObjectStore {
	case config.ObjectStoreFilesystem:
		fs, err := objectstore.NewFilesystemStore(cfg.ObjectStoreDir, cfg.MaxObjectBytes)
		if err != nil {
			return fmt.Errorf("filesystem object store: %w", err)
		}
		a.Objects, a.Lister = fs, fs
		a.Logger.Info("using filesystem object store", "dir", cfg.ObjectStoreDir)
	default:
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWSEndpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWSEndpoint)
			}
			o.UsePathStyle = cfg.S3PathStyle
		})
		s := objectstore.NewS3Store(client, cfg.Bucket, cfg.MaxObjectBytes)
		a.Objects, a.Lister = s, s
		a.Logger.Info("using s3 object store", "bucket", cfg.Bucket, "region", cfg.AWSRegion, "endpoint", cfg.AWSEndpoint)
	}
	return nil
}

func (a *App) openRecords(ctx context.Context) error {
	cfg := a.Config
	if cfg.DatabaseURL == "" {
		a.Logger.Warn("DATABASE_URL not set, using in-memory record store")
		a.Records = store.NewMemory()
		return nil
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, int32(cfg.DatabaseMaxConns))
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pg.Close)
	if cfg.DatabaseMigrate {
		if err := pg.Migrate(ctx, a.Logger); err != nil {
			return err
		}
	}
	a.Records = pg
	a.Logger.Info("connected to postgres", "max_conns", cfg.DatabaseMaxConns)
	return nil
}

func (a *App) openNotifier() (persist.Notifier, error) {
	cfg := a.Config
	switch cfg.NotifyBackend {
	case config.NotifyNATS:
		n, err := bus.ConnectNATS(cfg.NATSURL, cfg.NotifySubject)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := n.Close(); err != nil {
				a.Logger.Warn("drain nats", "err", err)
			}
		})
		a.Logger.Info("connected to NATS", "nats_url", cfg.NATSURL, "subject", cfg.NotifySubject)
		return n, nil
	case config.NotifyKafka:
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is empty")
		}
		n := bus.NewKafkaNotifier(bus.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic))
		a.closers = append(a.closers, func() {
			if err := n.Close(); err != nil {
				a.Logger.Warn("close kafka writer", "err", err)
			}
		})
		a.Logger.Info("kafka notifier ready", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
		return n, nil
	default:
		return nil, nil
	}
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
