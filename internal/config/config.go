// Package config reads the worker's environment. Every command loads a .env
// file first, then falls back to the defaults below.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-photo-ingest/internal/img"
	"github.com/tendant/simple-photo-ingest/internal/quality"
)

// ErrMissingQueueURL is fatal at worker startup.
var ErrMissingQueueURL = errors.New("QUEUE_URL is required")

const (
	ObjectStoreS3         = "s3"
	ObjectStoreFilesystem = "filesystem"

	NotifyNone  = "none"
	NotifyNATS  = "nats"
	NotifyKafka = "kafka"
)

type Config struct {
	QueueURL    string
	AWSRegion   string
	AWSEndpoint string
	S3PathStyle bool

	ObjectStore    string
	ObjectStoreDir string
	Bucket         string
	MaxObjectBytes int64

	MaxConcurrent     int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	DrainTimeout      time.Duration

	Thresholds       quality.Thresholds
	ThumbnailSizes   []int
	ThumbnailQuality int

	DatabaseURL      string
	DatabaseMigrate  bool
	DatabaseMaxConns int

	NotifyBackend string
	NATSURL       string
	NotifySubject string
	KafkaBrokers  []string
	KafkaTopic    string

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// Load reads the environment. It does not require QUEUE_URL; the worker
// checks that separately with RequireQueue.
func Load() (Config, error) {
	cfg := Config{
		QueueURL:        getenv("QUEUE_URL", ""),
		AWSRegion:       getenv("AWS_REGION", "us-east-1"),
		AWSEndpoint:     getenv("AWS_ENDPOINT_URL", ""),
		S3PathStyle:     getenvBool("AWS_S3_USE_PATH_STYLE", false),
		ObjectStore:     getenv("OBJECT_STORE", ObjectStoreS3),
		ObjectStoreDir:  getenv("OBJECT_STORE_DIR", "./data/objects"),
		Bucket:          getenv("S3_BUCKET", "vehicle-photos"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		DatabaseMigrate: getenvBool("DATABASE_MIGRATE", true),
		NotifyBackend:   strings.ToLower(getenv("NOTIFY_BACKEND", NotifyNone)),
		NATSURL:         getenv("NATS_URL", "nats://127.0.0.1:4222"),
		NotifySubject:   getenv("NOTIFY_SUBJECT", "images.processing"),
		KafkaBrokers:    splitList(getenv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:      getenv("KAFKA_TOPIC", "image-events"),
		MetricsAddr:     os.Getenv("METRICS_ADDR"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		LogFormat:       getenv("LOG_FORMAT", "text"),
	}
	if _, set := os.LookupEnv("METRICS_ADDR"); !set {
		cfg.MetricsAddr = ":9090"
	}

	switch cfg.ObjectStore {
	case ObjectStoreS3, ObjectStoreFilesystem:
	default:
		return Config{}, fmt.Errorf("invalid OBJECT_STORE %q (want s3 or filesystem)", cfg.ObjectStore)
	}
	switch cfg.NotifyBackend {
	case NotifyNone, NotifyNATS, NotifyKafka:
	default:
		return Config{}, fmt.Errorf("invalid NOTIFY_BACKEND %q (want none, nats or kafka)", cfg.NotifyBackend)
	}

	maxBytes, err := parsePositiveInt(getenv("MAX_OBJECT_BYTES", "52428800"), "MAX_OBJECT_BYTES")
	if err != nil {
		return Config{}, err
	}
	cfg.MaxObjectBytes = int64(maxBytes)

	if cfg.MaxConcurrent, err = parsePositiveInt(getenv("MAX_CONCURRENT", "4"), "MAX_CONCURRENT"); err != nil {
		return Config{}, err
	}
	if cfg.DatabaseMaxConns, err = parsePositiveInt(getenv("DATABASE_MAX_CONNS", strconv.Itoa(cfg.MaxConcurrent*2)), "DATABASE_MAX_CONNS"); err != nil {
		return Config{}, err
	}

	visibility, err := parsePositiveInt(getenv("VISIBILITY_TIMEOUT_SECONDS", "120"), "VISIBILITY_TIMEOUT_SECONDS")
	if err != nil {
		return Config{}, err
	}
	cfg.VisibilityTimeout = time.Duration(visibility) * time.Second

	wait, err := strconv.Atoi(getenv("WAIT_TIME_SECONDS", "20"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid WAIT_TIME_SECONDS: %w", err)
	}
	if wait < 0 || wait > 20 {
		return Config{}, fmt.Errorf("WAIT_TIME_SECONDS must be between 0 and 20 (got %d)", wait)
	}
	cfg.WaitTime = time.Duration(wait) * time.Second

	drain, err := parsePositiveInt(getenv("DRAIN_TIMEOUT_SECONDS", "30"), "DRAIN_TIMEOUT_SECONDS")
	if err != nil {
		return Config{}, err
	}
	cfg.DrainTimeout = time.Duration(drain) * time.Second

	if cfg.Thresholds, err = loadThresholds(); err != nil {
		return Config{}, err
	}

	if cfg.ThumbnailSizes, err = ParseSizes(getenv("THUMBNAIL_SIZES", "150,600,1200")); err != nil {
		return Config{}, fmt.Errorf("parse THUMBNAIL_SIZES: %w", err)
	}
	if cfg.ThumbnailQuality, err = parsePositiveInt(getenv("THUMBNAIL_QUALITY", strconv.Itoa(img.DefaultQuality)), "THUMBNAIL_QUALITY"); err != nil {
		return Config{}, err
	}
	if cfg.ThumbnailQuality > 100 {
		return Config{}, fmt.Errorf("THUMBNAIL_QUALITY must be at most 100 (got %d)", cfg.ThumbnailQuality)
	}

	return cfg, nil
}

// RequireQueue fails when no queue endpoint is configured.
func (c Config) RequireQueue() error {
	if c.QueueURL == "" {
		return ErrMissingQueueURL
	}
	return nil
}

func loadThresholds() (quality.Thresholds, error) {
	t := quality.DefaultThresholds()

	fail, err := parsePositiveInt(getenv("SHARPNESS_FAIL", strconv.Itoa(t.SharpnessFail)), "SHARPNESS_FAIL")
	if err != nil {
		return t, err
	}
	warn, err := parsePositiveInt(getenv("SHARPNESS_WARN", strconv.Itoa(t.SharpnessWarn)), "SHARPNESS_WARN")
	if err != nil {
		return t, err
	}
	clip, err := strconv.ParseFloat(getenv("EXPOSURE_CLIP_FRACTION", strconv.FormatFloat(t.ClipFraction, 'f', -1, 64)), 64)
	if err != nil {
		return t, fmt.Errorf("invalid EXPOSURE_CLIP_FRACTION: %w", err)
	}

	t.SharpnessFail, t.SharpnessWarn, t.ClipFraction = fail, warn, clip
	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// ParseSizes reads a comma separated list of square thumbnail edges,
// e.g. "150,600,1200". Duplicates are rejected.
func ParseSizes(value string) ([]int, error) {
	var sizes []int
	seen := map[int]bool{}
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		size, err := strconv.Atoi(part)
		if err != nil || size <= 0 {
			return nil, fmt.Errorf("invalid size '%s'", part)
		}
		if seen[size] {
			return nil, fmt.Errorf("duplicate size %d", size)
		}
		seen[size] = true
		sizes = append(sizes, size)
	}
	if len(sizes) == 0 {
		return nil, errors.New("no sizes configured")
	}
	return sizes, nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) NewLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(key string, defaultValue bool) bool {
	val := getenv(key, "")
	if val == "" {
		return defaultValue
	}
	return val == "true"
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
