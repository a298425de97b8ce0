// cmd/backfill/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tendant/simple-photo-ingest/internal/app"
	"github.com/tendant/simple-photo-ingest/internal/config"
)

type options struct {
	TenantID    string
	SiteID      string
	SessionID   string
	Limit       int
	DryRun      bool
	Direct      bool
	OnlyMissing bool
}

func main() {
	_ = godotenv.Load()

	opts := parseFlags()
	cfg, err := config.Load()
	if err != nil {
		fatal(slog.Default(), "load config", err)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	prefix, err := Prefix(opts.TenantID, opts.SiteID, opts.SessionID)
	if err != nil {
		fatal(logger, "build prefix", err)
	}
	logger.Info("backfill starting",
		"prefix", prefix,
		"limit", opts.Limit,
		"dry_run", opts.DryRun,
		"direct", opts.Direct,
		"only_missing", opts.OnlyMissing)

	if !opts.DryRun && !opts.Direct {
		if err := cfg.RequireQueue(); err != nil {
			fatal(logger, "queue mode needs a queue", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "build backfill", err)
	}
	defer a.Close()

	b := &Backfiller{
		Lister:      a.Lister,
		Objects:     a.Objects,
		Bucket:      cfg.Bucket,
		ThumbSize:   cfg.ThumbnailSizes[0],
		Limit:       opts.Limit,
		DryRun:      opts.DryRun,
		OnlyMissing: opts.OnlyMissing,
		Logger:      logger,
		Now:         time.Now,
	}
	if opts.Direct {
		b.Processor = a.Pipeline
	} else if a.Queue != nil {
		b.Sender = a.Queue
	}

	stats, err := b.Run(ctx, prefix)
	if err != nil {
		fatal(logger, "backfill failed", err)
	}
	logger.Info("backfill complete",
		"total_found", stats.Found,
		"skipped_thumbs", stats.SkippedThumbs,
		"skipped_has_thumbs", stats.SkippedHasThumbs,
		"enqueued", stats.Enqueued,
		"processed", stats.Processed,
		"failed", stats.Failed,
		"dry_run", opts.DryRun)

	if stats.Failed > 0 {
		logger.Error("some keys failed", "failed_keys", stats.FailedKeys)
		os.Exit(1)
	}
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.TenantID, "tenant-id", getenv("BACKFILL_TENANT_ID", ""), "Only keys under this tenant (empty = all tenants)")
	flag.StringVar(&opts.SiteID, "site-id", "", "Only keys under this site (needs -tenant-id)")
	flag.StringVar(&opts.SessionID, "session-id", "", "Only keys under this session (needs -site-id)")
	flag.IntVar(&opts.Limit, "limit", 0, "Maximum number of originals to handle (0 = unlimited)")
	flag.BoolVar(&opts.DryRun, "dry-run", true, "List what would be processed without enqueueing")
	flag.BoolVar(&opts.Direct, "direct", false, "Run the pipeline in-process instead of enqueueing messages")
	flag.BoolVar(&opts.OnlyMissing, "only-missing", true, "Skip originals whose thumbnails already exist")

	var execute bool
	flag.BoolVar(&execute, "execute", false, "Actually enqueue or process (disables dry-run)")
	flag.Parse()

	if execute {
		opts.DryRun = false
	}
	return opts
}

// Prefix builds the listing prefix for the given scope. Inner scopes need
// their outer ones.
func Prefix(tenantID, siteID, sessionID string) (string, error) {
	switch {
	case sessionID != "" && siteID == "":
		return "", fmt.Errorf("-session-id requires -site-id")
	case siteID != "" && tenantID == "":
		return "", fmt.Errorf("-site-id requires -tenant-id")
	}

	prefix := "org/"
	if tenantID != "" {
		prefix += tenantID + "/"
	}
	if siteID != "" {
		prefix += "site/" + siteID + "/"
	}
	if sessionID != "" {
		prefix += "session/" + sessionID + "/"
	}
	return prefix, nil
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}
