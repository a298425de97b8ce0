// Package consumer polls the queue and runs one pipeline job per message
// with bounded concurrency, lease renewal and a bounded shutdown drain.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-photo-ingest/internal/pipeline"
	"github.com/tendant/simple-photo-ingest/internal/process"
	"github.com/tendant/simple-photo-ingest/internal/queue"
	"github.com/tendant/simple-photo-ingest/pkg/schema"
)

// ErrDrainTimeout is returned by Run when jobs were still running after the
// drain timeout.
var ErrDrainTimeout = errors.New("drain timeout exceeded")

type Processor interface {
	Process(ctx context.Context, rec schema.StorageEventRecord) (*pipeline.Result, error)
}

// Recorder receives consumer events for metrics.
type Recorder interface {
	JobStarted()
	JobFinished(status string, d time.Duration)
	ImagePersisted(status schema.ImageStatus)
	PollError()
	HeartbeatFailed()
}

type nopRecorder struct{}

func (nopRecorder) JobStarted()                       {}
func (nopRecorder) JobFinished(string, time.Duration) {}
func (nopRecorder) ImagePersisted(schema.ImageStatus) {}
func (nopRecorder) PollError()                        {}
func (nopRecorder) HeartbeatFailed()                  {}

type Config struct {
	MaxConcurrent     int
	VisibilityTimeout time.Duration
	WaitTime          time.Duration
	DrainTimeout      time.Duration
	PollBackoffMin    time.Duration
	PollBackoffMax    time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 120 * time.Second
	}
	if c.WaitTime < 0 {
		c.WaitTime = 0
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.PollBackoffMin <= 0 {
		c.PollBackoffMin = time.Second
	}
	if c.PollBackoffMax < c.PollBackoffMin {
		c.PollBackoffMax = 30 * time.Second
	}
}

type Consumer struct {
	queue    queue.Queue
	proc     Processor
	cfg      Config
	logger   *slog.Logger
	recorder Recorder

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

type Option func(*Consumer)

func WithRecorder(r Recorder) Option {
	return func(c *Consumer) {
		if r != nil {
			c.recorder = r
		}
	}
}

func New(q queue.Queue, proc Processor, cfg Config, logger *slog.Logger, opts ...Option) *Consumer {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		queue:    q,
		proc:     proc,
		cfg:      cfg,
		logger:   logger,
		recorder: nopRecorder{},
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InFlight returns the number of messages being processed.
func (c *Consumer) InFlight() int { return int(c.inFlight.Load()) }

// Run polls until ctx is cancelled, then waits for in-flight jobs up to the
// drain timeout. Jobs are not cancelled by ctx.
func (c *Consumer) Run(ctx context.Context) error {
	jobCtx := context.WithoutCancel(ctx)
	backoff := c.newBackoff()

	c.logger.Info("consumer started",
		"max_concurrent", c.cfg.MaxConcurrent,
		"visibility_timeout", c.cfg.VisibilityTimeout,
		"wait_time", c.cfg.WaitTime)

	for {
		// Block here while at capacity instead of buffering messages.
		if err := c.sem.Acquire(ctx, 1); err != nil {
			break
		}
		slots := 1
		for slots < queue.MaxBatch && c.sem.TryAcquire(1) {
			slots++
		}

		msgs, err := c.queue.Receive(ctx, slots, c.cfg.WaitTime, c.cfg.VisibilityTimeout)
		if err != nil {
			c.sem.Release(int64(slots))
			if ctx.Err() != nil {
				break
			}
			c.recorder.PollError()
			delay, _ := backoff.Next()
			c.logger.Warn("queue receive failed", "err", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				break
			}
			continue
		}
		backoff = c.newBackoff()

		if unused := slots - len(msgs); unused > 0 {
			c.sem.Release(int64(unused))
		}
		for _, msg := range msgs {
			c.wg.Add(1)
			c.inFlight.Add(1)
			go c.handle(jobCtx, msg)
		}
	}

	return c.drain()
}

func (c *Consumer) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(c.cfg.PollBackoffMax, retry.NewExponential(c.cfg.PollBackoffMin))
}

func (c *Consumer) drain() error {
	c.logger.Info("consumer stopping", "in_flight", c.InFlight(), "drain_timeout", c.cfg.DrainTimeout)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		c.logger.Info("consumer drained")
		return nil
	case <-timer.C:
		c.logger.Warn("drain timeout exceeded, abandoning in-flight jobs", "in_flight", c.InFlight())
		return ErrDrainTimeout
	}
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) {
	defer c.wg.Done()
	defer c.inFlight.Add(-1)
	defer c.sem.Release(1)

	logger := c.logger.With("message_id", msg.ID, "receive_count", msg.ReceiveCount)
	job := process.NewJob(msg.ID, msg.ReceiveCount)
	process.MarkRunning(job, time.Now())
	c.recorder.JobStarted()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		c.heartbeat(hbCtx, msg.ReceiptHandle, logger)
	}()

	terminal, err := c.run(ctx, msg, job, logger)
	stopHeartbeat()
	hb.Wait()

	if err != nil {
		process.MarkFailed(job, err, terminal, time.Now())
	} else {
		process.MarkSucceeded(job, time.Now())
	}
	c.recorder.JobFinished(string(job.Status), job.Duration)

	if job.Done() {
		if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
			logger.Error("delete message failed", "err", err)
		}
	}

	switch job.Status {
	case process.JobStatusSucceeded:
		logger.Info("message processed", "records", job.Records, "skipped", job.Skipped, "duration", job.Duration)
	case process.JobStatusDropped:
		logger.Error("message dropped", "err", err, "duration", job.Duration)
	default:
		logger.Warn("message left for redelivery", "err", err, "duration", job.Duration)
	}
}

// run processes every record of msg in order. A retryable failure stops the
// job and keeps the message. Terminal failures are collected so the rest of
// the batch still gets processed.
func (c *Consumer) run(ctx context.Context, msg queue.Message, job *process.Job, logger *slog.Logger) (terminal bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			terminal, err = false, fmt.Errorf("panic: %v", r)
		}
	}()

	body, derr := queue.DecodeBody(msg.Body)
	if derr != nil {
		return true, derr
	}

	var terminalErrs []error
	for _, rec := range body.Records {
		if !rec.IsObjectCreated() {
			job.Skipped++
			continue
		}
		job.Records++
		res, perr := c.proc.Process(ctx, rec)
		if perr != nil {
			if !pipeline.IsTerminal(perr) {
				return false, fmt.Errorf("%s: %w", rec.S3.Object.Key, perr)
			}
			logger.Error("record failed permanently",
				"key", rec.S3.Object.Key, "stage", pipeline.StageOf(perr), "err", perr)
			terminalErrs = append(terminalErrs, fmt.Errorf("%s: %w", rec.S3.Object.Key, perr))
			continue
		}
		if res.Skipped {
			job.Skipped++
			continue
		}
		c.recorder.ImagePersisted(res.Status)
		logger.Info("image processed",
			"key", res.Key,
			"image_id", res.ImageID,
			"status", res.Status,
			"sharpness", res.Quality.Sharpness.Score,
			"exposure", res.Quality.Exposure.Status,
			"duplicate_of", res.Quality.DuplicateOf,
			"duration", res.Duration)
	}
	if len(terminalErrs) > 0 {
		return true, errors.Join(terminalErrs...)
	}
	return false, nil
}

// heartbeat extends the message lease every half visibility timeout until
// ctx is cancelled.
func (c *Consumer) heartbeat(ctx context.Context, receipt string, logger *slog.Logger) {
	interval := c.cfg.VisibilityTimeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.queue.ExtendVisibility(ctx, receipt, c.cfg.VisibilityTimeout); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.recorder.HeartbeatFailed()
				logger.Warn("extend visibility failed", "err", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
