package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/media"
	"github.com/gwlsn/stepdown/internal/metrics"
)

// DefaultPollInterval is how long an idle dispatcher sleeps between wakes.
const DefaultPollInterval = 60 * time.Second

// Prober resolves the primary video stream of a file.
type Prober interface {
	StreamInfo(ctx context.Context, path string) (*media.StreamInfo, error)
}

// Processor converts a single resolved file.
type Processor interface {
	// CleanName returns the canonical output name for item. It also names
	// the job log and the ffmpeg attempt logs.
	CleanName(ctx context.Context, item media.Item) string

	// Process converts item and moves the result into the archive.
	Process(ctx context.Context, item media.Item, cleanName string) error
}

// Notifier delivers failure reports.
type Notifier interface {
	Notify(ctx context.Context, subject, body string, attachments []string) error
}

// DispatcherOptions wires a Dispatcher. Backlog, Wake and Notifier are
// optional.
type DispatcherOptions struct {
	Store     Store
	Policy    Policy
	Backlog   *Backlog
	Wake      <-chan struct{}
	Prober    Prober
	Processor Processor
	Notifier  Notifier

	PollInterval time.Duration
	LogDir       string // per-job logs
	FFmpegLogDir string // per-attempt ffmpeg logs, searched for attachments
}

// Dispatcher drains the job queue one job at a time. There is exactly one
// encode in flight per dispatcher; the GPU is the bottleneck.
type Dispatcher struct {
	opts DispatcherOptions
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Dispatcher{opts: opts}
}

// Run loops until ctx is cancelled. Cancellation is only observed between
// jobs: a conversion in progress always runs to completion.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger.Info("Dispatcher started", "poll_interval", d.opts.PollInterval)
	for {
		if ctx.Err() != nil {
			logger.Info("Dispatcher stopped")
			return nil
		}

		processed, err := d.RunOnce(ctx)
		if err != nil {
			logger.Error("Dispatcher loop error", "error", err)
			if !d.sleep(ctx, false) {
				logger.Info("Dispatcher stopped")
				return nil
			}
			continue
		}
		if processed {
			continue
		}

		d.recordDepth(ctx)
		if !d.sleep(ctx, true) {
			logger.Info("Dispatcher stopped")
			return nil
		}
	}
}

// sleep waits one poll interval, or less when wakeable and the backlog
// changes. It returns false when ctx was cancelled.
func (d *Dispatcher) sleep(ctx context.Context, wakeable bool) bool {
	timer := time.NewTimer(d.opts.PollInterval)
	defer timer.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = d.opts.Wake
	}

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-wake:
		logger.Debug("Backlog changed, waking")
	}
	return true
}

// RunOnce ingests the backlog and handles at most one job. It reports
// whether a job was claimed. Errors are store failures; job outcomes are
// recorded, not returned.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	if err := d.Ingest(ctx); err != nil {
		return false, err
	}

	job, err := d.opts.Store.DequeuePending(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if job == nil {
		return false, nil
	}

	return true, d.handle(ctx, job)
}

// Ingest reads new backlog lines and queues them. Lines outside the
// library roots are recorded REJECTED so they are visible but never
// claimed.
func (d *Dispatcher) Ingest(ctx context.Context) error {
	if d.opts.Backlog == nil {
		return nil
	}
	lines, err := d.opts.Backlog.ReadNew()
	if err != nil {
		return err
	}

	for i, line := range lines {
		if _, err := d.Submit(ctx, line); err != nil {
			d.opts.Backlog.Unread(lines[i:])
			return err
		}
	}
	return nil
}

// Outcomes reported by Submit.
const (
	OutcomeQueued    = "queued"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// Submit queues a single path, or records it REJECTED when the path policy
// refuses it. Known paths are left alone and reported as duplicates.
func (d *Dispatcher) Submit(ctx context.Context, path string) (string, error) {
	outcome := OutcomeQueued
	var inserted bool
	var err error

	if _, perr := d.opts.Policy.Classify(path); perr != nil {
		outcome = OutcomeRejected
		inserted, err = d.opts.Store.Record(ctx, path, StatusRejected)
		if err == nil && inserted {
			logger.Warn("Backlog path rejected", "path", path, "reason", perr)
		}
	} else {
		inserted, err = d.opts.Store.Enqueue(ctx, path)
	}
	if err != nil {
		return "", fmt.Errorf("ingest %s: %w", path, err)
	}

	if !inserted {
		outcome = OutcomeDuplicate
	}
	metrics.IncIngested(outcome)
	if inserted && outcome == OutcomeQueued {
		logger.Info("Enqueued", "path", path)
	}
	return outcome, nil
}

// handle takes a claimed job to a final status. Once claimed, a job is not
// abandoned on shutdown, so ctx is detached from cancellation here.
func (d *Dispatcher) handle(ctx context.Context, job *Job) error {
	ctx = context.WithoutCancel(ctx)
	runID := uuid.NewString()
	log := logger.FromContext(ctx).With("job_id", job.ID, "run_id", runID)
	log.Info("Processing job", "path", job.Path)

	kind, err := d.opts.Policy.Classify(job.Path)
	if err != nil {
		log.Warn("Job rejected", "error", err)
		return d.finish(ctx, log, job, StatusRejected, err)
	}

	info, err := os.Stat(job.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = resolutionError(job.Path, "path does not exist")
		}
		log.Error("Cannot resolve job", "error", err)
		return d.finish(ctx, log, job, StatusFailed, err)
	}

	if info.IsDir() {
		return d.expand(ctx, log, job, kind)
	}

	if !media.IsVideoFile(job.Path) {
		err := resolutionError(job.Path, "not a video file")
		log.Error("Cannot resolve job", "error", err)
		return d.finish(ctx, log, job, StatusFailed, err)
	}

	name, jobLog, err := d.process(ctx, log, job, kind, runID)
	if err != nil {
		d.notifyFailure(ctx, log, job, name, err, jobLog)
		return d.finish(ctx, log, job, StatusFailed, err)
	}
	return d.finish(ctx, log, job, StatusCompleted, nil)
}

// expand turns a directory job into child file jobs. The directory itself
// completes once its children are queued.
func (d *Dispatcher) expand(ctx context.Context, log *slog.Logger, job *Job, kind media.Kind) error {
	var children []string

	switch kind {
	case media.KindEpisode:
		dir := normalizeSeasonDir(logger.WithContext(ctx, log), job.Path)
		files, err := episodeFiles(dir)
		if err != nil {
			log.Error("Cannot scan season folder", "error", err)
			return d.finish(ctx, log, job, StatusFailed, err)
		}
		children = files

	case media.KindMovie:
		file, err := largestMovieFile(job.Path)
		if err != nil {
			log.Error("Cannot resolve movie folder", "error", err)
			return d.finish(ctx, log, job, StatusFailed, err)
		}
		children = []string{file}

	default:
		return d.finish(ctx, log, job, StatusFailed, resolutionError(job.Path, "directory of unknown kind"))
	}

	added := 0
	for _, child := range children {
		ok, err := d.opts.Store.Enqueue(ctx, child)
		if err != nil {
			log.Error("Cannot enqueue folder entry", "file", child, "enqueued", added, "error", err)
			return d.finish(ctx, log, job, StatusFailed, fmt.Errorf("enqueue %s: %w", child, err))
		}
		if ok {
			added++
		}
	}
	log.Info("Directory expanded", "kind", kind, "files", len(children), "enqueued", added)
	return d.finish(ctx, log, job, StatusCompleted, nil)
}

// process runs the conversion of a single file with a job log attached for
// the duration. It returns the name
// the output was given and the job log path, both possibly empty.
func (d *Dispatcher) process(ctx context.Context, log *slog.Logger, job *Job, kind media.Kind, runID string) (string, string, error) {
	work := logger.WithContext(ctx, log)
	name := strings.TrimSuffix(filepath.Base(job.Path), filepath.Ext(job.Path))

	stream, err := d.opts.Prober.StreamInfo(work, job.Path)
	if err != nil {
		log.Error("Probe failed", "error", err)
		return name, "", err
	}
	item, err := media.NewItem(kind, job.Path, stream)
	if err != nil {
		log.Error("Invalid media", "error", err)
		return name, "", err
	}

	name = d.opts.Processor.CleanName(work, item)

	var jobLog string
	if d.opts.LogDir != "" {
		jl, err := logger.OpenJobLog(d.opts.LogDir, name)
		if err != nil {
			log.Warn("Could not open job log", "error", err)
		} else {
			jobLog = jl.Path()
			log = jl.With("job_id", job.ID, "run_id", runID)
			work = logger.WithContext(work, log)
			defer func() {
				if cerr := jl.Close(); cerr != nil {
					logger.Warn("Could not close job log", "path", jobLog, "error", cerr)
				}
			}()
		}
	}

	start := time.Now()
	if err := d.opts.Processor.Process(work, item, name); err != nil {
		log.Error("Conversion failed", "name", name, "elapsed", time.Since(start).Round(time.Second), "error", err)
		return name, jobLog, err
	}
	log.Info("Conversion completed", "name", name, "elapsed", time.Since(start).Round(time.Second))
	return name, jobLog, nil
}

// notifyFailure sends the failure report. Delivery problems never change
// the job outcome.
func (d *Dispatcher) notifyFailure(ctx context.Context, log *slog.Logger, job *Job, name string, cause error, jobLog string) {
	if d.opts.Notifier == nil {
		return
	}

	var attachments []string
	if jobLog != "" {
		attachments = append(attachments, jobLog)
	}
	if ff := newestLog(d.opts.FFmpegLogDir, logger.SafeName(name)); ff != "" {
		attachments = append(attachments, ff)
	}

	subject := "Conversion Failed for " + name
	body := fmt.Sprintf("The conversion job for '%s' failed.\n\nError: %v\n\nSee attached logs for details.", job.Path, cause)
	if err := d.opts.Notifier.Notify(ctx, subject, body, attachments); err != nil {
		log.Warn("Failure notification not sent", "error", err)
	}
}

func (d *Dispatcher) finish(ctx context.Context, log *slog.Logger, job *Job, status Status, cause error) error {
	var err error
	if cause != nil {
		err = d.opts.Store.Finish(ctx, job.ID, status, cause.Error())
	} else {
		err = d.opts.Store.SetStatus(ctx, job.ID, status)
	}
	if err != nil {
		return fmt.Errorf("record %s for job %d: %w", status, job.ID, err)
	}
	metrics.IncJob(string(status))
	log.Info("Job finished", "status", status)
	return nil
}

func (d *Dispatcher) recordDepth(ctx context.Context) {
	counts, err := d.opts.Store.CountByStatus(ctx)
	if err != nil {
		logger.Debug("Could not count jobs", "error", err)
		return
	}
	depth := make(map[string]int, len(counts))
	for status, n := range counts {
		depth[string(status)] = n
	}
	metrics.RecordQueueDepth(depth)
}

// newestLog returns the most recently modified "*<name>*.log" file in dir.
func newestLog(dir, name string) string {
	if dir == "" || name == "" {
		return ""
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var best string
	var bestTime time.Time
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), ".log") || !strings.Contains(e.Name(), name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = filepath.Join(dir, e.Name()), info.ModTime()
		}
	}
	return best
}
