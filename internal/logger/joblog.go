package logger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// TimestampLayout is the suffix format shared by job and ffmpeg log files.
const TimestampLayout = "20060102_150405"

var unsafeNameChars = regexp.MustCompile(`[\\/*?:"<>| ]`)

// SafeName replaces characters that are awkward in file names with '_'.
func SafeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

// LogFileName returns "<safe name>_<timestamp>.log".
func LogFileName(name string, now time.Time) string {
	return fmt.Sprintf("%s_%s.log", SafeName(name), now.Format(TimestampLayout))
}

// JobLog is a logger scoped to a single job. Records go to the console
// handler of the parent logger and to a dedicated, timestamped file.
type JobLog struct {
	*slog.Logger
	path string
	file *os.File
}

// OpenJobLog creates the job log file in dir and returns a logger writing to
// it. The file always receives debug records regardless of the console level.
func OpenJobLog(dir, name string) (*JobLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create job log directory: %w", err)
	}

	path := filepath.Join(dir, LogFileName(name, time.Now()))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open job log: %w", err)
	}

	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})

	var handler slog.Handler = fileHandler
	if Log != nil {
		handler = &teeHandler{handlers: []slog.Handler{Log.Handler(), fileHandler}}
	}

	jl := &JobLog{
		Logger: slog.New(handler),
		path:   path,
		file:   file,
	}
	jl.Info("Job log opened", "file", path)
	return jl, nil
}

// Path returns the file backing this job log.
func (j *JobLog) Path() string {
	return j.path
}

// Close flushes and closes the log file.
func (j *JobLog) Close() error {
	if j == nil || j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// teeHandler fans a record out to several handlers.
type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}
