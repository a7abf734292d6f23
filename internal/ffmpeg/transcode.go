package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gwlsn/stepdown/internal/logger"
)

var (
	// ErrResourceExhausted marks an attempt the hardware could not sustain:
	// the process was killed by a signal, ran into the watchdog, or exited
	// with one of the configured resource exit codes. A smaller tier may
	// still succeed.
	ErrResourceExhausted = errors.New("encoder resources exhausted")

	// ErrEncodeFailed marks any other unsuccessful run. Retrying with a
	// smaller tier will not help.
	ErrEncodeFailed = errors.New("encode failed")
)

// DefaultTailLines is how many trailing stderr lines are kept for diagnostics.
const DefaultTailLines = 5

// waitDelay bounds how long Wait blocks on pipes after the process is gone.
const waitDelay = 5 * time.Second

// TranscodeError represents a failed ffmpeg run with the context needed to
// report it. Err wraps ErrResourceExhausted or ErrEncodeFailed.
type TranscodeError struct {
	Err      error
	Stderr   string // last lines of stderr, for diagnostics only
	ExitCode int    // -1 when the process was terminated by a signal
	Signaled bool
	LogPath  string // per-attempt ffmpeg log, empty when it could not be created
}

func (e *TranscodeError) Error() string {
	return e.Err.Error()
}

func (e *TranscodeError) Unwrap() error {
	return e.Err
}

// TranscoderOptions configures a Transcoder.
type TranscoderOptions struct {
	// LogDir receives one "<name>_<timestamp>.log" per attempt with the
	// command line and the full stderr stream. Empty disables the files.
	LogDir string

	// ResourceExitCodes are exit statuses treated like a signal kill.
	ResourceExitCodes []int

	// Timeout kills the process group when an attempt runs longer.
	// Zero disables the watchdog.
	Timeout time.Duration

	// TailLines defaults to DefaultTailLines.
	TailLines int
}

// Transcoder runs encode commands and classifies how they ended.
type Transcoder struct {
	logDir        string
	resourceCodes map[int]bool
	timeout       time.Duration
	tailLines     int
}

// NewTranscoder creates a new Transcoder
func NewTranscoder(opts TranscoderOptions) *Transcoder {
	codes := make(map[int]bool, len(opts.ResourceExitCodes))
	for _, c := range opts.ResourceExitCodes {
		codes[c] = true
	}
	tail := opts.TailLines
	if tail <= 0 {
		tail = DefaultTailLines
	}
	return &Transcoder{
		logDir:        opts.LogDir,
		resourceCodes: codes,
		timeout:       opts.Timeout,
		tailLines:     tail,
	}
}

// Run executes cmd to completion. name labels the per-attempt log file.
//
// The child runs in its own process group. Cancelling ctx or hitting the
// watchdog kills the whole group; callers that must not interrupt a running
// encode pass a context detached from shutdown.
func (t *Transcoder) Run(ctx context.Context, cmd *Command, name string) error {
	log := logger.FromContext(ctx)

	logFile, logPath, err := t.openAttemptLog(name)
	if err != nil {
		log.Warn("Could not create ffmpeg log, continuing without it", "error", err)
	}
	if logFile != nil {
		defer logFile.Close()
		fmt.Fprintf(logFile, "%s\n\n", cmd)
	}

	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	proc := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	setProcessGroup(proc)
	proc.Cancel = func() error { return killProcessGroup(proc) }
	proc.WaitDelay = waitDelay

	tail := newTailBuffer(t.tailLines)
	if logFile != nil {
		proc.Stderr = io.MultiWriter(logFile, tail)
	} else {
		proc.Stderr = tail
	}
	proc.Stdout = &progressWriter{log: log}

	log.Debug("FFmpeg command", "cmd", cmd.String(), "log", logPath)

	start := time.Now()
	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	waitErr := proc.Wait()
	if waitErr == nil {
		log.Debug("FFmpeg finished", "elapsed", time.Since(start).Round(time.Second))
		return nil
	}

	terr := t.classify(ctx, runCtx, waitErr)
	terr.Stderr = tail.String()
	terr.LogPath = logPath
	log.Debug("FFmpeg failed",
		"error", terr,
		"exit_code", terr.ExitCode,
		"elapsed", time.Since(start).Round(time.Second),
		"stderr", strings.ReplaceAll(terr.Stderr, "\n", " | "))
	return terr
}

func (t *Transcoder) classify(ctx, runCtx context.Context, waitErr error) *TranscodeError {
	if ctx.Err() != nil {
		return &TranscodeError{Err: fmt.Errorf("%w: aborted: %v", ErrEncodeFailed, ctx.Err()), ExitCode: -1, Signaled: true}
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &TranscodeError{
			Err:      fmt.Errorf("%w: still running after %s, process group killed", ErrResourceExhausted, t.timeout),
			ExitCode: -1,
			Signaled: true,
		}
	}

	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		return &TranscodeError{Err: fmt.Errorf("%w: %v", ErrEncodeFailed, waitErr)}
	}

	code := exitErr.ExitCode()
	if code == -1 {
		return &TranscodeError{Err: fmt.Errorf("%w: %v", ErrResourceExhausted, exitErr), ExitCode: -1, Signaled: true}
	}
	if t.resourceCodes[code] {
		return &TranscodeError{Err: fmt.Errorf("%w: exit status %d", ErrResourceExhausted, code), ExitCode: code}
	}
	return &TranscodeError{Err: fmt.Errorf("%w: exit status %d", ErrEncodeFailed, code), ExitCode: code}
}

func (t *Transcoder) openAttemptLog(name string) (*os.File, string, error) {
	if t.logDir == "" {
		return nil, "", nil
	}
	if err := os.MkdirAll(t.logDir, 0755); err != nil {
		return nil, "", err
	}
	path := filepath.Join(t.logDir, logger.LogFileName(name, time.Now()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

// tailBuffer keeps the last n complete lines written to it.
type tailBuffer struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial []byte
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial = append(b.partial, p...)
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.partial[:i]), "\r")
		b.partial = b.partial[i+1:]
		if line == "" {
			continue
		}
		b.lines = append(b.lines, line)
		if len(b.lines) > b.n {
			b.lines = b.lines[len(b.lines)-b.n:]
		}
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines := b.lines
	if rest := strings.TrimSpace(string(b.partial)); rest != "" {
		lines = append(append([]string(nil), lines...), rest)
		if len(lines) > b.n {
			lines = lines[len(lines)-b.n:]
		}
	}
	return strings.Join(lines, "\n")
}

// progressWriter parses "-progress pipe:1" records and logs one line per block.
type progressWriter struct {
	log     *slog.Logger
	partial []byte

	frame int64
	fps   float64
	time  time.Duration
	speed float64
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
		w.parse(line)
	}
	return len(p), nil
}

func (w *progressWriter) parse(line string) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	switch key {
	case "frame":
		w.frame, _ = strconv.ParseInt(value, 10, 64)
	case "fps":
		w.fps, _ = strconv.ParseFloat(value, 64)
	case "out_time_us":
		if value != "N/A" {
			us, _ := strconv.ParseInt(value, 10, 64)
			w.time = time.Duration(us) * time.Microsecond
		}
	case "speed":
		if value != "N/A" {
			w.speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
		}
	case "progress":
		w.log.Debug("FFmpeg progress",
			"frame", w.frame,
			"fps", w.fps,
			"position", w.time.Round(time.Second),
			"speed", w.speed,
			"state", value)
	}
}
