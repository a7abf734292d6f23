package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// The daemon log rotates at 10 MB and keeps five compressed backups.
const (
	daemonLogMaxSizeMB  = 10
	daemonLogMaxBackups = 5
)

// AttachFile makes the global logger also write to a rotating file at path,
// at the same level as the console. Call it once per process, after Init;
// the returned closer flushes the file on shutdown.
func AttachFile(path string) (io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    daemonLogMaxSizeMB,
		MaxBackups: daemonLogMaxBackups,
		Compress:   true,
	}
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: &level})

	if Log == nil {
		Log = slog.New(fileHandler)
	} else {
		Log = slog.New(&teeHandler{handlers: []slog.Handler{Log.Handler(), fileHandler}})
	}
	return file, nil
}
