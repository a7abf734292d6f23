package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	stepdown "github.com/gwlsn/stepdown"
	"github.com/gwlsn/stepdown/internal/api"
	"github.com/gwlsn/stepdown/internal/config"
	"github.com/gwlsn/stepdown/internal/encode"
	"github.com/gwlsn/stepdown/internal/ffmpeg"
	"github.com/gwlsn/stepdown/internal/jobs"
	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/media"
	"github.com/gwlsn/stepdown/internal/metadata"
	"github.com/gwlsn/stepdown/internal/notify"
	"github.com/gwlsn/stepdown/internal/pipeline"
	"github.com/gwlsn/stepdown/internal/store"
	"github.com/gwlsn/stepdown/internal/subtitle"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dispatcher, the backlog watcher and the HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config:\n%w", err)
		}
		return runDaemon(cmd.Context(), cfg)
	},
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	for _, dir := range []string{cfg.LogGeneralDir(), cfg.LogFFmpegDir(), filepath.Dir(cfg.QueueFile)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	daemonLog, err := logger.AttachFile(cfg.DaemonLogPath())
	if err != nil {
		return err
	}
	defer daemonLog.Close()

	st, err := store.InitStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	qsv := ffmpeg.DetectQSV(ctx, cfg.FFmpegPath, cfg.Encoder.QSVDevice)
	if !qsv.Available() {
		logger.Warn("QSV does not look usable, jobs will fail until it is", "device", cfg.Encoder.QSVDevice, "problem", qsv.Problem)
	}

	prober := ffmpeg.NewProber(cfg.FFprobePath)
	transcoder := ffmpeg.NewTranscoder(ffmpeg.TranscoderOptions{
		LogDir:            cfg.LogFFmpegDir(),
		ResourceExitCodes: cfg.Encoder.ResourceExitCodes,
		Timeout:           cfg.Encoder.Timeout,
	})
	controller := encode.NewController(st, transcoder, encode.Options{
		FFmpegPath: cfg.FFmpegPath,
		QSV: ffmpeg.QSVOptions{
			Device:        cfg.Encoder.QSVDevice,
			GlobalQuality: cfg.Encoder.GlobalQuality,
			Denoise:       cfg.Encoder.DenoiseLevel,
		},
		MinOutputBytes: cfg.Encoder.MinOutputBytes,
		Cooldown:       cfg.Encoder.Cooldown,
		MaxProfileAge:  cfg.Heuristics.MaxAge,
		Progress:       true,
	})

	pipeOpts := pipeline.Options{
		Dirs:            media.Dirs{Movies: cfg.TargetMoviesDir, TV: cfg.TargetTVDir},
		ValidExtensions: cfg.ValidExtensions,
		Roots:           []string{cfg.MoviesRoot, cfg.TVRoot},
	}
	// Typed nils must not leak into the interfaces
	if client := metadata.NewClient(metadata.Options{
		ReadAccessToken:   cfg.TMDB.ReadAccessToken,
		RequestsPerSecond: cfg.TMDB.RequestsPerSecond,
		Timeout:           cfg.TMDB.Timeout,
	}); client != nil {
		pipeOpts.Lookup = client
	} else {
		logger.Info("No TMDB token, movie names come from file names only")
	}
	if cfg.Subtitles.Enabled {
		pipeOpts.Subtitles = subtitle.New(prober, subtitle.Options{
			FFmpegPath:     cfg.FFmpegPath,
			MKVExtractPath: cfg.MKVExtractPath,
			ReplaceRules:   cfg.Subtitles.ReplaceRules,
		})
	}

	var notifier jobs.Notifier
	if mailer := notify.New(notify.Options{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		From:        cfg.SMTP.From,
		To:          cfg.SMTP.To,
		SSL:         cfg.SMTP.SSL,
		MinInterval: cfg.SMTP.MinInterval,
	}); mailer != nil {
		notifier = mailer
	} else {
		logger.Info("No mail recipients, failure notifications disabled")
	}

	watcher := jobs.NewWatcher(cfg.QueueFile)
	dispatcher := jobs.NewDispatcher(jobs.DispatcherOptions{
		Store:        st,
		Policy:       jobs.Policy{MoviesRoot: cfg.MoviesRoot, TVRoot: cfg.TVRoot, DenyRoots: cfg.SeedingRoots},
		Backlog:      jobs.NewBacklog(cfg.QueueFile),
		Wake:         watcher.C(),
		Prober:       prober,
		Processor:    pipeline.New(controller, pipeOpts),
		Notifier:     notifier,
		PollInterval: cfg.PollInterval,
		LogDir:       cfg.LogGeneralDir(),
		FFmpegLogDir: cfg.LogFFmpegDir(),
	})

	logger.Info("stepdown started",
		"version", stepdown.Version,
		"backend", cfg.Store.Backend,
		"queue_file", cfg.QueueFile,
		"qsv", qsv.Available(),
		"http", cfg.HTTP.Addr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })

	if cfg.HTTP.Addr != "" {
		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewRouter(api.NewHandler(st, dispatcher, watcher.Nudge), cfg.HTTP.RequestsPerMinute),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("stepdown stopped")
	return err
}
