// Package pipeline runs one resolved video through subtitles, encoding and
// relocation into the archive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/renameio/v2"

	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/media"
	"github.com/gwlsn/stepdown/internal/subtitle"
)

// Encoder converts an item into a verified output file.
type Encoder interface {
	Encode(ctx context.Context, item media.Item, cleanName string) (string, error)
}

// SubtitlePreparer finds or extracts the subtitle for a source video.
type SubtitlePreparer interface {
	Prepare(ctx context.Context, source, cleanName string) (*subtitle.Result, error)
}

// Options configures a Pipeline.
type Options struct {
	Dirs media.Dirs

	// Lookup resolves movie titles; nil uses filename heuristics only.
	Lookup media.MovieLookup

	// Subtitles is nil when subtitle handling is disabled.
	Subtitles SubtitlePreparer

	// ValidExtensions are kept when a movie folder is pruned.
	ValidExtensions []string

	// Roots are never pruned, even when a movie sits directly inside one.
	Roots []string
}

// Pipeline implements the per-file conversion run.
type Pipeline struct {
	encoder Encoder
	opts    Options
}

// New creates a pipeline around encoder.
func New(encoder Encoder, opts Options) *Pipeline {
	return &Pipeline{encoder: encoder, opts: opts}
}

// CleanName returns the canonical name for item.
func (p *Pipeline) CleanName(ctx context.Context, item media.Item) string {
	return media.CleanName(ctx, item, p.opts.Lookup)
}

// Process converts item and moves the output, plus its subtitle, into
// <target>/<cleanName>/<cleanName>.mp4. The source is removed on success.
// Subtitle problems are logged and never fail the run.
func (p *Pipeline) Process(ctx context.Context, item media.Item, cleanName string) error {
	log := logger.FromContext(ctx)

	target := media.TargetDir(item, p.opts.Dirs)
	if target == "" {
		return fmt.Errorf("%w: no archive root for %s", media.ErrValidation, item.Kind)
	}

	var sub *subtitle.Result
	if p.opts.Subtitles != nil {
		res, err := p.opts.Subtitles.Prepare(ctx, item.Source, cleanName)
		if err != nil {
			log.Warn("Subtitle processing failed, continuing without", "error", err)
		} else {
			sub = res
		}
	}

	output, err := p.encoder.Encode(ctx, item, cleanName)
	if err != nil {
		return err
	}

	finalDir := filepath.Join(target, cleanName)
	if err := os.MkdirAll(finalDir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", finalDir, err)
	}

	dest := filepath.Join(finalDir, cleanName+".mp4")
	if err := moveFile(output, dest); err != nil {
		return fmt.Errorf("relocate output: %w", err)
	}
	log.Info("Output relocated", "path", dest)

	if sub != nil {
		p.moveSubtitle(ctx, sub.Path, finalDir)
	}

	if err := os.Remove(item.Source); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Could not remove source", "path", item.Source, "error", err)
	} else {
		log.Info("Source removed", "path", item.Source)
	}

	if item.Kind == media.KindMovie {
		p.pruneMovieDir(ctx, filepath.Dir(item.Source))
	}
	return nil
}

// moveSubtitle moves the subtitle and, for VobSub, its .idx companion.
func (p *Pipeline) moveSubtitle(ctx context.Context, path, finalDir string) {
	log := logger.FromContext(ctx)

	paths := []string{path}
	idx := strings.TrimSuffix(path, filepath.Ext(path)) + ".idx"
	if _, err := os.Stat(idx); err == nil {
		paths = append(paths, idx)
	}
	for _, src := range paths {
		dest := filepath.Join(finalDir, filepath.Base(src))
		if err := moveFile(src, dest); err != nil {
			log.Warn("Could not relocate subtitle", "path", src, "error", err)
			continue
		}
		log.Info("Subtitle relocated", "path", dest)
	}
}

// pruneMovieDir deletes every regular file in dir whose extension is not
// in ValidExtensions. Subdirectories are left alone.
func (p *Pipeline) pruneMovieDir(ctx context.Context, dir string) {
	log := logger.FromContext(ctx)

	for _, root := range p.opts.Roots {
		if root != "" && filepath.Clean(root) == filepath.Clean(dir) {
			return
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn("Could not read movie folder for cleanup", "dir", dir, "error", err)
		return
	}

	kept, deleted := 0, 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if media.HasExtension(path, p.opts.ValidExtensions) {
			kept++
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Warn("Could not delete file", "path", path, "error", err)
			continue
		}
		log.Debug("Deleted non-essential file", "path", path)
		deleted++
	}
	log.Info("Movie folder cleaned", "dir", dir, "kept", kept, "deleted", deleted)
}

// moveFile renames src to dest, copying across filesystems.
func moveFile(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}
	if err := copyFile(src, dest); err != nil {
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0644))
	if err != nil {
		return err
	}
	defer out.Cleanup()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.CloseAtomicallyReplace()
}
