package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/gwlsn/stepdown/internal/logger"
	"github.com/gwlsn/stepdown/internal/media"
)

// normalizeSeasonDir renames a season folder to its canonical "SeasonNN"
// form and returns the directory to walk. When the name carries no season
// number, is already canonical, or the rename fails, dir is returned as is.
func normalizeSeasonDir(ctx context.Context, dir string) string {
	log := logger.FromContext(ctx)

	name, ok := media.SeasonFolderName(filepath.Base(dir))
	if !ok || name == filepath.Base(dir) {
		return dir
	}

	target := filepath.Join(filepath.Dir(dir), name)
	if _, err := os.Lstat(target); err == nil {
		log.Warn("Season folder target already exists, leaving name alone", "dir", dir, "target", target)
		return dir
	}
	if err := os.Rename(dir, target); err != nil {
		log.Warn("Could not rename season folder", "dir", dir, "target", target, "error", err)
		return dir
	}
	log.Info("Renamed season folder", "from", filepath.Base(dir), "to", name)
	return target
}

// episodeFiles walks dir recursively for episode files, sorted by path.
func episodeFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && media.HasExtension(path, media.EpisodeExtensions) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// largestMovieFile picks the biggest movie file directly inside dir, which
// is taken to be the feature rather than a sample or an extra.
func largestMovieFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", dir, err)
	}

	var best string
	var bestSize int64 = -1
	for _, e := range entries {
		if !e.Type().IsRegular() || !media.HasExtension(e.Name(), media.MovieExtensions) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", err
		}
		if info.Size() > bestSize {
			best, bestSize = filepath.Join(dir, e.Name()), info.Size()
		}
	}

	if best == "" {
		return "", resolutionError(dir, "no movie file in folder")
	}
	return best, nil
}
