// Package subtitle finds or extracts a subtitle for a video and prepares it
// to sit next to the converted file: Romanian text subtitles are re-encoded
// to UTF-8 and have their diacritics replaced for players that cannot
// render them.
package subtitle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/gwlsn/stepdown/internal/config"
	"github.com/gwlsn/stepdown/internal/ffmpeg"
	"github.com/gwlsn/stepdown/internal/logger"
)

// externalExtensions are searched in this order next to the video.
var externalExtensions = []string{".srt", ".vtt", ".ass", ".sub"}

// languageTags maps stream and filename language tags to the two codes
// the library cares about.
var languageTags = map[string]string{
	"rum":     "ro",
	"ro":      "ro",
	"rom":     "ro",
	"eng":     "en",
	"en":      "en",
	"english": "en",
}

// Prober lists the subtitle streams of a container.
type Prober interface {
	ProbeSubtitles(ctx context.Context, path string) ([]ffmpeg.SubtitleStream, error)
}

// Options configures a Handler.
type Options struct {
	FFmpegPath     string
	MKVExtractPath string
	ReplaceRules   []config.Replacement

	// Exec runs helper commands; defaults to ffmpeg.Exec.
	Exec func(ctx context.Context, cmd *ffmpeg.Command) error
}

// Handler prepares the subtitle for one video at a time.
type Handler struct {
	prober Prober
	opts   Options
}

// New creates a Handler.
func New(prober Prober, opts Options) *Handler {
	if opts.Exec == nil {
		opts.Exec = ffmpeg.Exec
	}
	return &Handler{prober: prober, opts: opts}
}

// Result is a prepared subtitle file.
type Result struct {
	Path     string
	Language string // "ro", "en" or whatever detection produced
}

// Prepare returns the subtitle for source named after cleanName, in the
// directory of source. It returns nil, nil when the video has none.
func (h *Handler) Prepare(ctx context.Context, source, cleanName string) (*Result, error) {
	log := logger.FromContext(ctx)
	dir := filepath.Dir(source)

	path, lang, err := h.external(ctx, source, cleanName)
	if err != nil {
		return nil, err
	}
	if path == "" {
		log.Info("No external subtitle, looking for an embedded one")
		path, lang, err = h.extract(ctx, source, cleanName, dir)
		if err != nil {
			return nil, err
		}
	}
	if path == "" {
		log.Info("No subtitle found")
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		log.Warn("Subtitle is empty, ignoring it", "path", path)
		return nil, nil
	}

	if _, err := os.Stat(strings.TrimSuffix(path, filepath.Ext(path)) + ".idx"); err == nil {
		log.Info("VobSub subtitle, leaving it untouched", "path", path)
		return &Result{Path: path, Language: lang}, nil
	}

	if lang == "ro" {
		path, err = h.repairRomanian(ctx, path)
		if err != nil {
			return nil, err
		}
	}
	return &Result{Path: path, Language: lang}, nil
}

// external looks for a subtitle file whose name starts with the video's
// stem and renames it after cleanName.
func (h *Handler) external(ctx context.Context, source, cleanName string) (string, string, error) {
	dir := filepath.Dir(source)
	stem := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), stem) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var found string
	for _, ext := range externalExtensions {
		for _, name := range names {
			if strings.EqualFold(filepath.Ext(name), ext) {
				found = filepath.Join(dir, name)
				break
			}
		}
		if found != "" {
			break
		}
	}
	if found == "" {
		return "", "", nil
	}

	log := logger.FromContext(ctx)
	lang := DetectLanguage(found)
	target := filepath.Join(dir, FileName(cleanName, lang, strings.TrimPrefix(filepath.Ext(found), ".")))
	log.Info("Using external subtitle", "path", found, "language", lang)

	if target != found {
		if err := os.Rename(found, target); err != nil {
			return "", "", fmt.Errorf("rename subtitle: %w", err)
		}
		log.Info("Renamed subtitle", "from", filepath.Base(found), "to", filepath.Base(target))
	}
	return target, lang, nil
}

// extract pulls the preferred embedded track out of source: Romanian, else
// English.
func (h *Handler) extract(ctx context.Context, source, cleanName, dir string) (string, string, error) {
	if h.prober == nil {
		return "", "", nil
	}
	streams, err := h.prober.ProbeSubtitles(ctx, source)
	if err != nil {
		return "", "", fmt.Errorf("probe subtitles: %w", err)
	}

	track, lang, ok := pickTrack(streams)
	if !ok {
		return "", "", nil
	}

	log := logger.FromContext(ctx)
	ext, known := ffmpeg.SubtitleExtension(track.CodecName)
	if !known {
		log.Warn("Unknown subtitle codec, writing as srt", "codec", track.CodecName)
	}
	output := filepath.Join(dir, FileName(cleanName, lang, ext))

	log.Info("Extracting subtitle", "index", track.Index, "language", lang, "codec", track.CodecName, "output", output)
	cmd := ffmpeg.ExtractSubtitleCommand(h.opts.FFmpegPath, h.opts.MKVExtractPath, source, track.Index, track.CodecName, output)
	if err := h.opts.Exec(ctx, cmd); err != nil {
		return "", "", fmt.Errorf("extract subtitle: %w", err)
	}

	info, err := os.Stat(output)
	if err != nil {
		return "", "", fmt.Errorf("extracted subtitle missing: %w", err)
	}
	if info.Size() == 0 {
		log.Warn("Extracted subtitle is empty", "path", output)
		os.Remove(output)
		return "", "", nil
	}
	return output, lang, nil
}

func pickTrack(streams []ffmpeg.SubtitleStream) (ffmpeg.SubtitleStream, string, bool) {
	for _, want := range []string{"ro", "en"} {
		for _, s := range streams {
			if languageTags[s.Language] == want {
				return s, want, true
			}
		}
	}
	return ffmpeg.SubtitleStream{}, "", false
}

// repairRomanian re-encodes a text subtitle to UTF-8, converts MicroDVD to
// SubRip and applies the replacement rules. Binary subtitles are returned
// untouched.
func (h *Handler) repairRomanian(ctx context.Context, path string) (string, error) {
	log := logger.FromContext(ctx)
	isSub := strings.EqualFold(filepath.Ext(path), ".sub")

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if isSub && isBinarySub(raw) {
		log.Info("Binary VobSub detected, skipping text repair", "path", path)
		return path, nil
	}

	text, enc := DecodeText(raw)
	log.Info("Subtitle encoding detected", "encoding", enc)
	if err := renameio.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("write subtitle: %w", err)
	}

	if isSub && strings.HasPrefix(text, "{") {
		srt := strings.TrimSuffix(path, filepath.Ext(path)) + ".srt"
		log.Info("Converting MicroDVD subtitle to SubRip", "path", path)
		if err := h.opts.Exec(ctx, ffmpeg.ConvertSubtitleCommand(h.opts.FFmpegPath, path, srt)); err != nil {
			log.Warn("MicroDVD conversion failed, keeping .sub", "error", err)
		} else if info, err := os.Stat(srt); err == nil && info.Size() > 0 {
			path = srt
			data, err := os.ReadFile(srt)
			if err != nil {
				return "", err
			}
			text, _ = DecodeText(data)
		}
	}

	replaced, counts := Replace(text, h.opts.ReplaceRules)
	for _, c := range counts {
		log.Debug("Replaced characters", "find", c.Find, "replace", c.Replace, "count", c.Count)
	}
	if err := renameio.WriteFile(path, []byte(replaced), 0644); err != nil {
		return "", fmt.Errorf("write subtitle: %w", err)
	}
	return path, nil
}

// FileName is "<name>.default.ro.<ext>" for Romanian, which players pick
// by default, and "<name>.<lang>.<ext>" otherwise.
func FileName(name, lang, ext string) string {
	if lang == "ro" {
		return fmt.Sprintf("%s.default.ro.%s", name, ext)
	}
	return fmt.Sprintf("%s.%s.%s", name, lang, ext)
}

// Replacement reports how often one rule matched.
type Replacement struct {
	config.Replacement
	Count int
}

// Replace applies rules in order and reports those that matched.
func Replace(text string, rules []config.Replacement) (string, []Replacement) {
	var counts []Replacement
	for _, r := range rules {
		if r.Find == "" {
			continue
		}
		if n := strings.Count(text, r.Find); n > 0 {
			text = strings.ReplaceAll(text, r.Find, r.Replace)
			counts = append(counts, Replacement{Replacement: r, Count: n})
		}
	}
	return text, counts
}

// isBinarySub reports whether a .sub file is a VobSub stream rather than
// MicroDVD text.
func isBinarySub(raw []byte) bool {
	header := raw
	if len(header) > 32 {
		header = header[:32]
	}
	if len(header) >= 4 && header[0] == 0 && header[1] == 0 && header[2] == 1 && header[3] == 0xba {
		return true
	}
	return !strings.ContainsRune(string(header), '{') && strings.ContainsRune(string(header), 0)
}
