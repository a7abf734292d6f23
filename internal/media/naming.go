package media

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/gwlsn/stepdown/internal/logger"
)

// MovieMatch is a title resolved by an external metadata service.
type MovieMatch struct {
	Title string
	Year  string
}

// MovieLookup resolves a noisy release name to a canonical title.
// A nil match with a nil error means nothing plausible was found.
type MovieLookup interface {
	LookupMovie(ctx context.Context, raw, query, year string) (*MovieMatch, error)
}

var (
	bracketRe    = regexp.MustCompile(`\[.*?\]`)
	parenRe      = regexp.MustCompile(`\(.*?\)`)
	yearRe       = regexp.MustCompile(`(19|20)\d{2}`)
	resolutionRe = regexp.MustCompile(`(?i)(1080|720|2160)p`)
	separatorRe  = regexp.MustCompile(`[._]`)
	nonTitleRe   = regexp.MustCompile(`[^a-zA-Z0-9 ]+`)
	nonNameRe    = regexp.MustCompile(`[^a-zA-Z0-9.]+`)
	dotsRe       = regexp.MustCompile(`\.+`)
	spacesRe     = regexp.MustCompile(`\s+`)
	trailingRe   = regexp.MustCompile(`[._-]+$`)
	releaseTagRe = regexp.MustCompile(`(?i)((1080|720|2160|480|576)[pi]|4k|blu-?ray|web-?dl|web-?rip|hdtv|flac|aac|x264|x265|hevc|avc|divx|xvid)`)

	episodeRe    = regexp.MustCompile(`(?i)^(.*?s\d{2}e\d{2})`)
	episodeResRe = regexp.MustCompile(`(?i)\.(2160p|1080p|720p|480p).*`)
	episodeTagRe = regexp.MustCompile(`(?i)\.(HDTV|WEB-DL|BluRay|BRRip|x264|x265|HEVC|AAC).*`)

	seasonShortRe = regexp.MustCompile(`s(\d{2})`)
	seasonLongRe  = regexp.MustCompile(`season[\s._-]*(\d+)`)
)

var releaseExtensions = []string{".mkv", ".mp4", ".avi", ".mov", ".m4v", ".divx", ".xvid", ".wmv"}

// MovieName turns a release file name into "Title.Year". The lookup is
// consulted first when present; the regex fallback never fails.
func MovieName(ctx context.Context, filename string, lookup MovieLookup) string {
	stem := stripReleaseExtension(filename)

	if lookup != nil {
		query, year := movieQuery(stem)
		if query != "" {
			match, err := lookup.LookupMovie(ctx, filename, query, year)
			if err != nil {
				logger.FromContext(ctx).Warn("Title lookup failed, using file name", "query", query, "error", err)
			} else if match != nil && match.Title != "" {
				title := safeTitle(match.Title)
				if title != "" {
					if match.Year != "" {
						return title + "." + match.Year
					}
					return title
				}
			}
		}
	}

	return movieNameFallback(stem)
}

// movieQuery derives the search text and optional year from a release stem.
func movieQuery(stem string) (query, year string) {
	clean := bracketRe.ReplaceAllString(stem, "")
	clean = parenRe.ReplaceAllString(clean, "")

	query = clean
	if loc := yearRe.FindStringIndex(clean); loc != nil {
		year = clean[loc[0]:loc[1]]
		if title := clean[:loc[0]]; strings.Trim(title, " ._-") != "" {
			query = title
		}
	} else if loc := resolutionRe.FindStringIndex(clean); loc != nil {
		query = clean[:loc[0]]
	}

	query = separatorRe.ReplaceAllString(query, " ")
	query = spacesRe.ReplaceAllString(strings.TrimSpace(query), " ")
	return query, year
}

func movieNameFallback(stem string) string {
	stem = FoldDiacritics(stem)

	if loc := yearRe.FindStringIndex(stem); loc != nil {
		prefix := trailingRe.ReplaceAllString(stem[:loc[0]], "")
		prefix = dotsRe.ReplaceAllString(prefix, ".")
		prefix = nonNameRe.ReplaceAllString(prefix, ".")
		prefix = strings.Trim(prefix, ".")
		if prefix != "" {
			return prefix + "." + stem[loc[0]:loc[1]]
		}
	}

	prefix := stem
	if loc := releaseTagRe.FindStringIndex(stem); loc != nil && loc[0] > 0 {
		prefix = stem[:loc[0]]
	}
	result := nonNameRe.ReplaceAllString(prefix, ".")
	result = dotsRe.ReplaceAllString(result, ".")
	return strings.Trim(result, ".")
}

func safeTitle(title string) string {
	title = nonTitleRe.ReplaceAllString(FoldDiacritics(title), "")
	title = spacesRe.ReplaceAllString(strings.TrimSpace(title), ".")
	return title
}

func stripReleaseExtension(filename string) string {
	lower := strings.ToLower(filename)
	for _, ext := range releaseExtensions {
		if strings.HasSuffix(lower, ext) {
			return filename[:len(filename)-len(ext)]
		}
	}
	return filename
}

// EpisodeName keeps everything up to and including the SxxExx marker.
// Without a marker it strips resolution and release tags instead.
func EpisodeName(filename string) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))

	if m := episodeRe.FindStringSubmatchIndex(stem); m != nil {
		return stem[:m[3]]
	}

	clean := episodeResRe.ReplaceAllString(stem, "")
	clean = episodeTagRe.ReplaceAllString(clean, "")
	return clean
}

// SeasonFolderName normalises "Season.01", "S01" or "season 1" to "Season01".
// ok is false when the name carries no season number.
func SeasonFolderName(name string) (string, bool) {
	lower := strings.ToLower(name)
	result := ""

	if m := seasonShortRe.FindStringSubmatch(lower); m != nil {
		result = "Season" + m[1]
	}
	if m := seasonLongRe.FindStringSubmatch(lower); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			result = fmt.Sprintf("Season%02d", n)
		}
	}

	return result, result != ""
}

// FoldDiacritics strips combining marks, so "Ștefan Amélie" becomes "Stefan Amelie".
func FoldDiacritics(s string) string {
	// Chains carry state, so each call builds its own.
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(folder, s)
	if err != nil {
		return s
	}
	return out
}
