// Package media describes the items the dispatcher hands to the encoder:
// which kind of library entry a file is, what its primary video stream looks
// like, and where and under which name the finished conversion lands.
package media

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrValidation is returned when a file has no usable video stream.
var ErrValidation = errors.New("media validation failed")

// Kind tags a media item.
type Kind int

const (
	KindUnknown Kind = iota
	KindMovie
	KindEpisode
)

func (k Kind) String() string {
	switch k {
	case KindMovie:
		return "movie"
	case KindEpisode:
		return "episode"
	default:
		return "unknown"
	}
}

// StreamInfo holds the primary video stream characteristics.
type StreamInfo struct {
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Codec   string `json:"codec"`
	Profile string `json:"profile"`
	PixFmt  string `json:"pix_fmt"`

	// Absolute indexes of the audio streams, in file order.
	AudioTracks []int `json:"audio_tracks,omitempty"`
}

// Resolved reports whether the stream carries enough to build an encode.
func (s *StreamInfo) Resolved() bool {
	return s != nil && s.Width > 0 && s.Height > 0 && s.Codec != ""
}

// Signature derives the heuristic lookup key. The result may be invalid
// when the probe could not determine the pixel format.
func (s *StreamInfo) Signature() Signature {
	if s == nil {
		return Signature{}
	}
	return Signature{Width: s.Width, Height: s.Height, Codec: s.Codec, PixFmt: s.PixFmt}
}

// Signature keys learned encoding profiles.
type Signature struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Codec  string `json:"codec"`
	PixFmt string `json:"pix_fmt"`
}

// Valid reports whether every component of the key is known.
func (s Signature) Valid() bool {
	return s.Width > 0 && s.Height > 0 && s.Codec != "" && s.PixFmt != ""
}

func (s Signature) String() string {
	return fmt.Sprintf("%dx%d/%s/%s", s.Width, s.Height, s.Codec, s.PixFmt)
}

// ParseSignature reads the WIDTHxHEIGHT/codec/pix_fmt form produced by
// String.
func ParseSignature(s string) (Signature, error) {
	var sig Signature
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return sig, fmt.Errorf("%w: signature %q", ErrValidation, s)
	}
	if _, err := fmt.Sscanf(parts[0], "%dx%d", &sig.Width, &sig.Height); err != nil {
		return sig, fmt.Errorf("%w: signature %q: %v", ErrValidation, s, err)
	}
	sig.Codec, sig.PixFmt = parts[1], parts[2]
	if !sig.Valid() {
		return sig, fmt.Errorf("%w: signature %q", ErrValidation, s)
	}
	return sig, nil
}

// Item is a single file resolved for conversion.
type Item struct {
	Kind   Kind
	Source string
	Stream *StreamInfo
}

// NewItem validates that the stream was resolved and returns an Item.
func NewItem(kind Kind, source string, stream *StreamInfo) (Item, error) {
	if kind == KindUnknown {
		return Item{}, fmt.Errorf("%w: %s is neither a movie nor an episode", ErrValidation, source)
	}
	if !stream.Resolved() {
		return Item{}, fmt.Errorf("%w: no resolved video stream in %s", ErrValidation, source)
	}
	return Item{Kind: kind, Source: source, Stream: stream}, nil
}

// Dirs are the archive roots finished conversions are moved into.
type Dirs struct {
	Movies string
	TV     string
}

// TargetDir returns the archive root for the item's kind.
func TargetDir(item Item, dirs Dirs) string {
	switch item.Kind {
	case KindMovie:
		return dirs.Movies
	case KindEpisode:
		return dirs.TV
	default:
		return ""
	}
}

// CleanName returns the canonical name used for the output folder, the
// output file and the subtitle. lookup may be nil.
func CleanName(ctx context.Context, item Item, lookup MovieLookup) string {
	base := filepath.Base(item.Source)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	var name string
	switch item.Kind {
	case KindMovie:
		name = MovieName(ctx, base, lookup)
	case KindEpisode:
		name = EpisodeName(base)
	}
	if name == "" {
		return stem
	}
	return name
}

var videoExtensions = map[string]bool{
	".mkv": true,
	".mp4": true,
	".avi": true,
	".m4v": true,
	".mov": true,
}

// Extensions scanned when a season folder is expanded.
var EpisodeExtensions = []string{".mkv", ".mp4", ".avi", ".m4v"}

// Extensions considered when picking the feature out of a movie folder.
var MovieExtensions = []string{".mkv", ".mp4", ".avi", ".mov"}

// IsVideoFile returns true if the path has a known video extension.
func IsVideoFile(path string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(path))]
}

// HasExtension reports whether path ends in one of exts, case-insensitively.
func HasExtension(path string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
