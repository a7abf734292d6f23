package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gwlsn/stepdown/internal/media"
)

// SubtitleStream contains metadata about a subtitle stream.
// Index is the absolute stream index (used with -map 0:N), not subtitle-relative.
type SubtitleStream struct {
	Index     int    // Absolute stream index in the file (for -map 0:N)
	CodecName string // e.g., "mov_text", "subrip", "hdmv_pgs_subtitle"
	Language  string // raw language tag, lowercased; empty when untagged
}

// ProbeResult contains metadata about a video file
type ProbeResult struct {
	Path        string        `json:"path"`
	Size        int64         `json:"size"`
	Duration    time.Duration `json:"duration"`
	Format      string        `json:"format"`
	VideoCodec  string        `json:"video_codec"`
	Width       int           `json:"width"`
	Height      int           `json:"height"`
	FrameRate   float64       `json:"frame_rate"`
	Profile     string        `json:"profile"` // lowercased, e.g. "high", "high 10", "main 10"
	PixelFormat string        `json:"pix_fmt"`
	BitDepth    int           `json:"bit_depth"`
	AudioTracks []int         `json:"audio_tracks"`
}

// StreamInfo returns the primary video stream, or media.ErrValidation when
// the file has none that can be encoded.
func (r *ProbeResult) StreamInfo() (*media.StreamInfo, error) {
	info := &media.StreamInfo{
		Width:       r.Width,
		Height:      r.Height,
		Codec:       r.VideoCodec,
		Profile:     r.Profile,
		PixFmt:      r.PixelFormat,
		AudioTracks: r.AudioTracks,
	}
	if !info.Resolved() {
		return nil, fmt.Errorf("%w: %s has no video stream with known dimensions", media.ErrValidation, r.Path)
	}
	return info, nil
}

// ffprobeOutput represents the JSON output from ffprobe
type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type ffprobeStream struct {
	Index            int               `json:"index"`
	CodecType        string            `json:"codec_type"`
	CodecName        string            `json:"codec_name"`
	Width            int               `json:"width"`
	Height           int               `json:"height"`
	RFrameRate       string            `json:"r_frame_rate"`
	AvgFrameRate     string            `json:"avg_frame_rate"`
	Profile          string            `json:"profile"`
	PixelFormat      string            `json:"pix_fmt"`
	BitsPerRawSample string            `json:"bits_per_raw_sample"`
	Tags             map[string]string `json:"tags"`
}

// Prober wraps ffprobe functionality
type Prober struct {
	ffprobePath string
}

// NewProber creates a new Prober with the given ffprobe path
func NewProber(ffprobePath string) *Prober {
	return &Prober{ffprobePath: ffprobePath}
}

// Probe returns metadata about a video file
func (p *Prober) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	output, err := p.run(ctx,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, err
	}
	return parseProbeOutput(path, output)
}

// StreamInfo probes path and returns its primary video stream.
func (p *Prober) StreamInfo(ctx context.Context, path string) (*media.StreamInfo, error) {
	result, err := p.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return result.StreamInfo()
}

// ProbeSubtitles returns subtitle stream info for a file.
// Returns nil slice if no subtitle streams exist.
func (p *Prober) ProbeSubtitles(ctx context.Context, path string) ([]SubtitleStream, error) {
	output, err := p.run(ctx,
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "s", // Only subtitle streams
		path,
	)
	if err != nil {
		return nil, err
	}
	return parseSubtitleStreams(output)
}

func (p *Prober) run(ctx context.Context, args ...string) ([]byte, error) {
	output, err := exec.CommandContext(ctx, p.ffprobePath, args...).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("ffprobe failed: %s", strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}
	return output, nil
}

func parseProbeOutput(path string, output []byte) (*ProbeResult, error) {
	var probeOutput ffprobeOutput
	if err := json.Unmarshal(output, &probeOutput); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{
		Path:   path,
		Format: probeOutput.Format.FormatName,
	}

	if probeOutput.Format.Size != "" {
		result.Size, _ = strconv.ParseInt(probeOutput.Format.Size, 10, 64)
	}
	if probeOutput.Format.Duration != "" {
		durationSec, _ := strconv.ParseFloat(probeOutput.Format.Duration, 64)
		result.Duration = time.Duration(durationSec * float64(time.Second))
	}

	for i := range probeOutput.Streams {
		stream := &probeOutput.Streams[i]
		switch stream.CodecType {
		case "video":
			// Cover art is stored as a video stream; skip it.
			if result.VideoCodec != "" || isAttachedPicture(stream.CodecName) {
				continue
			}
			result.VideoCodec = strings.ToLower(stream.CodecName)
			result.Width = stream.Width
			result.Height = stream.Height
			result.FrameRate = parseFrameRate(stream.RFrameRate)
			if result.FrameRate == 0 {
				result.FrameRate = parseFrameRate(stream.AvgFrameRate)
			}
			result.Profile = strings.ToLower(stream.Profile)
			result.PixelFormat = stream.PixelFormat
			if stream.BitsPerRawSample != "" {
				result.BitDepth, _ = strconv.Atoi(stream.BitsPerRawSample)
			}
			if result.BitDepth == 0 {
				result.BitDepth = inferBitDepth(stream.PixelFormat)
			}
		case "audio":
			result.AudioTracks = append(result.AudioTracks, stream.Index)
		}
	}

	return result, nil
}

func parseSubtitleStreams(output []byte) ([]SubtitleStream, error) {
	var probeOutput ffprobeOutput
	if err := json.Unmarshal(output, &probeOutput); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	var subtitles []SubtitleStream
	for _, stream := range probeOutput.Streams {
		if stream.CodecType != "subtitle" {
			continue
		}
		subtitles = append(subtitles, SubtitleStream{
			Index:     stream.Index,
			CodecName: stream.CodecName,
			Language:  strings.ToLower(strings.TrimSpace(stream.Tags["language"])),
		})
	}
	return subtitles, nil
}

func isAttachedPicture(codec string) bool {
	switch strings.ToLower(codec) {
	case "mjpeg", "png", "bmp":
		return true
	}
	return false
}

// parseFrameRate parses a frame rate string like "30000/1001" or "30/1"
func parseFrameRate(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	num, _ := strconv.ParseFloat(parts[0], 64)
	den, _ := strconv.ParseFloat(parts[1], 64)
	if den == 0 {
		return 0
	}
	return num / den
}

// inferBitDepth attempts to determine bit depth from pixel format string
func inferBitDepth(pixFmt string) int {
	if pixFmt == "" {
		return 8
	}
	if strings.Contains(pixFmt, "10le") || strings.Contains(pixFmt, "10be") || strings.Contains(pixFmt, "p010") {
		return 10
	}
	if strings.Contains(pixFmt, "12le") || strings.Contains(pixFmt, "12be") {
		return 12
	}
	return 8
}
