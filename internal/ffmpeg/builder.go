package ffmpeg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gwlsn/stepdown/internal/media"
)

// ErrInvalidCommand is returned when an encode command cannot be built.
var ErrInvalidCommand = errors.New("invalid encode command")

// Output geometry and pixel format every conversion is squeezed into.
const (
	targetWidth    = 1920
	targetHeight   = 1080
	targetHWFormat = "p010"
)

// QSVOptions are the encoder settings that do not change between tiers.
type QSVOptions struct {
	Device        string // render node handed to the QSV runtime
	GlobalQuality int    // ICQ quality, lower is better
	Denoise       int    // vpp_qsv denoise strength, 0 disables
}

// BuildSpec describes one encode attempt.
type BuildSpec struct {
	Binary string // ffmpeg executable, "ffmpeg" when empty
	Input  string
	Output string
	Stream *media.StreamInfo

	// Tier parameters
	BF         int
	LAD        int
	AsyncDepth int

	Options QSVOptions

	// Progress asks ffmpeg for key=value progress records on stdout.
	Progress bool
}

// Command is a fully resolved process invocation.
type Command struct {
	Path string
	Args []string
}

// String renders the command line for logs, quoting arguments with spaces.
func (c *Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Path)
	for _, arg := range c.Args {
		if arg == "" || strings.ContainsAny(arg, " \t'\"") {
			arg = strconv.Quote(arg)
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}

// SoftwareDecode reports whether the QSV decoder cannot take stream, in
// which case frames are decoded on the CPU and uploaded for encoding.
func SoftwareDecode(stream *media.StreamInfo) bool {
	codec := strings.ToLower(stream.Codec)
	profile := strings.ToLower(stream.Profile)

	switch codec {
	case "hevc", "h264", "vp9":
	default:
		return true
	}

	if profile == "high 4:4:4 predictive" || profile == "high 10" {
		return true
	}

	// No Intel generation decodes 10-bit H.264
	if codec == "h264" && inferBitDepth(stream.PixFmt) >= 10 {
		return true
	}

	return false
}

// Build assembles the hevc_qsv encode for one tier. It has no side effects.
func Build(spec BuildSpec) (*Command, error) {
	if spec.Output == "" {
		return nil, fmt.Errorf("%w: output path not set", ErrInvalidCommand)
	}
	if spec.Input == "" {
		return nil, fmt.Errorf("%w: input path not set", ErrInvalidCommand)
	}
	if !spec.Stream.Resolved() {
		return nil, fmt.Errorf("%w: stream info missing for %s", ErrInvalidCommand, spec.Input)
	}

	binary := spec.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	stream := spec.Stream
	software := SoftwareDecode(stream)

	args := []string{"-y", "-hide_banner"}
	if spec.Progress {
		args = append(args, "-progress", "pipe:1", "-nostats")
	}

	// Decode
	if software {
		args = append(args,
			"-init_hw_device", "qsv=hw,child_device="+spec.Options.Device,
			"-filter_hw_device", "hw",
			"-threads", "6",
		)
	} else {
		args = append(args,
			"-hwaccel", "qsv",
			"-qsv_device", spec.Options.Device,
			"-hwaccel_output_format", "qsv",
		)
	}
	args = append(args, "-thread_queue_size", "4096", "-i", spec.Input)

	// Streams: first video, every audio track, no chapters
	args = append(args, "-map", "0:v:0")
	if len(stream.AudioTracks) > 0 {
		for _, idx := range stream.AudioTracks {
			args = append(args, "-map", "0:"+strconv.Itoa(idx))
		}
	} else {
		args = append(args, "-map", "0:a?")
	}
	args = append(args, "-map_chapters", "-1")

	args = append(args, "-vf", videoFilter(stream, spec.Options.Denoise, software))

	args = append(args,
		"-c:v", "hevc_qsv",
		"-profile:v", "main10",
		"-level:v", "5.1",
		"-preset", "veryslow",
		"-global_quality", strconv.Itoa(spec.Options.GlobalQuality),
		"-b:v", "0",
		"-look_ahead", "1",
		"-look_ahead_depth", strconv.Itoa(spec.LAD),
		"-async_depth", strconv.Itoa(spec.AsyncDepth),
		"-bf", strconv.Itoa(spec.BF),
		"-b_strategy", "1",
		"-g", "600",
		"-mbbrc", "1",
		"-rc_mode", "icq",
	)

	args = append(args,
		"-c:a", "aac",
		"-max_muxing_queue_size", "9999",
		"-avoid_negative_ts", "make_zero",
		"-movflags", "+faststart",
		spec.Output,
	)

	return &Command{Path: binary, Args: args}, nil
}

func videoFilter(stream *media.StreamInfo, denoise int, software bool) string {
	var parts []string
	if denoise > 0 {
		parts = append(parts, "denoise="+strconv.Itoa(denoise))
	}
	if stream.Width != targetWidth || stream.Height != targetHeight {
		parts = append(parts, fmt.Sprintf("w=%d:h=%d", targetWidth, targetHeight))
	}
	parts = append(parts, "format="+targetHWFormat)

	vpp := "vpp_qsv=" + strings.Join(parts, ":")
	if !software {
		return vpp
	}

	upload := "nv12"
	if inferBitDepth(stream.PixFmt) >= 10 {
		upload = "p010le"
	}
	return "format=" + upload + ",hwupload=extra_hw_frames=64," + vpp
}
