package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// subtitleCodecs maps ffprobe codec names to the file extension the stream
// is written with. Order matters for the partial-match fallback.
var subtitleCodecs = []struct {
	codec string
	ext   string
}{
	{"subrip", "srt"},
	{"srt", "srt"},
	{"ass", "ass"},
	{"ssa", "ssa"},
	{"webvtt", "vtt"},
	{"mov_text", "srt"},
	{"dvb_subtitle", "sub"},
	{"hdmv_pgs_subtitle", "sup"},
	{"dvd_subtitle", "sub"},
	{"pgs", "sup"},
	{"text", "txt"},
}

// SubtitleExtension returns the extension (without dot) for a subtitle codec.
// Codecs that only contain a known name match that name; anything else
// falls back to "srt" with ok false.
func SubtitleExtension(codec string) (ext string, ok bool) {
	codec = strings.ToLower(strings.TrimSpace(codec))
	for _, c := range subtitleCodecs {
		if c.codec == codec {
			return c.ext, true
		}
	}
	if codec != "" {
		for _, c := range subtitleCodecs {
			if strings.Contains(codec, c.codec) {
				return c.ext, true
			}
		}
	}
	return "srt", false
}

// ExtractSubtitleCommand writes subtitle stream index of input to output.
// SubRip goes through ffmpeg; every other codec is pulled out unchanged with
// mkvextract.
func ExtractSubtitleCommand(ffmpegPath, mkvextractPath, input string, index int, codec, output string) *Command {
	if strings.ToLower(codec) == "subrip" {
		return &Command{
			Path: ffmpegPath,
			Args: []string{"-y", "-hide_banner", "-i", input, "-map", "0:" + strconv.Itoa(index), output},
		}
	}
	return &Command{
		Path: mkvextractPath,
		Args: []string{"tracks", input, strconv.Itoa(index) + ":" + output},
	}
}

// ConvertSubtitleCommand re-muxes a subtitle file into the format implied by
// output's extension, e.g. MicroDVD .sub to .srt.
func ConvertSubtitleCommand(ffmpegPath, input, output string) *Command {
	return &Command{
		Path: ffmpegPath,
		Args: []string{"-y", "-hide_banner", "-i", input, output},
	}
}

// Exec runs a short helper command to completion, returning its stderr in
// the error on failure.
func Exec(ctx context.Context, cmd *Command) error {
	out, err := exec.CommandContext(ctx, cmd.Path, cmd.Args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return fmt.Errorf("%s failed: %w: %s", cmd.Path, err, msg)
	}
	return nil
}
