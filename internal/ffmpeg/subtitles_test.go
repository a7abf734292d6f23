package ffmpeg

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSubtitleExtension(t *testing.T) {
	tests := []struct {
		codec    string
		expected string
		known    bool
	}{
		{"subrip", "srt", true},
		{"srt", "srt", true},
		{"mov_text", "srt", true},
		{"ass", "ass", true},
		{"ssa", "ssa", true},
		{"webvtt", "vtt", true},
		{"dvd_subtitle", "sub", true},
		{"dvb_subtitle", "sub", true},
		{"hdmv_pgs_subtitle", "sup", true},
		{"pgs", "sup", true},
		{"text", "txt", true},

		// Case and whitespace are normalised
		{"SubRip", "srt", true},
		{" ASS ", "ass", true},

		// Partial match
		{"hdmv_text_subtitle", "txt", true},

		// Unknown codecs fall back to srt
		{"eia_608", "srt", false},
		{"", "srt", false},
	}

	for _, tt := range tests {
		ext, ok := SubtitleExtension(tt.codec)
		if ext != tt.expected || ok != tt.known {
			t.Errorf("SubtitleExtension(%q) = (%s, %v), expected (%s, %v)", tt.codec, ext, ok, tt.expected, tt.known)
		}
	}
}

func TestExtractSubtitleCommand(t *testing.T) {
	srt := ExtractSubtitleCommand("ffmpeg", "mkvextract", "/in/a.mkv", 3, "subrip", "/in/A.default.ro.srt")
	if diff := cmp.Diff(&Command{
		Path: "ffmpeg",
		Args: []string{"-y", "-hide_banner", "-i", "/in/a.mkv", "-map", "0:3", "/in/A.default.ro.srt"},
	}, srt); diff != "" {
		t.Errorf("subrip command mismatch (-want +got):\n%s", diff)
	}

	pgs := ExtractSubtitleCommand("ffmpeg", "mkvextract", "/in/a.mkv", 5, "hdmv_pgs_subtitle", "/in/A.en.sup")
	if diff := cmp.Diff(&Command{
		Path: "mkvextract",
		Args: []string{"tracks", "/in/a.mkv", "5:/in/A.en.sup"},
	}, pgs); diff != "" {
		t.Errorf("mkvextract command mismatch (-want +got):\n%s", diff)
	}
}

func TestExecReportsStderr(t *testing.T) {
	requireShell(t)

	err := Exec(context.Background(), shell("echo broken >&2; exit 2"))
	if err == nil {
		t.Fatal("expected error")
	}
	if got := err.Error(); !strings.Contains(got, "broken") {
		t.Errorf("expected stderr in error, got %s", got)
	}
	if err := Exec(context.Background(), shell("exit 0")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
