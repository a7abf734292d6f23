package media

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLookup struct {
	match *MovieMatch
	err   error

	gotRaw, gotQuery, gotYear string
}

func (f *fakeLookup) LookupMovie(_ context.Context, raw, query, year string) (*MovieMatch, error) {
	f.gotRaw, f.gotQuery, f.gotYear = raw, query, year
	return f.match, f.err
}

func TestMovieNameFallback(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"The.Matrix.1999.1080p.BluRay.x264.mkv", "The.Matrix.1999"},
		{"Inception 2010 [1080p].mp4", "Inception.2010"},
		{"Some_Movie_720p_WEB-DL.mkv", "Some.Movie"},
		{"Amélie.2001.DVDRip.avi", "Amelie.2001"},
		{"Plain Title.mkv", "Plain.Title"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, MovieName(context.Background(), tt.in, nil))
		})
	}
}

func TestMovieNameUsesLookup(t *testing.T) {
	lookup := &fakeLookup{match: &MovieMatch{Title: "Spider-Man: No Way Home", Year: "2021"}}
	got := MovieName(context.Background(), "Spider-Man.No.Way.Home.2021.2160p.mkv", lookup)

	assert.Equal(t, "SpiderMan.No.Way.Home.2021", got)
	assert.Equal(t, "Spider-Man No Way Home", lookup.gotQuery)
	assert.Equal(t, "2021", lookup.gotYear)
	assert.Equal(t, "Spider-Man.No.Way.Home.2021.2160p.mkv", lookup.gotRaw)
}

func TestMovieNameLookupMissOrErrorFallsBack(t *testing.T) {
	for _, lookup := range []*fakeLookup{
		{},
		{err: errors.New("boom")},
		{match: &MovieMatch{Title: "???"}},
	} {
		got := MovieName(context.Background(), "Heat.1995.Remastered.mkv", lookup)
		assert.Equal(t, "Heat.1995", got)
	}
}

func TestMovieQueryWithoutYear(t *testing.T) {
	query, year := movieQuery("Heat [Remastered] (Director's Cut) 1080p x264")
	assert.Equal(t, "Heat", query)
	assert.Empty(t, year)
}

func TestEpisodeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Show.Name.S01E02.1080p.WEB-DL.mkv", "Show.Name.S01E02"},
		{"show name s03e10 720p.mkv", "show name s03e10"},
		{"Show.Name.1x02.720p.HDTV.mkv", "Show.Name.1x02"},
		{"Show.Name.Special.HDTV.x264.mp4", "Show.Name.Special"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EpisodeName(tt.in), tt.in)
	}
}

func TestSeasonFolderName(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Season.01", "Season01", true},
		{"Season 1", "Season01", true},
		{"season_12", "Season12", true},
		{"Breaking.Bad.S02.1080p", "Season02", true},
		{"Season01", "Season01", true},
		{"Extras", "", false},
	}
	for _, tt := range tests {
		got, ok := SeasonFolderName(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFoldDiacritics(t *testing.T) {
	assert.Equal(t, "Stefan si Tara", FoldDiacritics("Ștefan și Țara"))
	assert.Equal(t, "plain", FoldDiacritics("plain"))
}

func TestNewItemValidation(t *testing.T) {
	stream := &StreamInfo{Width: 1920, Height: 1080, Codec: "h264", PixFmt: "yuv420p"}

	item, err := NewItem(KindMovie, "/m/a.mkv", stream)
	require.NoError(t, err)
	assert.Equal(t, KindMovie, item.Kind)

	_, err = NewItem(KindUnknown, "/m/a.mkv", stream)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewItem(KindEpisode, "/t/a.mkv", &StreamInfo{Codec: "h264"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = NewItem(KindEpisode, "/t/a.mkv", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSignature(t *testing.T) {
	stream := &StreamInfo{Width: 1920, Height: 1080, Codec: "hevc", Profile: "main 10", PixFmt: "yuv420p10le"}
	sig := stream.Signature()
	assert.True(t, sig.Valid())
	assert.Equal(t, "1920x1080/hevc/yuv420p10le", sig.String())

	stream.PixFmt = ""
	assert.True(t, stream.Resolved(), "pixel format is not needed to encode")
	assert.False(t, stream.Signature().Valid(), "but it is needed for the heuristic key")

	var none *StreamInfo
	assert.False(t, none.Signature().Valid())
}

func TestParseSignature(t *testing.T) {
	sig, err := ParseSignature("1920x1080/hevc/yuv420p10le")
	require.NoError(t, err)
	assert.Equal(t, Signature{Width: 1920, Height: 1080, Codec: "hevc", PixFmt: "yuv420p10le"}, sig)

	for _, bad := range []string{"", "1920x1080/hevc", "wide/hevc/yuv420p", "0x0/hevc/yuv420p", "1920x1080//yuv420p"} {
		_, err := ParseSignature(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestTargetDirAndCleanName(t *testing.T) {
	dirs := Dirs{Movies: "/archive/movies", TV: "/archive/tv"}
	stream := &StreamInfo{Width: 1280, Height: 720, Codec: "h264"}

	movie := Item{Kind: KindMovie, Source: "/in/movies/Heat (1995)/Heat.1995.1080p.mkv", Stream: stream}
	episode := Item{Kind: KindEpisode, Source: "/in/tv/Show/Season01/Show.S01E01.720p.mkv", Stream: stream}

	assert.Equal(t, "/archive/movies", TargetDir(movie, dirs))
	assert.Equal(t, "/archive/tv", TargetDir(episode, dirs))
	assert.Empty(t, TargetDir(Item{}, dirs))

	assert.Equal(t, "Heat.1995", CleanName(context.Background(), movie, nil))
	assert.Equal(t, "Show.S01E01", CleanName(context.Background(), episode, nil))
}

func TestIsVideoFile(t *testing.T) {
	assert.True(t, IsVideoFile("/a/b.MKV"))
	assert.True(t, IsVideoFile("/a/b.m4v"))
	assert.False(t, IsVideoFile("/a/b.srt"))
	assert.True(t, HasExtension("/a/b.AVI", EpisodeExtensions))
	assert.False(t, HasExtension("/a/b.mov", EpisodeExtensions))
	assert.True(t, HasExtension("/a/b.mov", MovieExtensions))
}
