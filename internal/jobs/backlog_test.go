package jobs_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/gwlsn/stepdown/internal/jobs"
)

func appendFile(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatal(err)
	}
}

func TestBacklogReadsOnlyNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.txt")
	b := jobs.NewBacklog(path)

	lines, err := b.ReadNew()
	if err != nil || lines != nil {
		t.Fatalf("missing file: got %v, %v", lines, err)
	}

	appendFile(t, path, "/a.mkv\n\n# comment\n/b.mkv  \r\n")
	lines, err = b.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"/a.mkv", "/b.mkv"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("got %q, expected %q", lines, want)
	}

	lines, _ = b.ReadNew()
	if len(lines) != 0 {
		t.Errorf("expected nothing new, got %q", lines)
	}

	appendFile(t, path, "/c.mkv\n")
	lines, _ = b.ReadNew()
	if want := []string{"/c.mkv"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("got %q, expected %q", lines, want)
	}
}

func TestBacklogHoldsPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.txt")
	b := jobs.NewBacklog(path)

	appendFile(t, path, "/movies/Long Na")
	lines, _ := b.ReadNew()
	if len(lines) != 0 {
		t.Fatalf("partial line returned early: %q", lines)
	}

	appendFile(t, path, "me.mkv\n")
	lines, _ = b.ReadNew()
	if want := []string{"/movies/Long Name.mkv"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("got %q, expected %q", lines, want)
	}
}

func TestBacklogTruncationRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.txt")
	b := jobs.NewBacklog(path)

	appendFile(t, path, "/first/long/path.mkv\n/second/long/path.mkv\n")
	b.ReadNew()

	if err := os.WriteFile(path, []byte("/new.mkv\n"), 0644); err != nil {
		t.Fatal(err)
	}
	lines, _ := b.ReadNew()
	if want := []string{"/new.mkv"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("got %q, expected %q", lines, want)
	}

	os.Remove(path)
	lines, err := b.ReadNew()
	if err != nil || len(lines) != 0 {
		t.Errorf("removed file: got %q, %v", lines, err)
	}

	appendFile(t, path, "/again.mkv\n")
	lines, _ = b.ReadNew()
	if want := []string{"/again.mkv"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("got %q, expected %q", lines, want)
	}
}

func TestBacklogAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.txt")
	appendFile(t, path, "# added by hand\n")

	w := jobs.NewBacklog(path)
	if err := w.Append("/media/tv/Show", "/media/movies/Film"); err != nil {
		t.Fatal(err)
	}
	if err := w.Append("/bad\npath"); err == nil {
		t.Fatal("expected newline to be refused")
	}

	lines, err := jobs.NewBacklog(path).ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"/media/tv/Show", "/media/movies/Film"}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("got %q, want %q", lines, want)
	}
}

func TestBacklogUnreadReturnsLinesFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.txt")
	b := jobs.NewBacklog(path)

	appendFile(t, path, "/a.mkv\n/b.mkv\n")
	lines, err := b.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	b.Unread(lines[1:])

	appendFile(t, path, "/c.mkv\n")
	lines, err = b.ReadNew()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"/b.mkv", "/c.mkv"}; !reflect.DeepEqual(lines, want) {
		t.Errorf("got %q, expected %q", lines, want)
	}

	lines, _ = b.ReadNew()
	if len(lines) != 0 {
		t.Errorf("unread lines returned twice: %q", lines)
	}
}
