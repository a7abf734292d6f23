package jobs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Backlog reads paths appended to a text file, one per line. It remembers
// how far it got, so each call returns only lines added since the last one.
// A file that shrinks is assumed to have been truncated or replaced and is
// read again from the start; re-reading is harmless because enqueueing is
// idempotent.
type Backlog struct {
	path string

	mu      sync.Mutex
	offset  int64
	partial []byte   // trailing bytes not yet terminated by a newline
	unread  []string // lines handed back by Unread, returned first
}

// NewBacklog creates a reader for the backlog file at path.
func NewBacklog(path string) *Backlog {
	return &Backlog{path: path}
}

// Path returns the backlog file path.
func (b *Backlog) Path() string {
	return b.path
}

// ReadNew returns the complete lines appended since the previous call,
// preceded by any lines given back through Unread. Blank lines and lines
// starting with '#' are skipped; trailing whitespace is trimmed. A missing
// file yields no new lines.
func (b *Backlog) ReadNew() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lines, err := b.readFile()
	if err != nil {
		return nil, err
	}
	if len(b.unread) > 0 {
		lines = append(b.unread, lines...)
		b.unread = nil
	}
	return lines, nil
}

// Unread hands lines back so the next ReadNew returns them again. Callers use
// it for lines they failed to act on.
func (b *Backlog) Unread(lines []string) {
	if len(lines) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unread = append(append([]string(nil), lines...), b.unread...)
}

func (b *Backlog) readFile() ([]string, error) {
	f, err := os.Open(b.path)
	if errors.Is(err, os.ErrNotExist) {
		b.offset, b.partial = 0, nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open backlog: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat backlog: %w", err)
	}
	if info.Size() < b.offset {
		b.offset, b.partial = 0, nil
	}
	if info.Size() == b.offset {
		return nil, nil
	}

	if _, err := f.Seek(b.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek backlog: %w", err)
	}
	data, err := io.ReadAll(io.LimitReader(f, info.Size()-b.offset))
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	b.offset += int64(len(data))

	buf := append(b.partial, data...)
	last := bytes.LastIndexByte(buf, '\n')
	if last < 0 {
		b.partial = buf
		return nil, nil
	}
	b.partial = append([]byte(nil), buf[last+1:]...)

	var lines []string
	for _, raw := range strings.Split(string(buf[:last]), "\n") {
		line := strings.TrimRight(raw, " \t\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Append adds paths to the backlog file, one per line, in a single write.
// Paths containing a newline are refused.
func (b *Backlog) Append(paths ...string) error {
	var buf bytes.Buffer
	for _, p := range paths {
		if strings.ContainsAny(p, "\r\n") {
			return fmt.Errorf("backlog path contains a newline: %q", p)
		}
		buf.WriteString(p)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return nil
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open backlog: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("append backlog: %w", err)
	}
	return f.Close()
}
