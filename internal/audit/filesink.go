package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxFileSize is the rotation threshold for a single log file.
const DefaultMaxFileSize = 64 << 20 // 64 MiB

// FileSink writes signed entries as line-delimited JSON, partitioned by
// day. When the current file exceeds maxSize it is rotated with a numeric
// suffix; files are append-only and never rewritten.
type FileSink struct {
	dir     string
	maxSize int64
	now     func() time.Time

	mu sync.Mutex
}

// NewFileSink creates a sink rooted at dir, creating it if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("audit: create sink dir: %w", err)
	}
	return &FileSink{dir: dir, maxSize: DefaultMaxFileSize, now: time.Now}, nil
}

// WithMaxSize overrides the rotation threshold. For tests.
func (s *FileSink) WithMaxSize(n int64) *FileSink {
	s.maxSize = n
	return s
}

// WithNow overrides the clock. For tests.
func (s *FileSink) WithNow(now func() time.Time) *FileSink {
	s.now = now
	return s
}

// WriteBatch appends entries to the current day's partition.
func (s *FileSink) WriteBatch(entries []*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.currentPath()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("audit: open sink file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("audit: marshal entry %s: %w", e.ID, err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("audit: write sink file: %w", err)
		}
	}
	return nil
}

// currentPath returns today's partition, rotating past maxSize.
func (s *FileSink) currentPath() (string, error) {
	day := s.now().UTC().Format("2006-01-02")
	base := filepath.Join(s.dir, "audit-"+day+".log")

	path := base
	for seq := 1; ; seq++ {
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return path, nil
		}
		if err != nil {
			return "", fmt.Errorf("audit: stat sink file: %w", err)
		}
		if info.Size() < s.maxSize {
			return path, nil
		}
		path = filepath.Join(s.dir, fmt.Sprintf("audit-%s.%d.log", day, seq))
	}
}

// ReadAll reads every entry from every partition in dir, in file order.
// Used by compliance export tooling.
func (s *FileSink) ReadAll() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "audit-*.log"))
	if err != nil {
		return nil, err
	}

	var entries []*Entry
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("audit: read sink file: %w", err)
		}
		for _, line := range splitLines(data) {
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return nil, fmt.Errorf("audit: corrupt sink line in %s: %w", p, err)
			}
			entries = append(entries, &e)
		}
	}
	return entries, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
