package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gp-session-sync/internal/models"
)

// FileSink appends one tab-separated line per event: detection timestamp, username, date,
// time, original hostname, OS, IP and region, then the attempted hostname, OS, IP and region.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	return &FileSink{path: path}, nil
}

func (s *FileSink) Append(_ context.Context, event models.DuplicateSessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	if _, err := f.WriteString(FormatRecord(event)); err != nil {
		f.Close()
		return fmt.Errorf("write audit record: %w", err)
	}
	return f.Close()
}

// FormatRecord renders event as one newline-terminated TSV line.
func FormatRecord(event models.DuplicateSessionEvent) string {
	at := event.DetectedAt
	fields := []string{
		at.Format(time.RFC3339),
		event.Username,
		at.Format("2006-01-02"),
		at.Format("15:04:05"),
		event.Original.Hostname,
		event.Original.OS,
		event.Original.SourceIP,
		event.Original.Region,
		event.Attempted.Hostname,
		event.Attempted.OS,
		event.Attempted.SourceIP,
		event.Attempted.Region,
	}
	for i, f := range fields {
		fields[i] = tsvEscaper.Replace(f)
	}
	return strings.Join(fields, "\t") + "\n"
}

var tsvEscaper = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")
