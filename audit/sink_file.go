package audit

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink writes batches to a rotating local file in the exact
// format described in §6: a header line, a timestamp and batch size,
// one line per entry, and a trailing footer.
type FileSink struct {
	w io.WriteCloser
}

// FileSinkConfig configures rotation for FileSink.
type FileSinkConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewFileSink opens (or creates) the target file with size-based
// rotation via lumberjack.
func NewFileSink(cfg FileSinkConfig) *FileSink {
	return &FileSink{
		w: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		},
	}
}

// WriteBatch writes one batch as a single unit: header, entries,
// footer, matching §6's audit file format exactly.
func (s *FileSink) WriteBatch(entries []Event) error {
	if len(entries) == 0 {
		return nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var buf []byte
	buf = append(buf, "=== Batch Audit Log ===\n"...)
	buf = append(buf, fmt.Sprintf("Timestamp: %s\n", now)...)
	buf = append(buf, fmt.Sprintf("Batch Size: %d\n", len(entries))...)
	buf = append(buf, "Entries:\n"...)
	for _, e := range entries {
		buf = append(buf, fmt.Sprintf("[%s] %s: %s\n", e.Timestamp.UTC().Format(time.RFC3339), e.Action, e.Message)...)
	}
	buf = append(buf, "=== End Batch ===\n"...)

	_, err := s.w.Write(buf)
	return err
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	return s.w.Close()
}
