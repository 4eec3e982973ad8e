package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StageLog is an append-only log file for one stage of one session. Both
// slog records and raw external tool output land in it.
type StageLog struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// OpenStageLog opens (creating if needed) the log file at path and writes a
// banner separating this run from earlier ones.
func OpenStageLog(path, runID string) (*StageLog, error) {
	file, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	log := &StageLog{path: path, file: file}
	banner := fmt.Sprintf("\n===== %s run %s =====\n", time.Now().Format(logTimestampLayout), runID)
	if _, err := log.Write([]byte(banner)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("write log banner: %w", err)
	}
	return log, nil
}

// Path returns the file location.
func (l *StageLog) Path() string {
	return l.path
}

// Write appends p under the log's lock so tool output and records do not interleave mid-line.
func (l *StageLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return 0, os.ErrClosed
	}
	return l.file.Write(p)
}

// Logger returns base teed into the log file at debug level.
func (l *StageLog) Logger(base *slog.Logger) *slog.Logger {
	fileHandler := newPrettyHandler(l, slog.LevelDebug, false)
	return TeeLogger(base, fileHandler)
}

// Close flushes and closes the file.
func (l *StageLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

var _ io.Writer = (*StageLog)(nil)

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure log directory: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o664)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, nil
}
