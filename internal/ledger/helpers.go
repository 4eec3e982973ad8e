package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *Store) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = s.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

func scanRun(scanner interface{ Scan(dest ...any) error }) (Run, error) {
	var (
		run                          Run
		status                       string
		force                        int
		host, logPath, outputs, errM sql.NullString
		started                      string
		finished                     sql.NullString
	)
	if err := scanner.Scan(&run.ID, &run.Subject, &run.Session, &run.Stage, &run.Iteration, &status, &force,
		&host, &logPath, &outputs, &errM, &started, &finished); err != nil {
		return Run{}, err
	}
	run.Status = Status(status)
	run.Force = force != 0
	run.Host = host.String
	run.LogPath = logPath.String
	run.Error = errM.String
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &run.Outputs); err != nil {
			return Run{}, fmt.Errorf("decode outputs of %s: %w", run.ID, err)
		}
	}
	ts, err := parseTimeString(started)
	if err != nil {
		return Run{}, fmt.Errorf("parse started_at of %s: %w", run.ID, err)
	}
	run.StartedAt = ts
	if finished.Valid && finished.String != "" {
		ts, err := parseTimeString(finished.String)
		if err != nil {
			return Run{}, fmt.Errorf("parse finished_at of %s: %w", run.ID, err)
		}
		run.FinishedAt = &ts
	}
	return run, nil
}

func encodeOutputs(outputs []string) (any, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	return string(data), nil
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, value)
}
