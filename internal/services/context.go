package services

import "context"

type contextKey string

const (
	subjectKey   contextKey = "subject"
	sessionKey   contextKey = "session"
	stageKey     contextKey = "stage"
	iterationKey contextKey = "iteration"
	runIDKey     contextKey = "run_id"
)

// WithSubject annotates context with the subject label (without the sub- prefix).
func WithSubject(ctx context.Context, subject string) context.Context {
	if subject == "" {
		return ctx
	}
	return context.WithValue(ctx, subjectKey, subject)
}

// SubjectFromContext returns the subject label if present.
func SubjectFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, subjectKey)
}

// WithSession annotates context with the session label (without the ses- prefix).
func WithSession(ctx context.Context, session string) context.Context {
	if session == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, session)
}

// SessionFromContext returns the session label if present.
func SessionFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, sessionKey)
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, stageKey)
}

// WithIteration annotates context with the active brainmask iteration.
func WithIteration(ctx context.Context, iteration int) context.Context {
	if iteration <= 0 {
		return ctx
	}
	return context.WithValue(ctx, iterationKey, iteration)
}

// IterationFromContext extracts the brainmask iteration if present.
func IterationFromContext(ctx context.Context) (int, bool) {
	v, ok := ctx.Value(iterationKey).(int)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// WithRunID annotates context with the run correlation identifier.
func WithRunID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run correlation identifier if present.
func RunIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, runIDKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
