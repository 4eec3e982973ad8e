// Package logging assembles structured slog loggers and formatting helpers used
// across anatprep commands and stages.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so stage code can automatically
// tag log lines with subject, session, stage, iteration, and run identifiers.
// Stage runs tee their records into a per-session log file that also
// receives the raw output of the external tools they launch.
//
// Prefer these constructors over hand-rolled slog setup so every command emits
// records with the same shape.
package logging
