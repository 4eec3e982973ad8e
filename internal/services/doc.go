// Package services defines shared utilities consumed by the pipeline stage
// handlers and the external tool wrappers.
//
// Key responsibilities:
//   - Context helpers that stamp subject, session, stage, iteration, and run
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper so the CLI can tell an
//     operator whether to fix configuration, inputs, or a tool installation.
//
// Use these helpers when wiring new stage logic so error handling and
// observability stay uniform across the pipeline.
package services
