// Package tracker persists per-session pipeline state across the iterative
// brainmask refinement loop.
//
// Each subject owns one JSON file, derivatives/anatprep/sub-<ID>/anatprep_state.json,
// keyed by subject then session. A record holds the active iteration, the
// status of every stage, the outputs each completed stage declared, and an
// append-only history. Stage status is derived from the filesystem at write
// time: a stage is completed only when every declared output exists and is
// non-empty.
//
// The tracker never runs tools and never locks the state file; writes go
// through a temp file and rename so readers never observe a torn file. An
// unreadable state file is treated as "no record" with a warning and is kept
// aside under a .corrupt suffix before the next write replaces it.
package tracker
