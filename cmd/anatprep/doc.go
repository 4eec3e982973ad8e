// Package main hosts the anatprep CLI entrypoint and command graph.
//
// Each pipeline stage is a subcommand that resolves the study, checks the
// external tools it needs and runs the stage once per selected session.
// The remaining commands read or adjust the iteration state (status,
// iteration, history), inspect images, and scaffold configuration.
package main
