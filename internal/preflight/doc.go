// Package preflight provides readiness checks for the external tools and
// study paths anatprep depends on.
//
// These checks run in two contexts:
//   - Every stage command checks the tools it needs before taking the
//     session lock, so a missing binary fails fast instead of mid-run.
//   - The CLI "anatprep status" command reports study structure and tool
//     availability alongside tracker state.
package preflight
