// Package errors provides structured, actionable errors for Moondream Station.
//
// Every failure that crosses a component boundary carries a stable code,
// a category, and enough context for the admin surface to render something
// a person can act on:
//   - A short message describing what failed
//   - An optional detail paragraph and fix suggestion
//   - The component the failure relates to, when known
//   - The wrapped underlying error for errors.Is/As interop
//
// # Error Categories
//
// Errors are organized into categories:
//   - manifest: fetching, parsing, or validating the release manifest
//   - version: version and revision string handling
//   - process: subprocess lifecycle (start, crash, health)
//   - update: the update state machine and its gates
//   - fetch: artifact download, checksum, and extraction
//   - config: station configuration load/save
//   - storage: the update history ledger
//
// # Error Codes
//
// Each registered code (e.g. "E203") maps to a category, message, and
// detail in the code registry. Callers match on codes rather than message
// text:
//
//	if errors.HasCode(err, errors.CodeAlreadyUpdating) {
//	    // reject the duplicate request
//	}
package errors
