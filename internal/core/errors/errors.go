// Package errors provides centralized error definitions for feed discovery.
// Errors are organized by stage to avoid duplication and provide consistent naming.
//
// Naming conventions:
//   - Exported errors (Err*): Use for errors that callers need to check with errors.Is
//   - Unexported errors (err*): Use for internal package errors
//   - All sentinel errors should be defined as variables, not inline errors.New calls
//   - Use fmt.Errorf with %w to wrap sentinel errors with context
package errors

import "errors"

// Input errors.
var (
	// ErrMalformedInput indicates the URL passed to an analysis cannot be normalized.
	// It is returned synchronously, before any stage starts.
	ErrMalformedInput = errors.New("malformed input")
)

// Fetch errors.
var (
	// ErrFetch indicates the page content could not be obtained. It is fatal to
	// content-dependent work only.
	ErrFetch = errors.New("fetch failed")

	// ErrNetwork indicates a transport-level failure inside the page fetcher.
	ErrNetwork = errors.New("network error")

	// ErrHTTPStatus indicates a non-2xx response status.
	ErrHTTPStatus = errors.New("unexpected HTTP status")
)

// Script errors. Both are scoped to a single rule and never abort an analysis.
var (
	// ErrScriptTimeout indicates a rule script exceeded its execution budget.
	ErrScriptTimeout = errors.New("script timeout")

	// ErrScriptRuntimeFault indicates a rule script raised or returned an invalid value.
	ErrScriptRuntimeFault = errors.New("script runtime fault")
)

// Gateway errors.
var (
	// ErrValidationTimeout indicates no gateway base URL validated before the deadline.
	ErrValidationTimeout = errors.New("gateway validation timeout")

	// ErrProbeRejected indicates a gateway answered but not with a health-check shape.
	ErrProbeRejected = errors.New("gateway probe rejected")
)

// Rule set errors.
var (
	// ErrRuleSetInvalid indicates a rule file could not be parsed or validated.
	ErrRuleSetInvalid = errors.New("invalid rule set")

	// ErrRuleSetNotFound indicates no persisted rule set snapshot exists.
	ErrRuleSetNotFound = errors.New("rule set snapshot not found")

	// ErrNotModified indicates a remote rule source reported no change.
	ErrNotModified = errors.New("not modified")
)

// Is is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
