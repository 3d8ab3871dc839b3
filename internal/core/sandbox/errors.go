package sandbox

import (
	"fmt"

	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
)

// ErrorKind classifies a failed rule execution.
type ErrorKind string

// Script error kinds.
const (
	KindTimeout      ErrorKind = "timeout"
	KindRuntimeFault ErrorKind = "runtime_fault"
)

// ScriptError is the failure of one rule execution. It never aborts an
// analysis: the rule simply contributes no routes.
type ScriptError struct {
	RuleID string
	Kind   ErrorKind
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("rule %s: script %s: %v", e.RuleID, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ScriptError) Unwrap() []error {
	sentinel := ferrors.ErrScriptRuntimeFault
	if e.Kind == KindTimeout {
		sentinel = ferrors.ErrScriptTimeout
	}

	if e.Err == nil {
		return []error{sentinel}
	}

	return []error{sentinel, e.Err}
}

func faultf(ruleID, format string, args ...any) *ScriptError {
	return &ScriptError{RuleID: ruleID, Kind: KindRuntimeFault, Err: fmt.Errorf(format, args...)}
}
