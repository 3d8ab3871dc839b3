// Package sandbox executes rule extraction logic against a restricted view of
// the analysed URL and its fetched content.
//
// Declarative route templates are expanded without an interpreter. Scripts
// run in a fresh goja runtime per execution with no module loader, timers,
// network or filesystem; the only host functions are the ones bound in
// newScriptContext.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"

	"github.com/lueurxax/feedradar/internal/core/domain"
	"github.com/lueurxax/feedradar/internal/core/rules"
)

const (
	// DefaultTimeout is the per-rule script budget.
	DefaultTimeout = 250 * time.Millisecond

	entryPoint = "extract"

	logKeyRule = "rule"
)

var (
	errNoEntryPoint = errors.New("script does not define extract(ctx)")
	errBadPath      = errors.New("missing string path")
	errBadTitle     = errors.New("title must be a string")
	errBadMulti     = errors.New("multi must be a boolean")
)

// Input is what a rule execution may observe. Content is only populated for
// rules that declare needs_content.
type Input struct {
	URL     domain.URL
	Params  map[string]string
	Content string
}

// Executor runs one rule against an input.
type Executor interface {
	Execute(ctx context.Context, rule *rules.Rule, in Input) ([]domain.RouteDescriptor, error)
}

// Runner is the default Executor. It is safe for concurrent use; no state is
// shared between executions.
type Runner struct {
	timeout time.Duration
	logger  *zerolog.Logger
}

func NewRunner(timeout time.Duration, logger *zerolog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &Runner{timeout: timeout, logger: logger}
}

// Compile is a rules.ScriptCompiler producing reusable goja programs.
func Compile(ruleID, source string) (any, error) {
	prog, err := goja.Compile(ruleID+".js", source, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", ruleID, err)
	}

	return prog, nil
}

// Execute returns the rule's route descriptors: expanded templates first, then
// whatever the script returned. Script failures are reported as *ScriptError.
// When ctx is canceled the context error is returned instead.
func (r *Runner) Execute(ctx context.Context, rule *rules.Rule, in Input) ([]domain.RouteDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	descriptors := expandTemplates(rule.Routes, in.Params, in.URL.Query())

	if rule.HasScript() {
		scripted, err := r.runScript(ctx, rule, in)
		if err != nil {
			return nil, err
		}

		descriptors = append(descriptors, scripted...)
	}

	return normalizeDescriptors(descriptors), nil
}

func (r *Runner) runScript(ctx context.Context, rule *rules.Rule, in Input) (routes []domain.RouteDescriptor, err error) {
	prog, err := program(rule)
	if err != nil {
		return nil, faultf(rule.ID, "%w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	vm := goja.New()

	stop := context.AfterFunc(execCtx, func() {
		vm.Interrupt(execCtx.Err())
	})
	defer stop()

	defer func() {
		if rec := recover(); rec != nil {
			routes, err = nil, faultf(rule.ID, "panic: %v", rec)
		}
	}()

	logger := r.logger.With().Str(logKeyRule, rule.ID).Logger()

	routes, err = call(vm, rule.ID, prog, newScriptContext(vm, in, &logger))
	if err == nil {
		return routes, nil
	}

	var interrupted *goja.InterruptedError
	if !errors.As(err, &interrupted) {
		return nil, err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	return nil, &ScriptError{RuleID: rule.ID, Kind: KindTimeout, Err: fmt.Errorf("exceeded %s", r.timeout)}
}

func call(vm *goja.Runtime, ruleID string, prog *goja.Program, scriptCtx *goja.Object) ([]domain.RouteDescriptor, error) {
	if _, err := vm.RunProgram(prog); err != nil {
		return nil, wrapJSError(ruleID, err)
	}

	extract, ok := goja.AssertFunction(vm.Get(entryPoint))
	if !ok {
		return nil, faultf(ruleID, "%w", errNoEntryPoint)
	}

	result, err := extract(goja.Undefined(), scriptCtx)
	if err != nil {
		return nil, wrapJSError(ruleID, err)
	}

	return exportDescriptors(ruleID, result)
}

// wrapJSError keeps interrupts recognisable and turns everything else into a fault.
func wrapJSError(ruleID string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return err
	}

	return faultf(ruleID, "%w", err)
}

func program(rule *rules.Rule) (*goja.Program, error) {
	if prog, ok := rule.Program().(*goja.Program); ok {
		return prog, nil
	}

	compiled, err := Compile(rule.ID, rule.Script)
	if err != nil {
		return nil, err
	}

	return compiled.(*goja.Program), nil
}

// exportDescriptors accepts an array whose items are path strings or
// {path, title, multi} objects. null and undefined mean no routes.
func exportDescriptors(ruleID string, v goja.Value) ([]domain.RouteDescriptor, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}

	items, ok := v.Export().([]any)
	if !ok {
		return nil, faultf(ruleID, "extract returned %s, want array", v.ExportType())
	}

	out := make([]domain.RouteDescriptor, 0, len(items))

	for i, item := range items {
		switch it := item.(type) {
		case string:
			out = append(out, domain.RouteDescriptor{Path: it})
		case map[string]any:
			d, err := descriptorFromMap(it)
			if err != nil {
				return nil, faultf(ruleID, "item %d: %w", i, err)
			}

			out = append(out, d)
		default:
			return nil, faultf(ruleID, "item %d has type %T", i, item)
		}
	}

	return out, nil
}

func descriptorFromMap(m map[string]any) (domain.RouteDescriptor, error) {
	path, ok := m["path"].(string)
	if !ok {
		return domain.RouteDescriptor{}, errBadPath
	}

	d := domain.RouteDescriptor{Path: path}

	if title, present := m["title"]; present && title != nil {
		s, ok := title.(string)
		if !ok {
			return domain.RouteDescriptor{}, errBadTitle
		}

		d.Title = s
	}

	if multi, present := m["multi"]; present && multi != nil {
		b, ok := multi.(bool)
		if !ok {
			return domain.RouteDescriptor{}, errBadMulti
		}

		d.MultiResult = b
	}

	return d, nil
}
