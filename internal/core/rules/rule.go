package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/lueurxax/feedradar/internal/core/domain"
	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
)

// RouteTemplate is a declarative gateway route. Target is a gateway path whose
// ":name" placeholders are filled from the matched path parameters (falling
// back to query parameters); ":name?" placeholders may be absent.
type RouteTemplate struct {
	Title  string `yaml:"title" json:"title"`
	Target string `yaml:"target" json:"target"`
	Multi  bool   `yaml:"multi,omitempty" json:"multi,omitempty"`
}

// Rule associates a URL shape with feed extraction logic for one site.
// A rule carries declarative Routes, a Script defining extract(ctx), or both.
type Rule struct {
	ID           string          `yaml:"id" json:"id"`
	Name         string          `yaml:"name" json:"name"`
	Host         string          `yaml:"host" json:"host"`
	Paths        []string        `yaml:"paths,omitempty" json:"paths,omitempty"`
	Routes       []RouteTemplate `yaml:"routes,omitempty" json:"routes,omitempty"`
	Script       string          `yaml:"script,omitempty" json:"script,omitempty"`
	NeedsContent bool            `yaml:"needs_content,omitempty" json:"needs_content,omitempty"`
	DocsURL      string          `yaml:"docs,omitempty" json:"docs,omitempty"`
	Deprecated   bool            `yaml:"deprecated,omitempty" json:"deprecated,omitempty"`

	host    hostPattern
	paths   []pathPattern
	program any
}

// Program returns the compiled script attached when the set was built,
// or nil when the rule has no script or no compiler was supplied.
func (r *Rule) Program() any {
	return r.program
}

// HasScript reports whether the rule carries a script.
func (r *Rule) HasScript() bool {
	return strings.TrimSpace(r.Script) != ""
}

// match returns the parameters captured by the first matching path pattern.
func (r *Rule) match(u domain.URL) (map[string]string, bool) {
	if !r.host.match(u.Host, u.Path) {
		return nil, false
	}

	if len(r.paths) == 0 {
		return map[string]string{}, true
	}

	for _, p := range r.paths {
		if params, ok := p.match(u.Path); ok {
			return params, true
		}
	}

	return nil, false
}

// Gateways lists the known gateway deployments shipped with a rule set.
type Gateways struct {
	Official string   `yaml:"official" json:"official"`
	Demos    []string `yaml:"demos,omitempty" json:"demos,omitempty"`
}

// Candidates returns the shipped gateways as base URL candidates in precedence order.
func (g Gateways) Candidates() []domain.BaseURLCandidate {
	out := make([]domain.BaseURLCandidate, 0, len(g.Demos)+1)
	if g.Official != "" {
		out = append(out, domain.BaseURLCandidate{URL: g.Official, Origin: domain.OriginOfficial})
	}

	for _, demo := range g.Demos {
		if demo != "" {
			out = append(out, domain.BaseURLCandidate{URL: demo, Origin: domain.OriginDemo})
		}
	}

	return out
}

// Set is an immutable, versioned snapshot of rules. It is safe for concurrent readers.
type Set struct {
	Version   string
	UpdatedAt time.Time
	Source    string
	Gateways  Gateways

	rules []*Rule
	byID  map[string]*Rule
}

// ScriptCompiler turns rule script source into a reusable program.
type ScriptCompiler func(ruleID, source string) (any, error)

// SetOption configures NewSet.
type SetOption func(*setOptions)

type setOptions struct {
	compiler ScriptCompiler
	source   string
	strict   bool
}

// WithCompiler compiles scripts while building the set. Rules whose script
// fails to compile are rejected.
func WithCompiler(c ScriptCompiler) SetOption {
	return func(o *setOptions) { o.compiler = c }
}

// WithSource records where the set came from (builtin, file path, URL).
func WithSource(source string) SetOption {
	return func(o *setOptions) { o.source = source }
}

// Strict makes any invalid rule fail the whole set instead of being skipped.
func Strict() SetOption {
	return func(o *setOptions) { o.strict = true }
}

// NewSet validates and compiles rules into an immutable Set. Invalid rules are
// skipped and reported in the returned problems slice unless Strict is set,
// in which case the first problem fails the set with ErrRuleSetInvalid.
func NewSet(version string, updatedAt time.Time, gateways Gateways, defs []Rule, opts ...SetOption) (*Set, []error, error) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	set := &Set{
		Version:   version,
		UpdatedAt: updatedAt,
		Source:    o.source,
		Gateways:  gateways,
		byID:      make(map[string]*Rule, len(defs)),
	}

	var problems []error

	for i := range defs {
		rule, err := compileRule(defs[i], o.compiler)
		if err == nil {
			if _, dup := set.byID[rule.ID]; dup {
				err = fmt.Errorf("%w: duplicate rule id %q", ferrors.ErrRuleSetInvalid, rule.ID)
			}
		}

		if err != nil {
			if o.strict {
				return nil, nil, err
			}

			problems = append(problems, err)

			continue
		}

		set.rules = append(set.rules, rule)
		set.byID[rule.ID] = rule
	}

	return set, problems, nil
}

func compileRule(def Rule, compiler ScriptCompiler) (*Rule, error) {
	rule := def
	rule.ID = strings.TrimSpace(rule.ID)

	if rule.ID == "" {
		return nil, fmt.Errorf("%w: rule %q has no id", ferrors.ErrRuleSetInvalid, rule.Name)
	}

	if !rule.HasScript() && len(rule.Routes) == 0 {
		return nil, fmt.Errorf("%w: rule %q has neither routes nor script", ferrors.ErrRuleSetInvalid, rule.ID)
	}

	host, err := compileHostPattern(rule.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: rule %q: %w", ferrors.ErrRuleSetInvalid, rule.ID, err)
	}

	rule.host = host
	rule.paths = make([]pathPattern, 0, len(rule.Paths))

	for _, raw := range rule.Paths {
		p, err := compilePathPattern(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %w", ferrors.ErrRuleSetInvalid, rule.ID, err)
		}

		rule.paths = append(rule.paths, p)
	}

	for _, route := range rule.Routes {
		if !strings.HasPrefix(route.Target, pathSeparator) {
			return nil, fmt.Errorf("%w: rule %q: route target %q must start with /", ferrors.ErrRuleSetInvalid, rule.ID, route.Target)
		}
	}

	if rule.HasScript() && compiler != nil {
		program, err := compiler(rule.ID, rule.Script)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: compile script: %w", ferrors.ErrRuleSetInvalid, rule.ID, err)
		}

		rule.program = program
	}

	return &rule, nil
}

// Rules returns the rules in set order. The slice must not be modified.
func (s *Set) Rules() []*Rule {
	if s == nil {
		return nil
	}

	return s.rules
}

// Len returns the number of rules.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}

	return len(s.rules)
}

// Rule looks up a rule by id.
func (s *Set) Rule(id string) (*Rule, bool) {
	if s == nil {
		return nil, false
	}

	r, ok := s.byID[id]

	return r, ok
}

// Match is one matched rule with the parameters captured from the URL path.
type Match struct {
	Rule   *Rule
	Params map[string]string
}

// MatchOptions tunes rule matching.
type MatchOptions struct {
	IncludeDeprecated bool
}

// Match returns every rule matching u, in set order. Matching is pure and has
// no side effects; all matches are returned regardless of specificity.
func (s *Set) Match(u domain.URL, opts MatchOptions) []Match {
	if s == nil || u.IsZero() {
		return nil
	}

	var matches []Match

	for _, rule := range s.rules {
		if rule.Deprecated && !opts.IncludeDeprecated {
			continue
		}

		if params, ok := rule.match(u); ok {
			matches = append(matches, Match{Rule: rule, Params: params})
		}
	}

	return matches
}
