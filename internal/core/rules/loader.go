package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	ferrors "github.com/lueurxax/feedradar/internal/core/errors"
)

const (
	logKeyRule    = "rule"
	logKeySource  = "source"
	logKeyVersion = "version"
	logKeyCount   = "count"

	// SourceBuiltin marks the rule set embedded in the binary.
	SourceBuiltin = "builtin"
)

//go:embed builtin.yaml
var builtinRules []byte

// document is the on-disk rule file layout. JSON files decode the same way.
type document struct {
	Version  string   `yaml:"version"`
	Updated  string   `yaml:"updated"`
	Gateways Gateways `yaml:"gateways"`
	Rules    []Rule   `yaml:"rules"`
}

// Parse decodes a YAML or JSON rule file into a Set. Unknown fields and an
// empty document fail with ErrRuleSetInvalid; individual broken rules are
// logged and skipped unless Strict is given.
func Parse(data []byte, logger *zerolog.Logger, opts ...SetOption) (*Set, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	var doc document

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ferrors.ErrRuleSetInvalid)
		}

		return nil, fmt.Errorf("%w: %w", ferrors.ErrRuleSetInvalid, err)
	}

	if len(doc.Rules) == 0 && doc.Gateways.Official == "" {
		return nil, fmt.Errorf("%w: no rules and no gateways", ferrors.ErrRuleSetInvalid)
	}

	set, problems, err := NewSet(strings.TrimSpace(doc.Version), documentTime(doc), doc.Gateways, doc.Rules, opts...)
	if err != nil {
		return nil, err
	}

	for _, p := range problems {
		logger.Warn().Err(p).Str(logKeySource, set.Source).Msg("skipping invalid rule")
	}

	return set, nil
}

// documentTime derives the set timestamp from "updated", falling back to a
// date-like "version". Zero when neither parses.
func documentTime(doc document) time.Time {
	for _, candidate := range []string{doc.Updated, doc.Version} {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}

		if t, err := dateparse.ParseIn(candidate, time.UTC); err == nil {
			return t.UTC()
		}
	}

	return time.Time{}
}

// LoadFile reads and parses a rule file from disk.
func LoadFile(path string, logger *zerolog.Logger, opts ...SetOption) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file: %w", err)
	}

	return Parse(data, logger, append([]SetOption{WithSource(path)}, opts...)...)
}

// Builtin parses the rule set embedded in the binary.
func Builtin(logger *zerolog.Logger, opts ...SetOption) (*Set, error) {
	return Parse(builtinRules, logger, append([]SetOption{WithSource(SourceBuiltin)}, opts...)...)
}
