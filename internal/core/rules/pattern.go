package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	regexPrefix    = "re:"
	wildcardPrefix = "*."
	wildcardSeg    = "*"
	paramMarker    = ':'
	optionalMarker = '?'
	pathSeparator  = "/"
)

// Pattern errors.
var (
	errEmptyHostPattern   = errors.New("empty host pattern")
	errInvalidHostPattern = errors.New("invalid host pattern")
	errInvalidPathPattern = errors.New("invalid path pattern")
)

// hostPattern matches a URL host. A plain domain matches itself and every
// subdomain, "*.domain" matches subdomains only, and "re:<expr>" is matched
// against host+path.
type hostPattern struct {
	suffix         string
	subdomainsOnly bool
	re             *regexp.Regexp
}

func compileHostPattern(raw string) (hostPattern, error) {
	p := strings.ToLower(strings.TrimSpace(raw))
	if p == "" {
		return hostPattern{}, errEmptyHostPattern
	}

	if strings.HasPrefix(p, regexPrefix) {
		re, err := regexp.Compile("(?i)" + strings.TrimSpace(raw)[len(regexPrefix):])
		if err != nil {
			return hostPattern{}, fmt.Errorf("%w %q: %w", errInvalidHostPattern, raw, err)
		}

		return hostPattern{re: re}, nil
	}

	hp := hostPattern{suffix: p}
	if strings.HasPrefix(p, wildcardPrefix) {
		hp.suffix = p[len(wildcardPrefix):]
		hp.subdomainsOnly = true
	}

	hp.suffix = strings.TrimSuffix(hp.suffix, ".")
	if hp.suffix == "" || strings.ContainsAny(hp.suffix, "/*: ") {
		return hostPattern{}, fmt.Errorf("%w %q", errInvalidHostPattern, raw)
	}

	return hp, nil
}

func (h hostPattern) match(host, path string) bool {
	if h.re != nil {
		return h.re.MatchString(host + path)
	}

	host = strings.ToLower(host)
	if host == h.suffix {
		return !h.subdomainsOnly
	}

	return strings.HasSuffix(host, "."+h.suffix)
}

type segmentKind int

const (
	segmentLiteral segmentKind = iota
	segmentParam
	segmentWildcard
)

type segment struct {
	kind     segmentKind
	prefix   string // literal text, or literal text preceding a parameter
	name     string
	optional bool
}

// pathPattern is an Express-style path pattern such as "/video/:bvid",
// "/book/:id/:chapter?", "/av:aid" or "/docs/*".
type pathPattern struct {
	raw      string
	segments []segment
}

func compilePathPattern(raw string) (pathPattern, error) {
	trimmed := strings.Trim(strings.TrimSpace(raw), pathSeparator)
	pp := pathPattern{raw: raw}

	if trimmed == "" {
		return pp, nil
	}

	parts := strings.Split(trimmed, pathSeparator)
	for i, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return pathPattern{}, fmt.Errorf("%w %q: %w", errInvalidPathPattern, raw, err)
		}

		if seg.kind == segmentWildcard && i != len(parts)-1 {
			return pathPattern{}, fmt.Errorf("%w %q: wildcard must be the last segment", errInvalidPathPattern, raw)
		}

		pp.segments = append(pp.segments, seg)
	}

	return pp, nil
}

func parseSegment(part string) (segment, error) {
	if part == "" {
		return segment{}, errors.New("empty segment")
	}

	if part == wildcardSeg {
		return segment{kind: segmentWildcard, name: wildcardSeg}, nil
	}

	idx := strings.IndexByte(part, paramMarker)
	if idx < 0 {
		return segment{kind: segmentLiteral, prefix: strings.ToLower(part)}, nil
	}

	name := part[idx+1:]
	optional := strings.HasSuffix(name, string(optionalMarker))
	name = strings.TrimSuffix(name, string(optionalMarker))

	if name == "" || strings.ContainsAny(name, ":?*") {
		return segment{}, fmt.Errorf("bad parameter in %q", part)
	}

	return segment{
		kind:     segmentParam,
		prefix:   strings.ToLower(part[:idx]),
		name:     name,
		optional: optional,
	}, nil
}

// match reports whether path matches and returns the captured parameters.
// Literal comparison is case-insensitive; parameter values keep their case.
func (p pathPattern) match(path string) (map[string]string, bool) {
	trimmed := strings.Trim(path, pathSeparator)

	var parts []string
	if trimmed != "" {
		parts = strings.Split(trimmed, pathSeparator)
	}

	params := make(map[string]string)
	pos := 0

	for _, seg := range p.segments {
		switch seg.kind {
		case segmentWildcard:
			params[seg.name] = strings.Join(parts[pos:], pathSeparator)

			return params, true
		case segmentLiteral:
			if pos >= len(parts) || strings.ToLower(parts[pos]) != seg.prefix {
				return nil, false
			}

			pos++
		case segmentParam:
			if pos >= len(parts) {
				if seg.optional {
					continue
				}

				return nil, false
			}

			value, ok := matchParam(seg, parts[pos])
			if !ok {
				if seg.optional {
					continue
				}

				return nil, false
			}

			params[seg.name] = value
			pos++
		}
	}

	if pos != len(parts) {
		return nil, false
	}

	return params, true
}

func matchParam(seg segment, part string) (string, bool) {
	if seg.prefix == "" {
		return part, part != ""
	}

	if len(part) <= len(seg.prefix) || strings.ToLower(part[:len(seg.prefix)]) != seg.prefix {
		return "", false
	}

	return part[len(seg.prefix):], true
}
