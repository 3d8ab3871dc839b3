package sandbox

import (
	"net/url"
	"strings"

	"github.com/lueurxax/feedradar/internal/core/domain"
	"github.com/lueurxax/feedradar/internal/core/rules"
)

// expandTemplates fills declarative route targets. A template whose required
// placeholder has no value is skipped; a missing optional placeholder drops
// its path segment.
func expandTemplates(routes []rules.RouteTemplate, params map[string]string, query url.Values) []domain.RouteDescriptor {
	out := make([]domain.RouteDescriptor, 0, len(routes))

	for _, route := range routes {
		path, ok := expandTarget(route.Target, params, query)
		if !ok {
			continue
		}

		out = append(out, domain.RouteDescriptor{
			Path:        path,
			Title:       strings.TrimSpace(route.Title),
			MultiResult: route.Multi,
		})
	}

	return out
}

func expandTarget(target string, params map[string]string, query url.Values) (string, bool) {
	var sb strings.Builder

	for i := 0; i < len(target); {
		c := target[i]
		if c != ':' {
			sb.WriteByte(c)
			i++

			continue
		}

		end := i + 1
		for end < len(target) && isNameByte(target[end]) {
			end++
		}

		name := target[i+1 : end]
		optional := end < len(target) && target[end] == '?'

		if optional {
			end++
		}

		if name == "" {
			sb.WriteByte(c)
			i++

			continue
		}

		value := lookupParam(name, params, query)

		switch {
		case value != "":
			sb.WriteString(url.PathEscape(value))
		case optional:
			trimmed := strings.TrimSuffix(sb.String(), "/")
			sb.Reset()
			sb.WriteString(trimmed)
		default:
			return "", false
		}

		i = end
	}

	return sb.String(), true
}

func lookupParam(name string, params map[string]string, query url.Values) string {
	if v := params[name]; v != "" {
		return v
	}

	return query.Get(name)
}

func isNameByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// normalizeDescriptors enforces a leading slash, drops blank paths and
// removes duplicate paths while keeping first-seen order.
func normalizeDescriptors(in []domain.RouteDescriptor) []domain.RouteDescriptor {
	seen := make(map[string]struct{}, len(in))
	out := make([]domain.RouteDescriptor, 0, len(in))

	for _, d := range in {
		d.Path = strings.TrimSpace(d.Path)
		if d.Path == "" || d.Path == "/" {
			continue
		}

		if !strings.HasPrefix(d.Path, "/") {
			d.Path = "/" + d.Path
		}

		if _, dup := seen[d.Path]; dup {
			continue
		}

		seen[d.Path] = struct{}{}
		d.Title = strings.TrimSpace(d.Title)
		out = append(out, d)
	}

	return out
}
