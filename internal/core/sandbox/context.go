package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

const maxSelectResults = 200

// newScriptContext builds the ctx object passed to extract(ctx). It exposes
// the URL parts, matched params, page content and pure helpers only.
func newScriptContext(vm *goja.Runtime, in Input, logger *zerolog.Logger) *goja.Object {
	obj := vm.NewObject()
	markup := &lazyDocument{content: in.Content}

	query := make(map[string]any)
	for key, values := range in.URL.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}

	params := make(map[string]any, len(in.Params))
	for key, value := range in.Params {
		params[key] = value
	}

	set := func(name string, value any) {
		_ = obj.Set(name, value)
	}

	set("url", in.URL.String())
	set("host", in.URL.Host)
	set("path", in.URL.Path)
	set("query", vm.ToValue(query))
	set("params", vm.ToValue(params))
	set("content", in.Content)

	set("select", func(selector string) []any {
		return markup.selectAll(selector)
	})
	set("selectText", func(selector string) string {
		return markup.firstText(selector)
	})
	set("selectAttr", func(selector, attr string) string {
		return markup.firstAttr(selector, attr)
	})
	set("match", func(pattern, text string) (any, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("match: %w", err)
		}

		groups := re.FindStringSubmatch(text)
		if groups == nil {
			return nil, nil
		}

		out := make([]any, len(groups))
		for i, g := range groups {
			out[i] = g
		}

		return out, nil
	})
	set("log", func(message string) {
		logger.Debug().Msg(message)
	})

	return obj
}

// lazyDocument parses content on first markup query. A runtime is single
// threaded, so no locking is needed.
type lazyDocument struct {
	content string
	doc     *goquery.Document
	parsed  bool
}

func (l *lazyDocument) document() *goquery.Document {
	if !l.parsed {
		l.parsed = true

		if strings.TrimSpace(l.content) != "" {
			doc, err := goquery.NewDocumentFromReader(strings.NewReader(l.content))
			if err == nil {
				l.doc = doc
			}
		}
	}

	return l.doc
}

func (l *lazyDocument) find(selector string) *goquery.Selection {
	doc := l.document()
	if doc == nil || strings.TrimSpace(selector) == "" {
		return nil
	}

	return doc.Find(selector)
}

func (l *lazyDocument) selectAll(selector string) []any {
	sel := l.find(selector)
	if sel == nil {
		return []any{}
	}

	out := make([]any, 0, min(sel.Length(), maxSelectResults))

	sel.EachWithBreak(func(i int, s *goquery.Selection) bool {
		attrs := make(map[string]any)
		for _, a := range s.Nodes[0].Attr {
			attrs[a.Key] = a.Val
		}

		out = append(out, map[string]any{
			"text":  strings.TrimSpace(s.Text()),
			"attrs": attrs,
		})

		return i+1 < maxSelectResults
	})

	return out
}

func (l *lazyDocument) firstText(selector string) string {
	sel := l.find(selector)
	if sel == nil {
		return ""
	}

	return strings.TrimSpace(sel.First().Text())
}

func (l *lazyDocument) firstAttr(selector, attr string) string {
	sel := l.find(selector)
	if sel == nil {
		return ""
	}

	value, _ := sel.First().Attr(attr)

	return strings.TrimSpace(value)
}
