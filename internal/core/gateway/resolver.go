package gateway

import (
	"crypto/md5" //nolint:gosec // the gateway's access code scheme is defined as md5
	"encoding/hex"
	"net/url"
	"path"
	"strings"

	"github.com/lueurxax/feedradar/internal/core/domain"
)

const (
	queryKey  = "key"
	queryCode = "code"
)

// AccessMode selects how an access key is attached to feed URLs.
type AccessMode string

// Access modes.
const (
	AccessKey  AccessMode = "key"
	AccessCode AccessMode = "code"
)

// Resolver turns route descriptors into absolute gateway feed URLs.
type Resolver struct {
	accessKey string
	mode      AccessMode
}

// NewResolver creates a resolver. An empty accessKey disables signing.
func NewResolver(accessKey string, mode AccessMode) *Resolver {
	if mode != AccessCode {
		mode = AccessKey
	}

	return &Resolver{accessKey: strings.TrimSpace(accessKey), mode: mode}
}

// Resolve joins base with each descriptor path. Input order is kept, duplicate
// URLs are dropped, and colliding titles of multi-result routes are
// disambiguated with the last path segment.
func (r *Resolver) Resolve(base string, descriptors []domain.RouteDescriptor) []domain.Feed {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" || len(descriptors) == 0 {
		return nil
	}

	titleCount := make(map[string]int, len(descriptors))
	for _, d := range descriptors {
		titleCount[d.Title]++
	}

	seen := make(map[string]struct{}, len(descriptors))
	out := make([]domain.Feed, 0, len(descriptors))

	for _, d := range descriptors {
		feedURL := base + r.sign(d.Path)
		if _, dup := seen[feedURL]; dup {
			continue
		}

		seen[feedURL] = struct{}{}

		title := d.Title
		if d.MultiResult && title != "" && titleCount[title] > 1 {
			title += " " + lastSegment(d.Path)
		}

		out = append(out, domain.Feed{Kind: domain.FeedKindGateway, Title: title, URL: feedURL})
	}

	return out
}

// sign appends the access key or code to routePath, keeping any existing query.
func (r *Resolver) sign(routePath string) string {
	if r.accessKey == "" {
		return routePath
	}

	pathOnly, rawQuery, _ := strings.Cut(routePath, "?")

	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		query = url.Values{}
	}

	if r.mode == AccessCode {
		sum := md5.Sum([]byte(pathOnly + r.accessKey)) //nolint:gosec // see import
		query.Set(queryCode, hex.EncodeToString(sum[:]))
	} else {
		query.Set(queryKey, r.accessKey)
	}

	return pathOnly + "?" + query.Encode()
}

func lastSegment(routePath string) string {
	pathOnly, _, _ := strings.Cut(routePath, "?")

	return path.Base(strings.TrimRight(pathOnly, "/"))
}
