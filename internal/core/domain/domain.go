package domain

import (
	"net"
	"net/url"
	"time"
)

// URL is a normalized, immutable view of the URL under analysis.
// Host is lower-case ASCII without port; Path is decoded, "/" for the root
// and never carries a trailing slash otherwise.
type URL struct {
	Scheme   string
	Host     string
	Port     string
	Path     string
	RawQuery string
	Fragment string
}

// IsZero reports whether the URL was never populated.
func (u URL) IsZero() bool {
	return u.Scheme == "" && u.Host == ""
}

// Authority returns host[:port].
func (u URL) Authority() string {
	if u.Port == "" {
		return u.Host
	}

	return net.JoinHostPort(u.Host, u.Port)
}

// Std converts the URL to a *url.URL. The returned value is a fresh copy.
func (u URL) Std() *url.URL {
	return &url.URL{
		Scheme:   u.Scheme,
		Host:     u.Authority(),
		Path:     u.Path,
		RawQuery: u.RawQuery,
		Fragment: u.Fragment,
	}
}

// String returns the canonical string form.
func (u URL) String() string {
	if u.IsZero() {
		return ""
	}

	return u.Std().String()
}

// EscapedPath returns the percent-encoded path.
func (u URL) EscapedPath() string {
	return u.Std().EscapedPath()
}

// Query parses RawQuery. Malformed pairs are dropped.
func (u URL) Query() url.Values {
	values, _ := url.ParseQuery(u.RawQuery) //nolint:errcheck // partial values are good enough for rule context

	return values
}

// FeedKind distinguishes feeds advertised by the page from gateway routes.
type FeedKind string

// Feed kinds.
const (
	FeedKindStandard FeedKind = "standard"
	FeedKindGateway  FeedKind = "gateway"
)

// Feed is the unit of analysis output. URL is always absolute.
type Feed struct {
	Kind  FeedKind `json:"kind"`
	Title string   `json:"title,omitempty"`
	URL   string   `json:"url"`
}

// RouteDescriptor is a gateway route produced by one rule execution.
// Path is relative to a gateway base URL and may carry a query string.
type RouteDescriptor struct {
	Path        string `json:"path"`
	Title       string `json:"title,omitempty"`
	MultiResult bool   `json:"multi,omitempty"`
}

// Stage is the analysis pipeline state.
type Stage string

// Analysis stages.
const (
	StageIdle       Stage = "idle"
	StageFetching   Stage = "fetching"
	StageExtracting Stage = "extracting"
	StageResolving  Stage = "resolving"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further snapshots follow a snapshot in this stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// AnalysisResult is one immutable snapshot of an analysis. Within one analysis
// the feed and rule slices only ever grow between snapshots.
type AnalysisResult struct {
	ID             string   `json:"id"`
	SourceURL      string   `json:"source_url"`
	Stage          Stage    `json:"stage"`
	RSSFeeds       []Feed   `json:"rss_feeds"`
	RSSHubFeeds    []Feed   `json:"rsshub_feeds"`
	MatchedRuleIDs []string `json:"matched_rule_ids"`
}

// FeedCount returns the number of feeds of both kinds.
func (r AnalysisResult) FeedCount() int {
	return len(r.RSSFeeds) + len(r.RSSHubFeeds)
}

// CandidateOrigin tells where a gateway base URL came from.
type CandidateOrigin string

// Candidate origins, in precedence order.
const (
	OriginUserDefined CandidateOrigin = "user_defined"
	OriginOfficial    CandidateOrigin = "official"
	OriginDemo        CandidateOrigin = "demo"
)

// BaseURLCandidate is a gateway deployment root.
// Validated is nil until the candidate has been probed.
type BaseURLCandidate struct {
	URL           string          `json:"url"`
	Origin        CandidateOrigin `json:"origin"`
	Validated     *bool           `json:"validated,omitempty"`
	LastCheckedAt time.Time       `json:"last_checked_at,omitempty"`
}

// WithValidation returns a copy with the validation outcome recorded.
func (c BaseURLCandidate) WithValidation(ok bool, at time.Time) BaseURLCandidate {
	c.Validated = &ok
	c.LastCheckedAt = at

	return c
}
