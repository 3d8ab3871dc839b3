package analysis

import (
	"slices"

	"github.com/lueurxax/feedradar/internal/core/domain"
	"github.com/lueurxax/feedradar/internal/core/gateway"
)

var stageRank = map[domain.Stage]int{
	domain.StageIdle:       0,
	domain.StageFetching:   1,
	domain.StageExtracting: 2,
	domain.StageResolving:  3,
	domain.StageCompleted:  4,
	domain.StageFailed:     4,
}

// state accumulates the results of one analysis. It is owned by the
// orchestrator goroutine and never shared.
type state struct {
	id      string
	source  string
	stage   domain.Stage
	ruleIDs []string

	standard     []domain.Feed
	standardSeen map[string]struct{}

	// routes holds descriptors per matched rule, indexed like the matches,
	// so gateway feeds follow rule order whatever the completion order.
	routes  [][]domain.RouteDescriptor
	base    *domain.BaseURLCandidate
	gateway []domain.Feed
	// published gateway feeds by URL; their titles never change afterwards
	published map[string]domain.Feed

	dirty bool
}

func newState(id, source string, ruleIDs []string, matched int) *state {
	return &state{
		id:           id,
		source:       source,
		stage:        domain.StageIdle,
		ruleIDs:      ruleIDs,
		standardSeen: make(map[string]struct{}),
		routes:       make([][]domain.RouteDescriptor, matched),
		published:    make(map[string]domain.Feed),
	}
}

// advance moves to stage unless the state is already at or past it.
func (s *state) advance(stage domain.Stage) {
	if stageRank[stage] <= stageRank[s.stage] {
		return
	}

	s.stage = stage
	s.dirty = true
}

func (s *state) addStandard(feeds []domain.Feed) {
	for _, f := range feeds {
		if _, dup := s.standardSeen[f.URL]; dup {
			continue
		}

		s.standardSeen[f.URL] = struct{}{}
		s.standard = append(s.standard, f)
		s.dirty = true
	}
}

func (s *state) addRoutes(index int, routes []domain.RouteDescriptor) {
	if index < 0 || index >= len(s.routes) || len(routes) == 0 {
		return
	}

	s.routes[index] = routes
}

func (s *state) hasRoutes() bool {
	for _, r := range s.routes {
		if len(r) > 0 {
			return true
		}
	}

	return false
}

func (s *state) setBase(c domain.BaseURLCandidate) {
	s.base = &c
}

// resolveGateway rebuilds the gateway feeds from every descriptor seen so far.
// Descriptors are only ever added, so the result is a superset of the
// previous one. A feed keeps the title it was first published with; only
// feeds new to this pass get titles disambiguated against the full set.
func (s *state) resolveGateway(resolver *gateway.Resolver) {
	if s.base == nil {
		return
	}

	var all []domain.RouteDescriptor
	for _, r := range s.routes {
		all = append(all, r...)
	}

	feeds := resolver.Resolve(s.base.URL, all)
	for i, f := range feeds {
		if prev, ok := s.published[f.URL]; ok {
			feeds[i] = prev

			continue
		}

		s.published[f.URL] = f
	}

	if slices.Equal(feeds, s.gateway) {
		return
	}

	s.gateway = feeds
	s.dirty = true
}

// snapshot returns an immutable copy and clears the dirty flag.
func (s *state) snapshot() domain.AnalysisResult {
	s.dirty = false

	return domain.AnalysisResult{
		ID:             s.id,
		SourceURL:      s.source,
		Stage:          s.stage,
		RSSFeeds:       append(make([]domain.Feed, 0, len(s.standard)), s.standard...),
		RSSHubFeeds:    append(make([]domain.Feed, 0, len(s.gateway)), s.gateway...),
		MatchedRuleIDs: append(make([]string, 0, len(s.ruleIDs)), s.ruleIDs...),
	}
}
