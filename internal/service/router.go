package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridianhq/quorum/internal/config"
	"github.com/meridianhq/quorum/internal/domain/decision"
	"github.com/meridianhq/quorum/internal/domain/persona"
	"github.com/meridianhq/quorum/internal/domain/record"
	"github.com/meridianhq/quorum/internal/port/cache"
	"github.com/meridianhq/quorum/internal/port/database"
	"github.com/meridianhq/quorum/internal/port/memorystore"
)

// RouterService maps a decision's domain profile to an ordered set of expert
// personas, blending static affinities with live performance history.
type RouterService struct {
	store  database.Store
	ledger memorystore.Ledger
	cache  cache.Cache
	sf     singleflight.Group
	cfg    config.Router
	ttl    time.Duration
}

// NewRouterService creates a new RouterService. statsTTL bounds how stale a
// cached performance aggregate may be.
func NewRouterService(store database.Store, ledger memorystore.Ledger, c cache.Cache, cfg config.Router, statsTTL time.Duration) *RouterService {
	return &RouterService{store: store, ledger: ledger, cache: c, cfg: cfg, ttl: statsTTL}
}

// scored pairs a persona with its routing score for one domain tag.
type scored struct {
	persona persona.Persona
	score   float64
	stats   record.DomainStats
}

// Route selects personas for a classified decision. The returned list is
// ordered by score, best first. A NoQualifiedPersona error means a required
// domain has nobody above the affinity floor, which forces escalation.
func (s *RouterService) Route(ctx context.Context, req decision.Request, tier decision.Tier) (*persona.Assignment, error) {
	catalog, err := s.store.ListPersonas(ctx)
	if err != nil {
		return nil, fmt.Errorf("route: list personas: %w", err)
	}

	if len(req.DomainTags) == 0 {
		return s.routeUntagged(ctx, req, tier, catalog)
	}

	// Rank qualified candidates per tag. A tag with no qualified persona
	// fails the whole route.
	byTag := make(map[string][]scored, len(req.DomainTags))
	for _, tag := range req.DomainTags {
		ranked := s.rank(ctx, req, catalog, tag)
		if len(ranked) == 0 {
			return nil, fmt.Errorf("route: domain %q: %w", tag, persona.ErrNoQualifiedPersona)
		}
		byTag[tag] = ranked
	}

	var assignment *persona.Assignment
	if len(req.DomainTags) == 1 {
		assignment = s.assignSingle(byTag[req.DomainTags[0]], tier)
	} else {
		assignment = s.assignCover(req.DomainTags, byTag)
	}

	if tier == decision.TierSeniorPartner {
		s.ensureSeniorPartner(ctx, req, catalog, assignment)
	}
	return assignment, nil
}

// routeUntagged handles decisions without domain tags: personas are ranked
// by their strongest affinity across any domain.
func (s *RouterService) routeUntagged(ctx context.Context, req decision.Request, tier decision.Tier, catalog []persona.Persona) (*persona.Assignment, error) {
	var ranked []scored
	for _, p := range catalog {
		bestTag, bestAff := "", 0.0
		for tag, aff := range p.Affinities {
			if aff > bestAff {
				bestTag, bestAff = tag, aff
			}
		}
		if bestAff < s.cfg.MinAffinity {
			continue
		}
		stats := s.statsFor(ctx, p.ID, bestTag)
		ranked = append(ranked, scored{persona: p, score: s.score(req, p, bestAff, stats), stats: stats})
	}
	if len(ranked) == 0 {
		return nil, fmt.Errorf("route: %w", persona.ErrNoQualifiedPersona)
	}
	s.sortRanked(ranked)

	assignment := s.assignSingle(ranked, tier)
	if tier == decision.TierSeniorPartner {
		s.ensureSeniorPartner(ctx, req, catalog, assignment)
	}
	return assignment, nil
}

// rank scores every qualified persona for one domain tag, best first.
func (s *RouterService) rank(ctx context.Context, req decision.Request, catalog []persona.Persona, tag string) []scored {
	var ranked []scored
	for _, p := range catalog {
		aff := p.Affinity(tag)
		if aff < s.cfg.MinAffinity {
			continue
		}
		stats := s.statsFor(ctx, p.ID, tag)
		ranked = append(ranked, scored{persona: p, score: s.score(req, p, aff, stats), stats: stats})
	}
	s.sortRanked(ranked)
	return ranked
}

// score computes the routing score for one persona in one domain.
func (s *RouterService) score(req decision.Request, p persona.Persona, affinity float64, stats record.DomainStats) float64 {
	availability := 0.0
	if p.Available {
		availability = 1.0
	}
	stakeholder := 0.0
	if p.AlignedWith(req.StakeholderGroup) {
		stakeholder = 1.0
	}
	history := stats.SuccessRate
	if stats.SampleCount == 0 {
		// No track record is neutral, not a zero success rate.
		history = 0.5
	}
	return affinity*s.cfg.AffinityWeight +
		history*s.cfg.HistoryWeight +
		availability*s.cfg.AvailabilityWeight +
		stakeholder*s.cfg.StakeholderWeight
}

// sortRanked orders by score descending; ties go to the persona with the
// most recent successful engagement in the domain.
func (s *RouterService) sortRanked(ranked []scored) {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].stats.LastSuccessAt.After(ranked[j].stats.LastSuccessAt)
	})
}

// assignSingle picks the top candidate, or the top two for senior partner
// decisions, which always get at least two perspectives.
func (s *RouterService) assignSingle(ranked []scored, tier decision.Tier) *persona.Assignment {
	n := 1
	if tier == decision.TierSeniorPartner && len(ranked) > 1 {
		n = 2
	}
	out := make([]persona.Persona, 0, n)
	for _, r := range ranked[:min(n, len(ranked))] {
		out = append(out, r.persona)
	}
	return &persona.Assignment{Personas: out, Mode: persona.ModeParallel}
}

// assignCover handles multi-domain decisions. If one persona covers every
// tag with high affinity, it is consulted alone. Otherwise a greedy minimal
// covering set is built; personas spanning multiple tags force sequential
// consultation so later personas see earlier outputs.
func (s *RouterService) assignCover(tags []string, byTag map[string][]scored) *persona.Assignment {
	// Full-cover check: the best-scoring persona holding CoverAffinity on
	// every tag wins outright.
	var full *scored
	for _, cand := range byTag[tags[0]] {
		covers := true
		for _, tag := range tags {
			if cand.persona.Affinity(tag) < s.cfg.CoverAffinity {
				covers = false
				break
			}
		}
		if covers && (full == nil || cand.score > full.score) {
			c := cand
			full = &c
		}
	}
	if full != nil {
		return &persona.Assignment{Personas: []persona.Persona{full.persona}, Mode: persona.ModeParallel}
	}

	// Greedy set-cover: repeatedly take the candidate covering the most
	// uncovered tags, ties broken by score.
	uncovered := make(map[string]bool, len(tags))
	for _, tag := range tags {
		uncovered[tag] = true
	}

	var selected []scored
	sequential := false
	for len(uncovered) > 0 {
		var best *scored
		bestCover := 0
		for _, tag := range tags {
			if !uncovered[tag] {
				continue
			}
			for _, cand := range byTag[tag] {
				if containsPersona(selected, cand.persona.ID) {
					continue
				}
				cover := 0
				for t := range uncovered {
					if cand.persona.Affinity(t) >= s.cfg.MinAffinity {
						cover++
					}
				}
				if cover > bestCover || (cover == bestCover && best != nil && cand.score > best.score) {
					c := cand
					best, bestCover = &c, cover
				}
			}
		}
		if best == nil {
			// Remaining tags were verified qualified earlier, so this
			// only happens when all candidates are already selected.
			break
		}
		if bestCover > 1 {
			sequential = true
		}
		selected = append(selected, *best)
		for t := range uncovered {
			if best.persona.Affinity(t) >= s.cfg.MinAffinity {
				delete(uncovered, t)
			}
		}
	}

	s.sortRanked(selected)
	out := make([]persona.Persona, len(selected))
	for i, r := range selected {
		out[i] = r.persona
	}
	mode := persona.ModeParallel
	if sequential {
		mode = persona.ModeSequential
	}
	return &persona.Assignment{Personas: out, Mode: mode}
}

// ensureSeniorPartner guarantees senior partner decisions include a senior
// partner persona, so hierarchical arbitration has an arbiter.
func (s *RouterService) ensureSeniorPartner(ctx context.Context, req decision.Request, catalog []persona.Persona, assignment *persona.Assignment) {
	for _, p := range assignment.Personas {
		if p.Kind == persona.KindSeniorPartner {
			return
		}
	}

	var best *scored
	for _, p := range catalog {
		if p.Kind != persona.KindSeniorPartner {
			continue
		}
		bestAff := 0.0
		bestTag := ""
		for tag, aff := range p.Affinities {
			if aff > bestAff {
				bestTag, bestAff = tag, aff
			}
		}
		stats := s.statsFor(ctx, p.ID, bestTag)
		cand := scored{persona: p, score: s.score(req, p, bestAff, stats), stats: stats}
		if best == nil || cand.score > best.score {
			best = &cand
		}
	}
	if best != nil {
		assignment.Personas = append(assignment.Personas, best.persona)
	}
}

// statsFor reads a persona's domain aggregate through the tiered cache,
// deduplicating concurrent misses with singleflight. Stale or missing stats
// degrade to zeros rather than failing the route.
func (s *RouterService) statsFor(ctx context.Context, personaID, domain string) record.DomainStats {
	if domain == "" {
		return record.DomainStats{PersonaID: personaID}
	}
	key := "stats:" + personaID + ":" + domain

	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var stats record.DomainStats
		if err := json.Unmarshal(data, &stats); err == nil {
			return stats
		}
	}

	v, err, _ := s.sf.Do(key, func() (any, error) {
		stats, err := s.ledger.Query(ctx, personaID, domain)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
				slog.Debug("stats cache set failed", "key", key, "error", err)
			}
		}
		return *stats, nil
	})
	if err != nil {
		slog.Warn("persona stats query failed", "persona_id", personaID, "domain", domain, "error", err)
		return record.DomainStats{PersonaID: personaID, Domain: domain}
	}
	return v.(record.DomainStats)
}

func containsPersona(sel []scored, id string) bool {
	for _, s := range sel {
		if s.persona.ID == id {
			return true
		}
	}
	return false
}
