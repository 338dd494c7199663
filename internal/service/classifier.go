// Package service implements the decision pipeline: tier classification,
// persona routing, consensus resolution, resource arbitration, and the
// institutional memory feedback loop.
package service

import (
	"fmt"

	"github.com/meridianhq/quorum/internal/config"
	"github.com/meridianhq/quorum/internal/domain/decision"
)

// ClassifierService assigns an escalation tier to a decision request.
// Classification never fails: every request gets a tier and a rationale.
type ClassifierService struct {
	cfg config.Classifier
}

// NewClassifierService creates a new ClassifierService.
func NewClassifierService(cfg config.Classifier) *ClassifierService {
	return &ClassifierService{cfg: cfg}
}

// Classify scores a request and assigns its escalation tier. Deterministic:
// the same request always yields the same tier and rationale.
func (s *ClassifierService) Classify(req decision.Request) decision.Classification {
	return s.classify(req, req.AgentConsensusLevel)
}

// Reclassify re-scores a request with an overridden consensus level. Used
// when consensus non-convergence forces a decision back through
// classification with a reduced level.
func (s *ClassifierService) Reclassify(req decision.Request, consensusLevel float64) decision.Classification {
	return s.classify(req, consensusLevel)
}

func (s *ClassifierService) classify(req decision.Request, consensusLevel float64) decision.Classification {
	disagreement := confidenceVariance(req.AgentConfidences) > s.cfg.DisagreementVariance

	// The positive terms are normalized by their combined weight so a fully
	// confident, fully agreed request scores 1.0 before the risk penalty.
	penalty := s.riskPenalty(req.RiskImpact)
	score := (s.cfg.ConfidenceWeight*req.Confidence+
		s.cfg.ConsensusWeight*consensusLevel)/
		(s.cfg.ConfidenceWeight+s.cfg.ConsensusWeight) -
		s.cfg.RiskWeight*penalty

	var tier decision.Tier
	switch {
	case score >= s.cfg.AgentOnlyThreshold:
		tier = decision.TierAgentOnly
	case score >= s.cfg.JuniorThreshold:
		tier = decision.TierJuniorSpecialist
	default:
		tier = decision.TierSeniorPartner
	}

	return decision.Classification{
		Tier:      tier,
		Score:     score,
		Rationale: s.rationale(req, consensusLevel, penalty, score, tier, disagreement),
	}
}

func (s *ClassifierService) riskPenalty(risk decision.RiskImpact) float64 {
	switch risk {
	case decision.RiskLow:
		return s.cfg.RiskPenaltyLow
	case decision.RiskMedium:
		return s.cfg.RiskPenaltyMedium
	default:
		return s.cfg.RiskPenaltyHigh
	}
}

// rationale names the dominant contributing factor so tier assignments are
// auditable after the fact.
func (s *ClassifierService) rationale(req decision.Request, consensusLevel, penalty, score float64, tier decision.Tier, disagreement bool) string {
	confidenceTerm := s.cfg.ConfidenceWeight * req.Confidence
	consensusTerm := s.cfg.ConsensusWeight * consensusLevel
	riskTerm := s.cfg.RiskWeight * penalty

	dominant := "confidence"
	switch {
	case disagreement:
		dominant = "disagreement"
	case riskTerm >= confidenceTerm && riskTerm >= consensusTerm:
		dominant = "risk"
	case consensusTerm > confidenceTerm:
		dominant = "consensus"
	}

	return fmt.Sprintf(
		"tier %s: score %.3f (confidence %.2f, consensus %.2f, risk %s penalty %.2f); dominant factor: %s",
		tier, score, req.Confidence, consensusLevel, req.RiskImpact, penalty, dominant)
}

// confidenceVariance is the population variance of the contributing agents'
// self-reported confidences. Zero when fewer than two values are present.
func confidenceVariance(confidences []float64) float64 {
	if len(confidences) < 2 {
		return 0
	}
	var mean float64
	for _, c := range confidences {
		mean += c
	}
	mean /= float64(len(confidences))

	var variance float64
	for _, c := range confidences {
		d := c - mean
		variance += d * d
	}
	return variance / float64(len(confidences))
}
