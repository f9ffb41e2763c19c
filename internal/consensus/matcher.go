package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/idverify/internal/constants"
	"github.com/kozaktomas/idverify/internal/database"
	"github.com/kozaktomas/idverify/internal/ensemble"
)

// Matcher runs one model's scoped top-2 search and turns it into a candidate.
type Matcher struct {
	searcher       database.NeighborSearcher
	defaultTimeout time.Duration
}

// NewMatcher creates a matcher. defaultTimeout applies to models without
// their own timeout_ms.
func NewMatcher(searcher database.NeighborSearcher, defaultTimeout time.Duration) *Matcher {
	if defaultTimeout <= 0 {
		defaultTimeout = constants.DefaultModelTimeout
	}
	return &Matcher{searcher: searcher, defaultTimeout: defaultTimeout}
}

// Match returns the candidate of one model. A non-nil error wraps
// ErrModelUnavailable and accompanies an abstained candidate; callers log
// it and carry on.
func (m *Matcher) Match(
	ctx context.Context, cfg *ensemble.Config, model ensemble.ModelProfile, probe []float32, scope []string,
) (MatchCandidate, error) {
	cand := MatchCandidate{ModelID: model.ID}

	if len(probe) == 0 {
		return abstain(cand, AbstainNoVector), nil
	}
	if len(probe) != model.Dim {
		return abstain(cand, AbstainDimensionMismatch), nil
	}

	searchCtx, cancel := context.WithTimeout(ctx, model.Timeout(m.defaultTimeout))
	defer cancel()

	neighbors, err := m.searcher.SearchScoped(searchCtx, model.ID, probe, scope, constants.CandidatesPerModel)
	if err != nil {
		reason := AbstainUnavailable
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(searchCtx.Err(), context.DeadlineExceeded) {
			reason = AbstainTimeout
		}
		return abstain(cand, reason), fmt.Errorf("%w: %s: %w", ErrModelUnavailable, model.ID, err)
	}
	if len(neighbors) == 0 {
		return abstain(cand, AbstainNoCandidates), nil
	}

	return evaluate(cfg, model, neighbors), nil
}

func abstain(c MatchCandidate, reason AbstainReason) MatchCandidate {
	c.Abstained = true
	c.AbstainReason = reason
	return c
}

// evaluate derives the match and ambiguity signals from ranked neighbors.
func evaluate(cfg *ensemble.Config, model ensemble.ModelProfile, neighbors []database.Neighbor) MatchCandidate {
	top := neighbors[0]
	cand := MatchCandidate{
		ModelID:         model.ID,
		RawScore:        top.Similarity,
		CalibratedScore: Score(top.Similarity, model, cfg.Normalization),
		Quality:         top.Record.Quality,
	}

	topClears := cand.CalibratedScore >= model.MatchThreshold
	if len(neighbors) > 1 {
		second := neighbors[1]
		gap := top.Similarity - second.Similarity
		cand.Gap = &gap
		cand.RunnerUpID = second.Record.IdentityID
		cand.RunnerUpScore = Score(second.Similarity, model, cfg.Normalization)
		cand.Ambiguous = gap < cfg.AmbiguityGapThreshold &&
			topClears && cand.RunnerUpScore >= model.MatchThreshold
	}

	if topClears && top.Record.Quality >= model.QualityThreshold {
		cand.IdentityID = top.Record.IdentityID
	}
	return cand
}
