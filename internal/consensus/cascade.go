package consensus

import (
	"context"

	"github.com/kozaktomas/idverify/internal/ensemble"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// cascadeState is a state of the cascade controller.
type cascadeState int

const (
	stateFastPath cascadeState = iota
	stateFullEnsemble
	stateDone
)

// AcceptFastPath reports whether a fast-path candidate settles the request alone.
func AcceptFastPath(c MatchCandidate, cfg *ensemble.Config) bool {
	return c.Voting() && !c.Ambiguous && c.CalibratedScore >= cfg.Thresholds.HighConfidence
}

// cascade runs one request through fast path and, if needed, the full ensemble.
type cascade struct {
	cfg     *ensemble.Config
	matcher *Matcher
	logger  *zap.Logger
	probe   ProbeRequest
	scope   []string

	candidates   map[string]MatchCandidate
	fastPathUsed bool
	escalated    bool
	vote         Vote
}

func newCascade(cfg *ensemble.Config, matcher *Matcher, logger *zap.Logger, probe ProbeRequest, scope []string) *cascade {
	return &cascade{
		cfg:        cfg,
		matcher:    matcher,
		logger:     logger,
		probe:      probe,
		scope:      scope,
		candidates: make(map[string]MatchCandidate),
	}
}

// run drives the state machine until a vote exists. It only fails when ctx
// is cancelled.
func (c *cascade) run(ctx context.Context) error {
	state := stateFullEnsemble
	fast, hasFast := c.cfg.FastPathProfile()
	if hasFast {
		state = stateFastPath
	}

	for state != stateDone {
		var err error
		switch state {
		case stateFastPath:
			state, err = c.fastPath(ctx, fast)
		case stateFullEnsemble:
			state, err = c.fullEnsemble(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *cascade) fastPath(ctx context.Context, fast ensemble.ModelProfile) (cascadeState, error) {
	cand := c.match(ctx, fast)
	if err := ctx.Err(); err != nil {
		return stateDone, err
	}
	c.candidates[fast.ID] = cand

	if AcceptFastPath(cand, c.cfg) {
		c.fastPathUsed = true
		c.vote = Vote{WinnerID: cand.IdentityID, ConsensusCount: 1, CombinedScore: cand.CalibratedScore}
		return stateDone, nil
	}

	c.escalated = true
	c.logger.Debug("escalating to full ensemble",
		zap.String("request_id", c.probe.RequestID),
		zap.String("fast_path_model", fast.ID),
		zap.Bool("abstained", cand.Abstained),
		zap.Bool("ambiguous", cand.Ambiguous),
		zap.Float64("calibrated_score", cand.CalibratedScore))
	return stateFullEnsemble, nil
}

// fullEnsemble runs every enabled model that has not run yet concurrently,
// then votes over all enabled models' candidates.
func (c *cascade) fullEnsemble(ctx context.Context) (cascadeState, error) {
	var pending []ensemble.ModelProfile
	for _, m := range c.cfg.EnabledModels() {
		if _, done := c.candidates[m.ID]; !done {
			pending = append(pending, m)
		}
	}

	results := make([]MatchCandidate, len(pending))
	var g errgroup.Group
	for i, m := range pending {
		g.Go(func() error {
			results[i] = c.match(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return stateDone, err
	}
	for _, cand := range results {
		c.candidates[cand.ModelID] = cand
	}

	c.vote = CastVote(c.cfg, c.ordered())
	return stateDone, nil
}

func (c *cascade) match(ctx context.Context, m ensemble.ModelProfile) MatchCandidate {
	cand, err := c.matcher.Match(ctx, c.cfg, m, c.probe.Vectors[m.ID], c.scope)
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("model abstained",
			zap.String("request_id", c.probe.RequestID),
			zap.String("model", m.ID),
			zap.String("reason", string(cand.AbstainReason)),
			zap.Error(err))
	}
	return cand
}

// ordered returns the candidates in configured model order.
func (c *cascade) ordered() []MatchCandidate {
	out := make([]MatchCandidate, 0, len(c.candidates))
	for _, m := range c.cfg.EnabledModels() {
		if cand, ok := c.candidates[m.ID]; ok {
			out = append(out, cand)
		}
	}
	return out
}
