package consensus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/idverify/internal/database"
	"github.com/kozaktomas/idverify/internal/ensemble"
	"go.uber.org/zap"
)

// ConfigSource provides the active ensemble snapshot. *ensemble.Registry
// satisfies it.
type ConfigSource interface {
	Active() *ensemble.Config
}

// Observer receives every decision after it is final. Implementations must
// not block; they run on the request goroutine.
type Observer interface {
	ObserveDecision(ctx context.Context, res *ConsensusResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, res *ConsensusResult)

// ObserveDecision calls f.
func (f ObserverFunc) ObserveDecision(ctx context.Context, res *ConsensusResult) {
	f(ctx, res)
}

// Engine resolves probe requests into consensus decisions.
type Engine struct {
	configs   ConfigSource
	matcher   *Matcher
	observers []Observer
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver adds a decision observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine searching through searcher. modelTimeout is
// the default per-model search timeout.
func NewEngine(configs ConfigSource, searcher database.NeighborSearcher, modelTimeout time.Duration, opts ...Option) *Engine {
	e := &Engine{
		configs: configs,
		matcher: NewMatcher(searcher, modelTimeout),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Verify decides req under the active config snapshot.
func (e *Engine) Verify(ctx context.Context, req ProbeRequest) (*ConsensusResult, error) {
	cfg := e.configs.Active()
	if cfg == nil {
		return nil, ErrNoActiveConfig
	}
	return e.VerifyWith(ctx, cfg, req)
}

// VerifyWith decides req under a pinned config, as replay does. The only
// error is cancellation of ctx; model failures become abstentions.
func (e *Engine) VerifyWith(ctx context.Context, cfg *ensemble.Config, req ProbeRequest) (*ConsensusResult, error) {
	start := e.now()
	res := &ConsensusResult{
		DecisionID:    uuid.New(),
		RequestID:     req.RequestID,
		Candidates:    []MatchCandidate{},
		ConfigVersion: cfg.Version,
		Strategy:      string(cfg.Strategy),
	}

	scope := database.NormalizeScope(req.Scope)
	if len(scope) == 0 {
		res.Outcome = OutcomeFailed
		e.finish(ctx, res, start)
		return res, nil
	}

	c := newCascade(cfg, e.matcher, e.logger, req, scope)
	if err := c.run(ctx); err != nil {
		return nil, err
	}

	res.Candidates = c.ordered()
	res.WinnerID = c.vote.WinnerID
	res.ConsensusCount = c.vote.ConsensusCount
	res.CombinedScore = c.vote.CombinedScore
	res.FastPathUsed = c.fastPathUsed
	res.Escalated = c.escalated
	if !c.fastPathUsed {
		res.Ambiguous = AnyAmbiguous(res.WinnerID, res.Candidates)
	}
	res.Outcome = Classify(c.vote, res.FastPathUsed, res.Ambiguous, cfg)

	e.finish(ctx, res, start)
	return res, nil
}

func (e *Engine) finish(ctx context.Context, res *ConsensusResult, start time.Time) {
	res.DecidedAt = e.now().UTC()
	res.DurationMs = res.DecidedAt.Sub(start).Milliseconds()

	e.logger.Info("decision",
		zap.String("decision_id", res.DecisionID.String()),
		zap.String("request_id", res.RequestID),
		zap.String("outcome", string(res.Outcome)),
		zap.String("winner_id", res.WinnerID),
		zap.Int("consensus_count", res.ConsensusCount),
		zap.Float64("combined_score", res.CombinedScore),
		zap.Bool("fast_path_used", res.FastPathUsed),
		zap.Bool("escalated", res.Escalated),
		zap.Bool("ambiguous", res.Ambiguous),
		zap.String("config_version", res.ConfigVersion),
		zap.Int64("duration_ms", res.DurationMs))

	for _, o := range e.observers {
		o.ObserveDecision(ctx, res)
	}
}
