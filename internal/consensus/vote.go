package consensus

import (
	"github.com/kozaktomas/idverify/internal/ensemble"
)

// Vote is the voter's output.
type Vote struct {
	WinnerID       string
	ConsensusCount int
	CombinedScore  float64
}

// tally accumulates the support of one identity.
type tally struct {
	identity string
	votes    int
	sum      float64 // calibrated scores of voters
	weighted float64 // Σ weight × calibrated
	best     float64 // highest individual calibrated score
	priority int     // best (lowest) priority among voters
}

// CastVote combines candidates into one winner with the config's strategy.
// Candidates of models that are not enabled in cfg are ignored.
func CastVote(cfg *ensemble.Config, candidates []MatchCandidate) Vote {
	if cfg.Strategy == ensemble.StrategyUnanimous {
		return voteUnanimous(cfg, candidates)
	}

	tallies := make(map[string]*tally)
	var order []string
	for _, c := range candidates {
		prio := cfg.Priority(c.ModelID)
		if prio < 0 || !c.Voting() {
			continue
		}
		t, ok := tallies[c.IdentityID]
		if !ok {
			t = &tally{identity: c.IdentityID, best: c.CalibratedScore, priority: prio}
			tallies[c.IdentityID] = t
			order = append(order, c.IdentityID)
		}
		model, _ := cfg.Model(c.ModelID)
		t.votes++
		t.sum += c.CalibratedScore
		t.weighted += model.Weight * c.CalibratedScore
		t.best = max(t.best, c.CalibratedScore)
		t.priority = min(t.priority, prio)
	}
	if len(tallies) == 0 {
		return Vote{}
	}

	weighted := cfg.Strategy == ensemble.StrategyWeighted
	var win *tally
	for _, id := range order {
		t := tallies[id]
		if win == nil || beats(t, win, weighted) {
			win = t
		}
	}

	v := Vote{WinnerID: win.identity, ConsensusCount: win.votes}
	if weighted {
		v.CombinedScore = win.weighted
	} else {
		v.CombinedScore = win.sum / float64(win.votes)
	}
	return v
}

// beats orders tallies by primary score, then highest individual calibrated
// score, then the priority of the first-listed enabled model.
func beats(a, b *tally, weighted bool) bool {
	if weighted {
		if a.weighted != b.weighted {
			return a.weighted > b.weighted
		}
	} else if a.votes != b.votes {
		return a.votes > b.votes
	}
	if a.best != b.best {
		return a.best > b.best
	}
	return a.priority < b.priority
}

// voteUnanimous requires every non-abstained enabled model to name the same
// identity. Abstentions do not block; a no-match or disagreement does.
func voteUnanimous(cfg *ensemble.Config, candidates []MatchCandidate) Vote {
	var v Vote
	for _, c := range candidates {
		if cfg.Priority(c.ModelID) < 0 || c.Abstained {
			continue
		}
		if c.IdentityID == "" {
			return Vote{}
		}
		if v.WinnerID == "" {
			v.WinnerID = c.IdentityID
			v.CombinedScore = c.CalibratedScore
		} else if c.IdentityID != v.WinnerID {
			return Vote{}
		}
		v.ConsensusCount++
		v.CombinedScore = max(v.CombinedScore, c.CalibratedScore)
	}
	return v
}
