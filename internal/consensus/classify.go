package consensus

import (
	"github.com/kozaktomas/idverify/internal/ensemble"
)

// Classify maps a vote onto an outcome. The table is evaluated in order and
// nothing else influences the result.
func Classify(v Vote, fastPath, ambiguous bool, cfg *ensemble.Config) Outcome {
	t := cfg.Thresholds
	switch {
	case v.WinnerID == "":
		return OutcomeFailed
	case v.CombinedScore < t.MatchThreshold:
		return OutcomeFailed
	case !fastPath && v.ConsensusCount < cfg.MinimumConsensus:
		return OutcomeFlagged
	case ambiguous:
		return OutcomeFlagged
	case v.CombinedScore >= t.HighConfidence:
		return OutcomeVerifiedHigh
	case v.CombinedScore >= t.MediumConfidence:
		return OutcomeVerifiedMedium
	default:
		return OutcomeFlagged
	}
}

// AnyAmbiguous reports whether a non-abstained candidate that ranked the
// winner first or second flagged its top-2 gap as ambiguous.
func AnyAmbiguous(winnerID string, candidates []MatchCandidate) bool {
	for _, c := range candidates {
		if !c.Abstained && c.Ambiguous && c.Names(winnerID) {
			return true
		}
	}
	return false
}
