package adaptive

// #region imports
import (
	"context"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/adaptive-tuning/internal/outcome"
	"github.com/danielpatrickdp/adaptive-tuning/internal/quality"
	"github.com/danielpatrickdp/adaptive-tuning/internal/scores"
)

// #endregion

// #region signals

// signalSet is the aggregate view one cycle works from. Only global keys
// feed it; per-person and per-room composites are for lookups, not tuning.
type signalSet struct {
	outcomeScore   float64  // sample-weighted mean action score
	negativeRatio  float64  // negative outcomes / total outcomes
	totalOutcomes  int64
	anomalous      []string // actions with an overwhelming negative ratio
	clarityScore   float64  // sample-weighted mean category clarity
	totalExchanges int64
}

// gatherSignals aggregates the outcome and quality ledgers.
func (e *Engine) gatherSignals(ctx context.Context) (signalSet, error) {
	sig := signalSet{outcomeScore: e.pol.ScoreDefault, clarityScore: e.pol.ScoreDefault}

	oc, err := e.aggregate(ctx, e.outcomes, string(outcome.KindNegative))
	if err != nil {
		return sig, fmt.Errorf("aggregate outcomes: %w", err)
	}
	sig.totalOutcomes = oc.total
	sig.anomalous = oc.flagged
	if oc.total > 0 {
		sig.negativeRatio = float64(oc.marked) / float64(oc.total)
	}
	if oc.weight > 0 {
		sig.outcomeScore = oc.weightedScore / float64(oc.weight)
	}

	qc, err := e.aggregate(ctx, e.quality, string(quality.QualityRephrased))
	if err != nil {
		return sig, fmt.Errorf("aggregate quality: %w", err)
	}
	sig.totalExchanges = qc.total
	if qc.weight > 0 {
		sig.clarityScore = qc.weightedScore / float64(qc.weight)
	}
	return sig, nil
}

type aggregateCounts struct {
	total         int64
	marked        int64    // count of the kind the caller singled out
	flagged       []string // keys where the marked kind dominates
	weight        int64
	weightedScore float64
}

// aggregate walks one ledger's global keys and sums totals, the marked kind,
// and the sample-weighted score. Keys whose marked-kind ratio crosses the
// anomaly threshold (with enough samples to mean anything) are flagged.
func (e *Engine) aggregate(ctx context.Context, ledger *scores.Ledger, markKind string) (aggregateCounts, error) {
	var agg aggregateCounts
	keys, err := ledger.StatsKeys(ctx)
	if err != nil {
		return agg, err
	}
	for _, key := range keys {
		if strings.Contains(key, ":") {
			continue // composite
		}
		stats, err := ledger.Stats(ctx, key, []string{markKind})
		if err != nil {
			return agg, err
		}
		agg.total += stats.Total
		agg.marked += stats.ByKind[markKind]
		if stats.Total >= e.pol.AnomalyMinSamples &&
			float64(stats.ByKind[markKind])/float64(stats.Total) > e.pol.AnomalyRatio {
			agg.flagged = append(agg.flagged, key)
		}

		score, err := ledger.GetScore(ctx, key)
		if err != nil {
			return agg, err
		}
		agg.weight += stats.Total
		agg.weightedScore += score * float64(stats.Total)
	}
	return agg, nil
}

// #endregion signals

// #region rules

// Signal domains. An anomaly in the outcome ledger freezes only the
// parameters tuned from it; clarity-driven parameters keep their own signal.
const (
	domainOutcome = "outcome"
	domainQuality = "quality"
)

// rule decides the adjustment direction for one parameter given the current
// signals. Direction +1 steps the value up, -1 down, 0 leaves it.
type rule struct {
	domain string
	decide func(signalSet) (int, string)
}

var rules = map[string]rule{
	// Poor outcomes: act less often. Strong outcomes: a shorter cooldown
	// is safe.
	"action_cooldown": {domainOutcome, func(s signalSet) (int, string) {
		if s.outcomeScore < 0.4 {
			return 1, fmt.Sprintf("outcome score %.2f below 0.40", s.outcomeScore)
		}
		if s.outcomeScore > 0.7 {
			return -1, fmt.Sprintf("outcome score %.2f above 0.70", s.outcomeScore)
		}
		return 0, ""
	}},
	// Frequent reversals: demand more confidence before acting.
	"min_confidence": {domainOutcome, func(s signalSet) (int, string) {
		if s.negativeRatio > 0.3 {
			return 1, fmt.Sprintf("negative ratio %.2f above 0.30", s.negativeRatio)
		}
		if s.negativeRatio < 0.1 && s.outcomeScore > 0.6 {
			return -1, fmt.Sprintf("negative ratio %.2f with outcome score %.2f", s.negativeRatio, s.outcomeScore)
		}
		return 0, ""
	}},
	// Muddled exchanges: give people more time to clarify.
	"followup_window": {domainQuality, func(s signalSet) (int, string) {
		if s.totalExchanges == 0 {
			return 0, ""
		}
		if s.clarityScore < 0.4 {
			return 1, fmt.Sprintf("clarity score %.2f below 0.40", s.clarityScore)
		}
		if s.clarityScore > 0.8 {
			return -1, fmt.Sprintf("clarity score %.2f above 0.80", s.clarityScore)
		}
		return 0, ""
	}},
	"speak_chance": {domainOutcome, func(s signalSet) (int, string) {
		if s.outcomeScore > 0.7 {
			return 1, fmt.Sprintf("outcome score %.2f above 0.70", s.outcomeScore)
		}
		if s.outcomeScore < 0.4 {
			return -1, fmt.Sprintf("outcome score %.2f below 0.40", s.outcomeScore)
		}
		return 0, ""
	}},
	"quiet_hours_margin": {domainOutcome, func(s signalSet) (int, string) {
		if s.negativeRatio > 0.3 {
			return 1, fmt.Sprintf("negative ratio %.2f above 0.30", s.negativeRatio)
		}
		return 0, ""
	}},
	// A lower threshold catches more rephrases when exchanges read as
	// unclear.
	"rephrase_threshold": {domainQuality, func(s signalSet) (int, string) {
		if s.totalExchanges == 0 {
			return 0, ""
		}
		if s.clarityScore < 0.4 {
			return -1, fmt.Sprintf("clarity score %.2f below 0.40", s.clarityScore)
		}
		if s.clarityScore > 0.8 {
			return 1, fmt.Sprintf("clarity score %.2f above 0.80", s.clarityScore)
		}
		return 0, ""
	}},
}

// #endregion rules
