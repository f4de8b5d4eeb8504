package selfopt

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-tuning/internal/audit"
)

// #endregion

// #region baseline

// baseline captures the signal levels at the moment a proposal was applied.
// Compared against current levels once the cooldown has passed. The
// comparison is informational only; it never reverts anything by itself.
type baseline struct {
	Parameter     string    `json:"parameter"`
	ProposalID    string    `json:"proposal_id"`
	AppliedAt     time.Time `json:"applied_at"`
	OutcomeScore  float64   `json:"outcome_score"`
	NegativeRatio float64   `json:"negative_ratio"`
}

func (s *Service) recordBaseline(ctx context.Context, proposal Proposal) error {
	score, ratio, _, err := s.outcomeSignals(ctx)
	if err != nil {
		return err
	}
	b := baseline{
		Parameter:     proposal.Parameter,
		ProposalID:    proposal.ID,
		AppliedAt:     s.now().UTC(),
		OutcomeScore:  score,
		NegativeRatio: ratio,
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}
	// Kept twice the cooldown so a missed follow-up cycle still finds it.
	err = s.store.SetTTL(ctx, effectPrefix+proposal.Parameter, string(raw), 2*s.pol.EffectCooldown)
	if err != nil {
		return fmt.Errorf("store baseline: %w", err)
	}
	return nil
}

// #endregion baseline

// #region check

// EffectReport compares one applied change against its baseline.
type EffectReport struct {
	Parameter     string
	AppliedAt     time.Time
	ScoreDelta    float64
	NegRatioDelta float64
}

// CheckEffectiveness evaluates every applied change whose cooldown has
// elapsed, logs the observed deltas, and clears the baseline. Changes still
// inside the cooldown are left for a later cycle.
func (s *Service) CheckEffectiveness(ctx context.Context) ([]EffectReport, error) {
	keys, err := s.store.Scan(ctx, effectPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan baselines: %w", err)
	}

	var reports []EffectReport
	for _, key := range keys {
		raw, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return reports, fmt.Errorf("read baseline %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var b baseline
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			// A corrupt baseline is useless; drop it.
			s.store.Delete(ctx, key)
			continue
		}
		if s.now().Sub(b.AppliedAt) < s.pol.EffectCooldown {
			continue
		}

		score, ratio, _, err := s.outcomeSignals(ctx)
		if err != nil {
			return reports, err
		}
		report := EffectReport{
			Parameter:     b.Parameter,
			AppliedAt:     b.AppliedAt,
			ScoreDelta:    score - b.OutcomeScore,
			NegRatioDelta: ratio - b.NegativeRatio,
		}
		reports = append(reports, report)

		log.Printf("[SELFOPT] effect of %s after %s: score %+.3f, negative ratio %+.3f",
			b.Parameter, s.pol.EffectCooldown, report.ScoreDelta, report.NegRatioDelta)
		err = audit.Log(s.snaps.DB(), audit.Entry{
			Domain:  "selfopt",
			Subject: b.Parameter,
			Action:  "effect",
			Reason: fmt.Sprintf("score delta %+.3f, negative ratio delta %+.3f",
				report.ScoreDelta, report.NegRatioDelta),
			Actor: "system",
		})
		if err != nil {
			return reports, err
		}
		if err := s.store.Delete(ctx, key); err != nil {
			return reports, fmt.Errorf("clear baseline %s: %w", key, err)
		}
	}
	return reports, nil
}

// #endregion check

// #region signals

// outcomeSignals aggregates the global outcome keys into a weighted score,
// a negative ratio, and the sample total.
func (s *Service) outcomeSignals(ctx context.Context) (score, negRatio float64, total int64, err error) {
	score = s.pol.ScoreDefault
	keys, err := s.outcomes.StatsKeys(ctx)
	if err != nil {
		return score, 0, 0, fmt.Errorf("list outcome keys: %w", err)
	}

	var weighted float64
	var weight, negatives int64
	for _, key := range keys {
		if strings.Contains(key, ":") {
			continue
		}
		stats, err := s.outcomes.Stats(ctx, key, []string{"negative"})
		if err != nil {
			return score, 0, 0, err
		}
		keyScore, err := s.outcomes.GetScore(ctx, key)
		if err != nil {
			return score, 0, 0, err
		}
		total += stats.Total
		negatives += stats.ByKind["negative"]
		weight += stats.Total
		weighted += keyScore * float64(stats.Total)
	}
	if weight > 0 {
		score = weighted / float64(weight)
	}
	if total > 0 {
		negRatio = float64(negatives) / float64(total)
	}
	return score, negRatio, total, nil
}

// #endregion signals
