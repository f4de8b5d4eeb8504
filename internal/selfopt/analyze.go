package selfopt

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
	"github.com/danielpatrickdp/adaptive-tuning/internal/scores"
)

// #endregion

// #region prompt

const systemPrompt = `You tune numeric parameters for an ambient home assistant.
You receive the tunable parameters with their allowed ranges and the observed
outcome statistics. Propose at most five adjustments.

Respond with ONLY a JSON array, no prose and no code fences. Each element:
{"parameter": "<name>", "current_value": <number>, "proposed_value": <number>,
 "reason": "<one sentence>", "confidence": <0..1>}

Propose only parameters from the list. Stay inside the allowed ranges.
An empty array is a valid answer.`

// buildPrompt renders the whitelist with live values plus the signal
// summary.
func (s *Service) buildPrompt(ctx context.Context) (string, error) {
	doc := s.cfg.Current()
	var b strings.Builder

	b.WriteString("Tunable parameters:\n")
	for _, bound := range policy.WideWhitelist() {
		cur := bound.Default
		if v, ok := doc.GetFloat(bound.Path); ok {
			cur = v
		}
		fmt.Fprintf(&b, "- %s (%s): current=%g allowed=[%g, %g]\n",
			bound.Name, bound.Path, cur, bound.Min, bound.Max)
	}

	b.WriteString("\nAction outcomes (score 0..1, 0.5 is neutral):\n")
	if err := s.writeLedgerSummary(ctx, &b, s.outcomes, kindsOutcome); err != nil {
		return "", err
	}
	b.WriteString("\nRequest clarity (score 0..1, 1 means understood):\n")
	if err := s.writeLedgerSummary(ctx, &b, s.clarity, kindsQuality); err != nil {
		return "", err
	}
	return b.String(), nil
}

var (
	kindsOutcome = []string{"positive", "neutral", "partial", "negative"}
	kindsQuality = []string{"clear", "rephrased", "unclear", "thanks"}
)

func (s *Service) writeLedgerSummary(ctx context.Context, b *strings.Builder, ledger *scores.Ledger, kinds []string) error {
	keys, err := ledger.StatsKeys(ctx)
	if err != nil {
		return fmt.Errorf("list ledger keys: %w", err)
	}
	sort.Strings(keys)
	wrote := false
	for _, key := range keys {
		if strings.Contains(key, ":") {
			continue // composites stay out of the global picture
		}
		stats, err := ledger.Stats(ctx, key, kinds)
		if err != nil {
			return err
		}
		score, err := ledger.GetScore(ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(b, "- %s: score=%.2f samples=%d", key, score, stats.Total)
		for _, kind := range kinds {
			if n := stats.ByKind[kind]; n > 0 {
				fmt.Fprintf(b, " %s=%d", kind, n)
			}
		}
		b.WriteString("\n")
		wrote = true
	}
	if !wrote {
		b.WriteString("- no data\n")
	}
	return nil
}

// #endregion prompt

// #region run

// RunAnalysis generates, validates, and stores a fresh pending proposal set,
// replacing any previous one. Guards: a store-side lease so concurrent
// triggers cannot double-run, a daily rate limit (bypassed by manual
// triggers), and a minimum outcome count before the signals are worth
// analyzing.
func (s *Service) RunAnalysis(ctx context.Context, manual bool) (Report, error) {
	granted, lease, err := s.store.AcquireLease(ctx, leaseKey, s.pol.AnalysisTimeout)
	if err != nil {
		return Report{}, fmt.Errorf("acquire analysis lease: %w", err)
	}
	if !granted {
		return Report{Skipped: SkipLeaseHeld}, nil
	}
	defer s.store.ReleaseLease(ctx, lease)

	if !manual {
		if last, ok, err := s.lastRun(ctx); err != nil {
			return Report{}, err
		} else if ok && s.now().Sub(last) < analysisMinInterval {
			return Report{Skipped: SkipRateLimit}, nil
		}
	}

	_, _, total, err := s.outcomeSignals(ctx)
	if err != nil {
		return Report{}, err
	}
	if total < int64(s.pol.MinCycleOutcomes) {
		return Report{Skipped: SkipLowData}, nil
	}

	prompt, err := s.buildPrompt(ctx)
	if err != nil {
		return Report{}, err
	}

	genCtx, cancel := context.WithTimeout(ctx, s.pol.AnalysisTimeout)
	defer cancel()
	raw, err := s.gen.Complete(genCtx, systemPrompt, prompt)
	if err != nil {
		return Report{}, fmt.Errorf("generate proposals: %w", err)
	}

	if err := s.recordLastRun(ctx); err != nil {
		return Report{}, err
	}

	candidates, ok := parseCandidates(raw)
	if !ok {
		// Unparseable output is treated as zero proposals, never as
		// something to repair or retry into the config.
		log.Printf("[SELFOPT] analysis output not a valid candidate array, dropping")
		return s.storePending(ctx, nil, Report{ParseFailed: true})
	}

	validator := s.validator()
	report := Report{}
	var accepted []Proposal
	for _, c := range candidates {
		if valid, reason := validator.Validate(c); !valid {
			report.Rejected++
			if err := s.logRejected(ctx, Proposal{Candidate: c}, reason, "system"); err != nil {
				return report, err
			}
			continue
		}
		accepted = append(accepted, Proposal{
			ID:        uuid.New().String(),
			Candidate: c,
			Model:     s.gen.Model(),
			CreatedAt: s.now().UTC(),
		})
	}

	// Highest confidence first, then cap.
	sort.SliceStable(accepted, func(i, j int) bool {
		return accepted[i].Confidence > accepted[j].Confidence
	})
	if len(accepted) > s.pol.TopProposals {
		accepted = accepted[:s.pol.TopProposals]
	}

	report, err = s.storePending(ctx, accepted, report)
	if err != nil {
		return report, err
	}
	log.Printf("[SELFOPT] analysis stored %d proposals (%d rejected)", len(accepted), report.Rejected)

	if s.autoApply && len(accepted) > 0 {
		if _, err := s.Approve(ctx, accepted[0].ID, "system"); err != nil {
			log.Printf("[SELFOPT] auto-apply failed: %v", err)
		}
	}
	return report, nil
}

// #endregion run

// #region parse

// parseCandidates does a strict parse of the model output into the closed
// candidate shape. Code fences are stripped first; anything else unexpected
// fails the parse.
func parseCandidates(raw string) ([]policy.Candidate, bool) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}

	var candidates []policy.Candidate
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&candidates); err != nil {
		return nil, false
	}
	return candidates, true
}

// #endregion parse

// #region bookkeeping

func (s *Service) lastRun(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := s.store.Get(ctx, lastRunKey)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read last analysis time: %w", err)
	}
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (s *Service) recordLastRun(ctx context.Context) error {
	if err := s.store.Set(ctx, lastRunKey, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("record last analysis time: %w", err)
	}
	return nil
}

// #endregion bookkeeping
