package quality

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/danielpatrickdp/adaptive-tuning/internal/coord"
	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
	"github.com/danielpatrickdp/adaptive-tuning/internal/scores"
)

// #endregion

// #region quality-kinds

// Quality classifies one conversational exchange.
type Quality string

const (
	QualityClear     Quality = "clear"
	QualityRephrased Quality = "rephrased"
	QualityUnclear   Quality = "unclear"
	QualityThanks    Quality = "thanks" // clear with explicit gratitude
)

// Kinds lists every quality kind, for stats queries.
var Kinds = []string{
	string(QualityClear),
	string(QualityRephrased),
	string(QualityUnclear),
	string(QualityThanks),
}

// Targets maps each quality to its score-ledger EMA target. A rephrase is
// the strongest negative signal: the previous answer forced the user to
// repeat themselves.
var Targets = map[Quality]float64{
	QualityClear:     0.8,
	QualityRephrased: 0.0,
	QualityUnclear:   0.2,
	QualityThanks:    1.0,
}

// #endregion

// #region thanks-keywords

// thanksKeywords mark an exchange clearly positive regardless of the
// rephrase and follow-up detectors.
var thanksKeywords = []string{
	"thanks", "thank you", "thx", "perfect", "that worked",
	"great job", "well done", "awesome, thanks",
}

func isThanks(lower string) bool {
	for _, kw := range thanksKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// #endregion

// #region prev-exchange

// prevExchange is the per-person memory the detectors compare against.
type prevExchange struct {
	Text        string    `json:"text"`
	Category    string    `json:"category"`
	RespondedAt time.Time `json:"responded_at"`
}

func prevKey(person string) string {
	return "quality:prev:" + person
}

// #endregion

// #region tracker

// Tracker classifies conversational exchanges as clear, rephrased, or
// unclear via lexical and timing heuristics, and writes the result through
// the score ledger, globally per category and per person.
type Tracker struct {
	store  *coord.Store
	ledger *scores.Ledger
	pol    policy.Policy
}

// NewTracker creates a response-quality tracker.
func NewTracker(store *coord.Store, ledger *scores.Ledger, pol policy.Policy) *Tracker {
	return &Tracker{store: store, ledger: ledger, pol: pol}
}

// #endregion

// #region track-exchange

// TrackExchange classifies the user input that arrived at `now` against the
// person's previous exchange and records the quality. category names the
// response category the previous reply belonged to.
func (t *Tracker) TrackExchange(ctx context.Context, person, category, text string, now time.Time) (Quality, error) {
	prev, hasPrev, err := t.loadPrev(ctx, person)
	if err != nil {
		return "", err
	}

	q := classify(text, prev, hasPrev, now, t.pol)

	// Remember this exchange for the next classification.
	if err := t.storePrev(ctx, person, prevExchange{
		Text:        text,
		Category:    category,
		RespondedAt: now,
	}); err != nil {
		return "", err
	}

	// A rephrase or follow-up scores against the PREVIOUS category: that is
	// the response that failed to land.
	scored := category
	if hasPrev && (q == QualityRephrased || q == QualityUnclear) {
		scored = prev.Category
	}
	if scored == "" {
		return q, nil
	}

	target := Targets[q]
	if err := t.ledger.Record(ctx, scored, string(q), target); err != nil {
		return "", fmt.Errorf("record quality: %w", err)
	}
	if person != "" {
		if err := t.ledger.Record(ctx, scores.CompositeKey(scored, person), string(q), target); err != nil {
			return "", fmt.Errorf("record person quality: %w", err)
		}
	}
	log.Printf("[QUALITY] %s exchange for %s (category=%s)", q, person, scored)
	return q, nil
}

// #endregion

// #region classify

// classify applies the three detectors in precedence order: explicit thanks
// overrides everything, then the rephrase detector, then the follow-up
// window.
func classify(text string, prev prevExchange, hasPrev bool, now time.Time, pol policy.Policy) Quality {
	lower := strings.ToLower(strings.TrimSpace(text))
	if isThanks(lower) {
		return QualityThanks
	}
	if !hasPrev {
		return QualityClear
	}
	if jaccard(tokenize(prev.Text), tokenize(text)) >= pol.RephraseThreshold {
		return QualityRephrased
	}
	if prev.Category != "" && now.Sub(prev.RespondedAt) < pol.FollowUpWindow {
		return QualityUnclear
	}
	return QualityClear
}

// #endregion

// #region prev-io

func (t *Tracker) loadPrev(ctx context.Context, person string) (prevExchange, bool, error) {
	raw, ok, err := t.store.Get(ctx, prevKey(person))
	if err != nil {
		return prevExchange{}, false, fmt.Errorf("load previous exchange: %w", err)
	}
	if !ok {
		return prevExchange{}, false, nil
	}
	var prev prevExchange
	if err := json.Unmarshal([]byte(raw), &prev); err != nil {
		// Malformed memory is treated as no memory.
		return prevExchange{}, false, nil
	}
	return prev, true, nil
}

func (t *Tracker) storePrev(ctx context.Context, person string, prev prevExchange) error {
	raw, err := json.Marshal(prev)
	if err != nil {
		return err
	}
	return t.store.SetTTL(ctx, prevKey(person), string(raw), t.pol.PrevInputTTL)
}

// #endregion
