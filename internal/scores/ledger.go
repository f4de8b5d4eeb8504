package scores

// #region imports
import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/danielpatrickdp/adaptive-tuning/internal/coord"
	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
)

// #endregion

// #region ledger

// Ledger is generic decayed-score bookkeeping over the coordination store.
// Scores stay at a fixed default until a minimum sample count is reached and
// then move by a bounded EMA rule. One ledger instance serves one key
// namespace; composite keys (action:person, action:room) reuse the same
// logic without duplicating it.
type Ledger struct {
	store     *coord.Store
	pol       policy.Policy
	namespace string
}

// NewLedger creates a ledger writing under the given namespace
// ("outcome", "quality").
func NewLedger(store *coord.Store, pol policy.Policy, namespace string) *Ledger {
	return &Ledger{store: store, pol: pol, namespace: namespace}
}

func (l *Ledger) scoreKey(key string) string {
	return l.namespace + ":score:" + key
}

func (l *Ledger) statsKey(key, kind string) string {
	return l.namespace + ":stats:" + key + ":" + kind
}

// CompositeKey joins an action with a person or room tag into a ledger key.
func CompositeKey(action, tag string) string {
	return action + ":" + tag
}

// #endregion

// #region get-score

// GetScore returns the persisted score for key, or the fixed default while
// the sample count is below the configured minimum.
func (l *Ledger) GetScore(ctx context.Context, key string) (float64, error) {
	total, err := l.store.GetCounter(ctx, l.statsKey(key, "total"))
	if err != nil {
		return l.pol.ScoreDefault, fmt.Errorf("read samples for %s: %w", key, err)
	}
	if total < l.pol.MinSamples {
		return l.pol.ScoreDefault, nil
	}
	return l.readScore(ctx, key)
}

func (l *Ledger) readScore(ctx context.Context, key string) (float64, error) {
	raw, ok, err := l.store.Get(ctx, l.scoreKey(key))
	if err != nil {
		return l.pol.ScoreDefault, fmt.Errorf("read score %s: %w", key, err)
	}
	if !ok {
		return l.pol.ScoreDefault, nil
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return l.pol.ScoreDefault, fmt.Errorf("score %s holds non-numeric value %q", key, raw)
	}
	return score, nil
}

// #endregion

// #region record

// Record counts one observation of the given kind against key and, once the
// minimum sample count is reached, moves the score toward target via the
// bounded EMA rule.
func (l *Ledger) Record(ctx context.Context, key, kind string, target float64) error {
	if _, err := l.store.Incr(ctx, l.statsKey(key, kind), l.pol.StatsTTL); err != nil {
		return fmt.Errorf("record %s/%s: %w", key, kind, err)
	}
	total, err := l.store.Incr(ctx, l.statsKey(key, "total"), l.pol.StatsTTL)
	if err != nil {
		return fmt.Errorf("record %s total: %w", key, err)
	}
	if total < l.pol.MinSamples {
		return nil
	}
	return l.updateScore(ctx, key, target)
}

// #endregion

// #region update-score

// updateScore applies new = alpha*target + (1-alpha)*old with a two-stage
// clamp: the raw delta is capped at MaxDailyChange first, then the result is
// clamped to [0,1]. A burst of adversarial or erroneous signals cannot move
// a score further than the daily cap in one update cycle.
func (l *Ledger) updateScore(ctx context.Context, key string, target float64) error {
	old, err := l.readScore(ctx, key)
	if err != nil {
		return err
	}

	raw := l.pol.EMAAlpha*target + (1-l.pol.EMAAlpha)*old
	delta := raw - old
	if delta > l.pol.MaxDailyChange {
		delta = l.pol.MaxDailyChange
	}
	if delta < -l.pol.MaxDailyChange {
		delta = -l.pol.MaxDailyChange
	}

	next := old + delta
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}

	val := strconv.FormatFloat(next, 'f', -1, 64)
	if err := l.store.SetTTL(ctx, l.scoreKey(key), val, l.pol.ScoreTTL); err != nil {
		return fmt.Errorf("persist score %s: %w", key, err)
	}
	return nil
}

// #endregion

// #region stats

// Stats holds per-kind counters plus the total for one key.
type Stats struct {
	ByKind map[string]int64
	Total  int64
}

// Stats reads the per-kind counters recorded for key. kinds names the
// counters to read; the total is always included.
func (l *Ledger) Stats(ctx context.Context, key string, kinds []string) (Stats, error) {
	out := Stats{ByKind: make(map[string]int64, len(kinds))}
	for _, kind := range kinds {
		n, err := l.store.GetCounter(ctx, l.statsKey(key, kind))
		if err != nil {
			return Stats{}, fmt.Errorf("stats %s/%s: %w", key, kind, err)
		}
		out.ByKind[kind] = n
	}
	total, err := l.store.GetCounter(ctx, l.statsKey(key, "total"))
	if err != nil {
		return Stats{}, fmt.Errorf("stats %s total: %w", key, err)
	}
	out.Total = total
	return out, nil
}

// #endregion

// #region reset

// Reset deletes the score and counters for key. The only way a score is
// ever removed.
func (l *Ledger) Reset(ctx context.Context, key string, kinds []string) error {
	if err := l.store.Delete(ctx, l.scoreKey(key)); err != nil {
		return err
	}
	for _, kind := range kinds {
		if err := l.store.Delete(ctx, l.statsKey(key, kind)); err != nil {
			return err
		}
	}
	return l.store.Delete(ctx, l.statsKey(key, "total"))
}

// #endregion

// #region scan

// StatsKeys lists every key with recorded samples in this namespace,
// including keys still below the minimum sample count.
func (l *Ledger) StatsKeys(ctx context.Context) ([]string, error) {
	prefix := l.namespace + ":stats:"
	const suffix = ":total"
	keys, err := l.store.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		rest := k[len(prefix):]
		if !strings.HasSuffix(rest, suffix) {
			continue
		}
		out = append(out, strings.TrimSuffix(rest, suffix))
	}
	return out, nil
}

// ScanKeys lists every key with a persisted score in this namespace.
func (l *Ledger) ScanKeys(ctx context.Context) ([]string, error) {
	prefix := l.namespace + ":score:"
	keys, err := l.store.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k[len(prefix):]
	}
	return out, nil
}

// #endregion
