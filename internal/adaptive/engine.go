package adaptive

// #region imports
import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-tuning/internal/audit"
	"github.com/danielpatrickdp/adaptive-tuning/internal/coord"
	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
	"github.com/danielpatrickdp/adaptive-tuning/internal/scores"
)

// #endregion

// #region keys
const (
	weeklyKeyPrefix = "adaptive:weekly:"
	auditListKey    = "adaptive:audit"

	// Counters for past weeks are dead weight once the week rolls over.
	weeklyCounterTTL = 14 * 24 * time.Hour
)

// #endregion

// #region types

// PendingChecker reports parameters that currently have an open proposal.
// The engine never adjusts a parameter while a proposal for it is awaiting
// review.
type PendingChecker interface {
	PendingParameters(ctx context.Context) ([]string, error)
}

// Adjustment is one applied runtime change.
type Adjustment struct {
	Parameter string  `json:"parameter"`
	OldValue  float64 `json:"old_value"`
	NewValue  float64 `json:"new_value"`
	Reason    string  `json:"reason"`
	At        string  `json:"at"`
}

// Skip reasons, per cycle or per parameter.
const (
	SkipLowData         = "low_data"
	SkipAnomaly         = "anomaly"
	SkipRateLimit       = "rate_limit"
	SkipPendingProposal = "pending_proposal"
	SkipNoSignal        = "no_signal"
	SkipAtBound         = "at_bound"
)

// CycleResult reports what one adjustment cycle did.
type CycleResult struct {
	Adjusted []Adjustment
	Skipped  map[string]string // parameter -> reason
	// CycleSkip is set when the whole cycle was abandoned before any
	// per-parameter work.
	CycleSkip string
}

// #endregion types

// #region engine

// Engine holds the runtime-adjusted thresholds. Values live in memory only;
// the persisted configuration file is never touched from here. Restart
// resets every value to its seed.
type Engine struct {
	store    *coord.Store
	outcomes *scores.Ledger
	quality  *scores.Ledger
	pol      policy.Policy
	bounds   []policy.ParameterBound
	pending  PendingChecker // may be nil
	db       *sql.DB        // may be nil; durable audit trail when set

	mu     sync.RWMutex
	values map[string]float64

	now func() time.Time
}

// NewEngine builds an engine over the given whitelist, seeded at each
// parameter's default.
func NewEngine(store *coord.Store, outcomes, quality *scores.Ledger, pol policy.Policy, bounds []policy.ParameterBound) *Engine {
	values := make(map[string]float64, len(bounds))
	for _, b := range bounds {
		values[b.Name] = b.Default
	}
	return &Engine{
		store:    store,
		outcomes: outcomes,
		quality:  quality,
		pol:      pol,
		bounds:   bounds,
		values:   values,
		now:      time.Now,
	}
}

// WithPendingChecker wires the open-proposal conflict guard.
func (e *Engine) WithPendingChecker(p PendingChecker) *Engine {
	e.pending = p
	return e
}

// WithAuditDB mirrors adjustments into the durable audit trail.
func (e *Engine) WithAuditDB(db *sql.DB) *Engine {
	e.db = db
	return e
}

// Seed overrides current values from persisted configuration, clamped to
// each parameter's bounds. Unknown names are ignored.
func (e *Engine) Seed(values map[string]float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.bounds {
		if v, ok := values[b.Name]; ok {
			e.values[b.Name] = b.Clamp(v)
		}
	}
}

// Value returns the current runtime value for a parameter.
func (e *Engine) Value(name string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[name]
	return v, ok
}

// Values returns a copy of all current runtime values.
func (e *Engine) Values() map[string]float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]float64, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// #endregion engine

// #region cycle

// RunCycle evaluates every whitelisted parameter against the current
// outcome and clarity signals and applies at most one step per parameter.
// Guards, in order: enough outcome data to trust the signals, an anomaly
// freeze on outcome-tuned parameters when any action is overwhelmingly
// negative, the weekly adjustment cap, and open proposals on individual
// parameters.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Skipped: make(map[string]string)}

	sig, err := e.gatherSignals(ctx)
	if err != nil {
		return res, fmt.Errorf("gather signals: %w", err)
	}

	if sig.totalOutcomes < int64(e.pol.MinCycleOutcomes) {
		res.CycleSkip = SkipLowData
		log.Printf("[ADAPTIVE] cycle skipped: %s (outcomes=%d, need %d)",
			SkipLowData, sig.totalOutcomes, e.pol.MinCycleOutcomes)
		return res, nil
	}

	// A flood of negatives on any one action means something upstream is
	// broken. Tuning toward a broken signal would institutionalize the
	// breakage, so every parameter fed by the outcome ledger freezes.
	if len(sig.anomalous) > 0 {
		log.Printf("[ADAPTIVE] anomaly freeze on outcome parameters: %v", sig.anomalous)
	}

	pendingSet, err := e.pendingSet(ctx)
	if err != nil {
		return res, fmt.Errorf("check pending proposals: %w", err)
	}

	weekKey := e.weeklyKey()
	for _, b := range e.bounds {
		r, ok := rules[b.Name]
		if !ok {
			res.Skipped[b.Name] = SkipNoSignal
			continue
		}
		if r.domain == domainOutcome && len(sig.anomalous) > 0 {
			res.Skipped[b.Name] = SkipAnomaly
			continue
		}
		direction, reason := r.decide(sig)
		if direction == 0 {
			res.Skipped[b.Name] = SkipNoSignal
			continue
		}
		if pendingSet[b.Name] {
			res.Skipped[b.Name] = SkipPendingProposal
			continue
		}

		used, err := e.store.GetCounter(ctx, weekKey)
		if err != nil {
			return res, fmt.Errorf("read weekly counter: %w", err)
		}
		if used >= int64(e.pol.WeeklyAdjustCap) {
			res.Skipped[b.Name] = SkipRateLimit
			continue
		}

		adj, applied, err := e.apply(ctx, b, direction, reason, weekKey)
		if err != nil {
			return res, err
		}
		if !applied {
			res.Skipped[b.Name] = SkipAtBound
			continue
		}
		res.Adjusted = append(res.Adjusted, adj)
	}
	return res, nil
}

// apply steps one parameter, records the audit entry, and consumes one slot
// of the weekly budget. Returns applied=false when the clamp left the value
// unchanged.
func (e *Engine) apply(ctx context.Context, b policy.ParameterBound, direction int, reason, weekKey string) (Adjustment, bool, error) {
	e.mu.Lock()
	old := e.values[b.Name]
	next := b.Clamp(old + float64(direction)*b.Step)
	if next == old {
		e.mu.Unlock()
		return Adjustment{}, false, nil
	}
	e.values[b.Name] = next
	e.mu.Unlock()

	if _, err := e.store.Incr(ctx, weekKey, weeklyCounterTTL); err != nil {
		return Adjustment{}, false, fmt.Errorf("bump weekly counter: %w", err)
	}

	adj := Adjustment{
		Parameter: b.Name,
		OldValue:  old,
		NewValue:  next,
		Reason:    reason,
		At:        e.now().UTC().Format(time.RFC3339),
	}
	if err := e.recordAudit(ctx, adj); err != nil {
		return Adjustment{}, false, err
	}
	log.Printf("[ADAPTIVE] adjusted %s: %.4f -> %.4f (%s)", b.Name, old, next, reason)
	return adj, true, nil
}

func (e *Engine) pendingSet(ctx context.Context) (map[string]bool, error) {
	set := make(map[string]bool)
	if e.pending == nil {
		return set, nil
	}
	params, err := e.pending.PendingParameters(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		set[p] = true
	}
	return set, nil
}

// weeklyKey names the adjustment counter for the current ISO week, so the
// budget resets on week boundaries without any cleanup job.
func (e *Engine) weeklyKey() string {
	year, week := e.now().UTC().ISOWeek()
	return fmt.Sprintf("%s%d-W%02d", weeklyKeyPrefix, year, week)
}

// #endregion cycle

// #region audit

// recordAudit pushes the adjustment onto the bounded runtime audit list and,
// when a database is wired, into the durable trail.
func (e *Engine) recordAudit(ctx context.Context, adj Adjustment) error {
	raw, err := json.Marshal(adj)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if err := e.store.Push(ctx, auditListKey, string(raw), e.pol.AuditLogMax, e.pol.AuditLogTTL); err != nil {
		return fmt.Errorf("push audit entry: %w", err)
	}

	if e.db != nil {
		err := audit.Log(e.db, audit.Entry{
			Domain:   "adaptive",
			Subject:  adj.Parameter,
			Action:   "adjust",
			OldValue: fmt.Sprintf("%g", adj.OldValue),
			NewValue: fmt.Sprintf("%g", adj.NewValue),
			Reason:   adj.Reason,
			Actor:    "system",
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AuditLog returns the newest runtime adjustments, newest first.
func (e *Engine) AuditLog(ctx context.Context, n int) ([]Adjustment, error) {
	items, err := e.store.Range(ctx, auditListKey, 0, n-1)
	if err != nil {
		return nil, fmt.Errorf("read audit list: %w", err)
	}
	out := make([]Adjustment, 0, len(items))
	for _, item := range items {
		var adj Adjustment
		if err := json.Unmarshal([]byte(item), &adj); err != nil {
			continue
		}
		out = append(out, adj)
	}
	return out, nil
}

// #endregion audit
