package outcome

// #region imports
import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/danielpatrickdp/adaptive-tuning/internal/coord"
	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
	"github.com/danielpatrickdp/adaptive-tuning/internal/scores"
)

// #endregion

// #region keys

const (
	pendingKey    = "outcome:pending"
	lastActionKey = "outcome:last_action"
)

// #endregion

// #region tracker

// Tracker observes the effect of executed actions by diffing target state
// before and after a delay, and feeds classifications into the score ledger.
type Tracker struct {
	store  *coord.Store
	ledger *scores.Ledger
	reader StateReader
	pol    policy.Policy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker. Close cancels all pending delayed checks;
// cancelled checks perform no score mutation.
func NewTracker(store *coord.Store, ledger *scores.Ledger, reader StateReader, pol policy.Policy) *Tracker {
	// The pending counter tracks observations held in this process's
	// memory. None survive a restart, so a persisted count is an orphan
	// left by a crash and would jam the cap.
	if err := store.Delete(context.Background(), pendingKey); err != nil {
		log.Printf("[OUTCOME] reset pending counter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		store:  store,
		ledger: ledger,
		reader: reader,
		pol:    pol,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Close cancels pending delayed checks and waits for them to unwind.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

// pendingTTL is the rolling expiry on the pending counter, so counts
// orphaned by a lost decrement expire instead of holding cap slots forever.
func (t *Tracker) pendingTTL() time.Duration {
	ttl := 2 * t.pol.CheckDelay
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// releasePending returns one cap slot with a fresh context, since the slot
// must come back even when the tracker context is already cancelled.
func (t *Tracker) releasePending() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := t.store.Decr(ctx, pendingKey, t.pendingTTL()); err != nil {
		log.Printf("[OUTCOME] release pending slot: %v", err)
	}
}

// #endregion

// #region track

// Track captures the post-action snapshot of targetID synchronously and
// schedules the delayed re-check. Silently skips when the pending cap is
// reached; the cap bounds memory and fan-out, and a missed observation is
// just one less sample.
func (t *Tracker) Track(ctx context.Context, action, targetID string, args map[string]string, person, room string) error {
	return t.track(ctx, action, targetID, args, person, room, State{})
}

func (t *Tracker) track(ctx context.Context, action, targetID string, args map[string]string, person, room string, before State) error {
	// Claim a cap slot up front; a check-then-increment pair would let
	// concurrent callers land over the cap.
	pending, err := t.store.Incr(ctx, pendingKey, t.pendingTTL())
	if err != nil {
		return err
	}
	if pending > t.pol.MaxPending {
		t.releasePending()
		log.Printf("[OUTCOME] pending cap %d reached, skipping %s", t.pol.MaxPending, action)
		return nil
	}

	after, err := t.reader.GetState(ctx, targetID)
	if err != nil {
		// No post-action snapshot means nothing to compare later.
		t.releasePending()
		log.Printf("[OUTCOME] cannot snapshot %s: %v", targetID, err)
		return nil
	}

	obs := Observation{
		Action:    action,
		TargetID:  targetID,
		Args:      args,
		Person:    person,
		Room:      room,
		Before:    before,
		After:     after,
		TrackedAt: time.Now().UTC(),
	}

	// Short-TTL pointer so untargeted verbal feedback reaches the most
	// recently tracked action.
	if err := t.store.SetTTL(ctx, lastActionKey, action, t.pol.FeedbackPointerTTL); err != nil {
		t.releasePending()
		return err
	}

	t.wg.Add(1)
	go t.delayedCheck(obs)
	return nil
}

// Run executes an action through exec and tracks it on success. A failed
// execution schedules no observation: there is no effect to measure. The
// pre-action snapshot is best effort; without it a NEGATIVE outcome just
// loses the reverted/overridden distinction.
func (t *Tracker) Run(ctx context.Context, exec Executor, action, targetID string, args map[string]string, person, room string) (bool, error) {
	before, err := t.reader.GetState(ctx, targetID)
	if err != nil {
		before = State{}
	}
	ok, err := exec.Execute(ctx, action, targetID, args)
	if err != nil || !ok {
		return ok, err
	}
	if err := t.track(ctx, action, targetID, args, person, room, before); err != nil {
		log.Printf("[OUTCOME] track after %s: %v", action, err)
	}
	return true, nil
}

// #endregion

// #region delayed-check

func (t *Tracker) delayedCheck(obs Observation) {
	defer t.wg.Done()
	// The slot comes back on every exit path, even when t.ctx died after
	// the timer fired; releasePending carries its own context.
	defer t.releasePending()

	timer := time.NewTimer(t.pol.CheckDelay)
	defer timer.Stop()

	select {
	case <-t.ctx.Done():
		// Cancelled: no score mutation.
		return
	case <-timer.C:
	}

	current, err := t.reader.GetState(t.ctx, obs.TargetID)
	if err != nil {
		// Unreadable target: drop with no signal. No signal beats a wrong one.
		log.Printf("[OUTCOME] dropped %s on %s: %v", obs.Action, obs.TargetID, err)
		return
	}

	kind := Classify(obs.After, current)
	if kind == KindNegative && Reverted(obs.Before, obs.After, current) {
		log.Printf("[OUTCOME] %s on %s rolled back to its pre-action state", obs.Action, obs.TargetID)
	}
	if err := t.recordKind(t.ctx, obs.Action, obs.Person, obs.Room, kind); err != nil {
		log.Printf("[OUTCOME] record %s=%s: %v", obs.Action, kind, err)
		return
	}
	log.Printf("[OUTCOME] classified %s on %s: %s", obs.Action, obs.TargetID, kind)
}

// recordKind writes the global score plus per-person and per-room composites.
func (t *Tracker) recordKind(ctx context.Context, action, person, room string, kind Kind) error {
	target := Targets[kind]
	if err := t.ledger.Record(ctx, action, string(kind), target); err != nil {
		return err
	}
	if person != "" {
		if err := t.ledger.Record(ctx, scores.CompositeKey(action, person), string(kind), target); err != nil {
			return err
		}
	}
	if room != "" {
		if err := t.ledger.Record(ctx, scores.CompositeKey(action, room), string(kind), target); err != nil {
			return err
		}
	}
	return nil
}

// #endregion

// #region verbal-feedback

// RecordFeedback applies an explicit positive/negative signal not tied to a
// specific action to whichever action type was tracked most recently.
// Enables "thanks" / "no, wrong" to retroactively score the last automated
// action. No-op when the pointer has expired.
func (t *Tracker) RecordFeedback(ctx context.Context, positive bool) error {
	action, ok, err := t.store.Get(ctx, lastActionKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	kind := KindNegative
	if positive {
		kind = KindPositive
	}
	log.Printf("[OUTCOME] verbal feedback %s -> %s", kind, action)
	return t.ledger.Record(ctx, action, string(kind), Targets[kind])
}

// #endregion

// #region reporting

// ActionStats returns the outcome counters for one action, for gating and
// the inspect surface.
func (t *Tracker) ActionStats(ctx context.Context, action string) (scores.Stats, error) {
	return t.ledger.Stats(ctx, action, Kinds)
}

// Pending returns the count of observations awaiting their delayed check.
func (t *Tracker) Pending(ctx context.Context) (int64, error) {
	return t.store.GetCounter(ctx, pendingKey)
}

// #endregion
