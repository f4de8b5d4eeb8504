package outcome

// #region imports
import (
	"context"
	"time"
)

// #endregion

// #region state-reader

// State is a point-in-time snapshot of one target: a primary value plus
// comparable secondary attributes.
type State struct {
	Value      string
	Attributes map[string]string
}

// StateReader is the read-only collaborator the tracker re-reads targets
// through.
type StateReader interface {
	GetState(ctx context.Context, targetID string) (State, error)
}

// Executor performs an action against a target. Wrapped by Tracker.Run so
// executed actions are tracked without every call site remembering to.
type Executor interface {
	Execute(ctx context.Context, action, targetID string, args map[string]string) (bool, error)
}

// #endregion

// #region kinds

// Kind classifies what happened after an action executed.
type Kind string

const (
	KindPositive Kind = "positive"
	KindNeutral  Kind = "neutral"
	KindPartial  Kind = "partial"
	KindNegative Kind = "negative"
)

// Kinds lists every outcome kind, for stats queries.
var Kinds = []string{
	string(KindPositive),
	string(KindNeutral),
	string(KindPartial),
	string(KindNegative),
}

// Targets maps each outcome kind to its score-ledger EMA target.
var Targets = map[Kind]float64{
	KindPositive: 1.0,
	KindNeutral:  0.5,
	KindPartial:  0.3,
	KindNegative: 0.0,
}

// #endregion

// #region observation

// Observation is one pending delayed check: the action, its target, and the
// before/after snapshots the re-check compares against. Before is zero when
// the caller had no pre-action view of the target. Lives in process memory
// between Track and classification; dropped on unreadable state.
type Observation struct {
	Action    string
	TargetID  string
	Args      map[string]string
	Person    string
	Room      string
	Before    State
	After     State
	TrackedAt time.Time
}

// #endregion
