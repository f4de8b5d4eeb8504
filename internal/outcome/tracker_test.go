package outcome

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-tuning/internal/coord"
	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
	"github.com/danielpatrickdp/adaptive-tuning/internal/scores"
)

// fakeReader serves canned states per target and can be flipped mid-test.
type fakeReader struct {
	mu     sync.Mutex
	states map[string]State
	errs   map[string]error
}

func newFakeReader() *fakeReader {
	return &fakeReader{states: make(map[string]State), errs: make(map[string]error)}
}

func (f *fakeReader) set(target string, s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[target] = s
}

func (f *fakeReader) fail(target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[target] = err
}

func (f *fakeReader) GetState(ctx context.Context, target string) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[target]; err != nil {
		return State{}, err
	}
	s, ok := f.states[target]
	if !ok {
		return State{}, errors.New("unknown target")
	}
	return s, nil
}

func testPolicy() policy.Policy {
	pol := policy.Default()
	pol.CheckDelay = 20 * time.Millisecond
	pol.MinSamples = 2
	return pol
}

func newTestTracker(t *testing.T, pol policy.Policy, reader StateReader) (*Tracker, *scores.Ledger) {
	t.Helper()
	store, err := coord.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ledger := scores.NewLedger(store, pol, "outcome")
	tr := NewTracker(store, ledger, reader, pol)
	t.Cleanup(tr.Close)
	return tr, ledger
}

func waitPending(t *testing.T, tr *Tracker) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		n, err := tr.Pending(context.Background())
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pending observations never drained")
}

func TestClassifyPolicy(t *testing.T) {
	after := State{
		Value:      "on",
		Attributes: map[string]string{"brightness": "80", "color": "warm", "mode": "auto"},
	}

	cases := []struct {
		name    string
		current State
		want    Kind
	}{
		{"unchanged", after, KindNeutral},
		{"reverted primary", State{Value: "off", Attributes: after.Attributes}, KindNegative},
		{"majority attributes drifted", State{
			Value:      "on",
			Attributes: map[string]string{"brightness": "20", "color": "cold", "mode": "auto"},
		}, KindPartial},
		{"minority attributes drifted", State{
			Value:      "on",
			Attributes: map[string]string{"brightness": "20", "color": "warm", "mode": "auto"},
		}, KindNeutral},
		{"no comparable attributes", State{Value: "on"}, KindNeutral},
	}
	for _, tc := range cases {
		if got := Classify(after, tc.current); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestClassifyDeterministic(t *testing.T) {
	after := State{Value: "on", Attributes: map[string]string{"a": "1", "b": "2"}}
	current := State{Value: "on", Attributes: map[string]string{"a": "9", "b": "9"}}

	first := Classify(after, current)
	for i := 0; i < 50; i++ {
		if got := Classify(after, current); got != first {
			t.Fatalf("classification not deterministic: %s then %s", first, got)
		}
	}
}

func TestRevertedActionScoresTowardZero(t *testing.T) {
	pol := testPolicy()
	reader := newFakeReader()
	tr, ledger := newTestTracker(t, pol, reader)
	ctx := context.Background()

	for i := int64(0); i < pol.MinSamples+2; i++ {
		// Post-action state is "on"; before the delayed check fires the
		// target reverts to "off".
		reader.set("light.kitchen", State{Value: "on"})
		if err := tr.Track(ctx, "set_light", "light.kitchen", nil, "", ""); err != nil {
			t.Fatalf("track: %v", err)
		}
		reader.set("light.kitchen", State{Value: "off"})
		waitPending(t, tr)

		score, _ := ledger.GetScore(ctx, "set_light")
		if i < pol.MinSamples-1 {
			if score != pol.ScoreDefault {
				t.Fatalf("sample %d: score active before min samples: %.4f", i+1, score)
			}
		}
	}

	score, _ := ledger.GetScore(ctx, "set_light")
	if score >= pol.ScoreDefault {
		t.Fatalf("expected score below default after reverts, got %.4f", score)
	}
}

func TestStableActionScoresNeutral(t *testing.T) {
	pol := testPolicy()
	reader := newFakeReader()
	tr, ledger := newTestTracker(t, pol, reader)
	ctx := context.Background()

	reader.set("light.kitchen", State{Value: "on"})
	for i := int64(0); i < pol.MinSamples+1; i++ {
		tr.Track(ctx, "set_light", "light.kitchen", nil, "", "")
		waitPending(t, tr)
	}

	stats, err := tr.ActionStats(ctx, "set_light")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.ByKind[string(KindNeutral)] != pol.MinSamples+1 {
		t.Fatalf("expected all neutral, got %+v", stats.ByKind)
	}

	score, _ := ledger.GetScore(ctx, "set_light")
	// Neutral target equals the default, so the score barely moves.
	if score < 0.4 || score > 0.6 {
		t.Fatalf("neutral outcomes should hold the score near default, got %.4f", score)
	}
}

func TestCompositeScoresWritten(t *testing.T) {
	pol := testPolicy()
	reader := newFakeReader()
	tr, ledger := newTestTracker(t, pol, reader)
	ctx := context.Background()

	reader.set("light.kitchen", State{Value: "on"})
	tr.Track(ctx, "set_light", "light.kitchen", nil, "alice", "kitchen")
	waitPending(t, tr)

	personStats, _ := ledger.Stats(ctx, scores.CompositeKey("set_light", "alice"), Kinds)
	if personStats.Total != 1 {
		t.Fatalf("per-person stats not written: %+v", personStats)
	}
	roomStats, _ := ledger.Stats(ctx, scores.CompositeKey("set_light", "kitchen"), Kinds)
	if roomStats.Total != 1 {
		t.Fatalf("per-room stats not written: %+v", roomStats)
	}
}

func TestDroppedOnUnreadableState(t *testing.T) {
	pol := testPolicy()
	reader := newFakeReader()
	tr, ledger := newTestTracker(t, pol, reader)
	ctx := context.Background()

	reader.set("light.kitchen", State{Value: "on"})
	tr.Track(ctx, "set_light", "light.kitchen", nil, "", "")
	reader.fail("light.kitchen", errors.New("device offline"))
	waitPending(t, tr)

	stats, _ := ledger.Stats(ctx, "set_light", Kinds)
	if stats.Total != 0 {
		t.Fatalf("dropped observation must not mutate scores: %+v", stats)
	}
}

func TestPendingCapSkipsSilently(t *testing.T) {
	pol := testPolicy()
	pol.MaxPending = 2
	pol.CheckDelay = 10 * time.Second // keep observations pending
	reader := newFakeReader()
	tr, _ := newTestTracker(t, pol, reader)
	ctx := context.Background()

	reader.set("light.kitchen", State{Value: "on"})
	for i := 0; i < 5; i++ {
		if err := tr.Track(ctx, "set_light", "light.kitchen", nil, "", ""); err != nil {
			t.Fatalf("track %d: %v", i, err)
		}
	}

	n, _ := tr.Pending(ctx)
	if n != 2 {
		t.Fatalf("expected pending capped at 2, got %d", n)
	}
}

func TestPendingCapHoldsUnderConcurrentTracks(t *testing.T) {
	pol := testPolicy()
	pol.MaxPending = 2
	pol.CheckDelay = 10 * time.Second // keep observations pending
	reader := newFakeReader()
	tr, _ := newTestTracker(t, pol, reader)
	ctx := context.Background()

	reader.set("light.kitchen", State{Value: "on"})
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			errs <- tr.Track(ctx, "set_light", "light.kitchen", nil, "", "")
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("track: %v", err)
		}
	}

	n, _ := tr.Pending(ctx)
	if n != 2 {
		t.Fatalf("expected pending capped at 2 under concurrent tracks, got %d", n)
	}
}

func TestStartupResetsLeakedPendingCounter(t *testing.T) {
	pol := testPolicy()
	store, err := coord.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	// Counts left behind by a crash: no in-memory observations back them.
	for i := int64(0); i < pol.MaxPending; i++ {
		if _, err := store.Incr(ctx, pendingKey, 0); err != nil {
			t.Fatalf("seed counter: %v", err)
		}
	}

	ledger := scores.NewLedger(store, pol, "outcome")
	reader := newFakeReader()
	reader.set("light.kitchen", State{Value: "on"})
	tr := NewTracker(store, ledger, reader, pol)
	t.Cleanup(tr.Close)

	if err := tr.Track(ctx, "set_light", "light.kitchen", nil, "", ""); err != nil {
		t.Fatalf("track: %v", err)
	}
	waitPending(t, tr)

	stats, _ := tr.ActionStats(ctx, "set_light")
	if stats.Total != 1 {
		t.Fatalf("stale counter blocked tracking after restart: %+v", stats)
	}
}

// gatedReader serves through an inner fakeReader but blocks the second read
// until released, holding a re-check open at a known point.
type gatedReader struct {
	inner   *fakeReader
	mu      sync.Mutex
	calls   int
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedReader) GetState(ctx context.Context, target string) (State, error) {
	g.mu.Lock()
	g.calls++
	n := g.calls
	g.mu.Unlock()
	if n == 2 {
		close(g.entered)
		<-g.gate
	}
	return g.inner.GetState(ctx, target)
}

func TestShutdownAfterTimerStillReleasesPending(t *testing.T) {
	pol := testPolicy()
	inner := newFakeReader()
	inner.set("light.kitchen", State{Value: "on"})
	reader := &gatedReader{inner: inner, entered: make(chan struct{}), gate: make(chan struct{})}

	store, err := coord.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ledger := scores.NewLedger(store, pol, "outcome")
	tr := NewTracker(store, ledger, reader, pol)

	ctx := context.Background()
	if err := tr.Track(ctx, "set_light", "light.kitchen", nil, "", ""); err != nil {
		t.Fatalf("track: %v", err)
	}
	<-reader.entered // the re-check is past its timer, mid-read

	done := make(chan struct{})
	go func() { tr.Close(); close(done) }()
	time.Sleep(20 * time.Millisecond) // let Close cancel the tracker context
	close(reader.gate)
	<-done

	n, err := tr.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if n != 0 {
		t.Fatalf("shutdown racing a re-check leaked %d pending slots", n)
	}
}

func TestRevertedRequiresPriorSnapshot(t *testing.T) {
	before := State{Value: "off"}
	after := State{Value: "on"}

	if !Reverted(before, after, State{Value: "off"}) {
		t.Fatal("return to the pre-action value must read as reverted")
	}
	if Reverted(before, after, State{Value: "red"}) {
		t.Fatal("a move elsewhere is not a reversal")
	}
	if Reverted(State{}, after, State{Value: "off"}) {
		t.Fatal("no pre-action snapshot, no reversal call")
	}
	if Reverted(State{Value: "on"}, after, State{Value: "on"}) {
		t.Fatal("unchanged primary is not a reversal")
	}
}

func TestCloseCancelsWithoutScoreMutation(t *testing.T) {
	pol := testPolicy()
	pol.CheckDelay = 10 * time.Second
	reader := newFakeReader()

	store, err := coord.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ledger := scores.NewLedger(store, pol, "outcome")
	tr := NewTracker(store, ledger, reader, pol)

	ctx := context.Background()
	reader.set("light.kitchen", State{Value: "on"})
	tr.Track(ctx, "set_light", "light.kitchen", nil, "", "")

	tr.Close() // cancels the delayed check long before its timer fires

	stats, _ := ledger.Stats(ctx, "set_light", Kinds)
	if stats.Total != 0 {
		t.Fatalf("cancelled check must not mutate scores: %+v", stats)
	}
	n, _ := tr.Pending(ctx)
	if n != 0 {
		t.Fatalf("cancelled check must release the pending slot, got %d", n)
	}
}

type fakeExecutor struct {
	ok    bool
	err   error
	calls int
}

func (f *fakeExecutor) Execute(ctx context.Context, action, targetID string, args map[string]string) (bool, error) {
	f.calls++
	return f.ok, f.err
}

func TestRunTracksOnlySuccessfulExecutions(t *testing.T) {
	pol := testPolicy()
	reader := newFakeReader()
	tr, ledger := newTestTracker(t, pol, reader)
	ctx := context.Background()

	reader.set("light.kitchen", State{Value: "on"})

	exec := &fakeExecutor{ok: true}
	ok, err := tr.Run(ctx, exec, "set_light", "light.kitchen", nil, "", "")
	if err != nil || !ok {
		t.Fatalf("run: ok=%v err=%v", ok, err)
	}
	waitPending(t, tr)

	stats, _ := ledger.Stats(ctx, "set_light", Kinds)
	if stats.Total != 1 {
		t.Fatalf("successful execution not tracked: %+v", stats)
	}

	exec = &fakeExecutor{ok: false}
	ok, err = tr.Run(ctx, exec, "set_light", "light.kitchen", nil, "", "")
	if err != nil || ok {
		t.Fatalf("failed execution: ok=%v err=%v", ok, err)
	}
	if exec.calls != 1 {
		t.Fatalf("executor not called: %d", exec.calls)
	}

	exec = &fakeExecutor{err: errors.New("device offline")}
	if _, err := tr.Run(ctx, exec, "set_light", "light.kitchen", nil, "", ""); err == nil {
		t.Fatal("expected executor error to surface")
	}

	waitPending(t, tr)
	stats, _ = ledger.Stats(ctx, "set_light", Kinds)
	if stats.Total != 1 {
		t.Fatalf("failed executions must not be tracked: %+v", stats)
	}
}

func TestVerbalFeedbackReachesLastAction(t *testing.T) {
	pol := testPolicy()
	reader := newFakeReader()
	tr, ledger := newTestTracker(t, pol, reader)
	ctx := context.Background()

	reader.set("light.kitchen", State{Value: "on"})
	tr.Track(ctx, "set_light", "light.kitchen", nil, "", "")
	waitPending(t, tr)

	if err := tr.RecordFeedback(ctx, false); err != nil {
		t.Fatalf("feedback: %v", err)
	}

	stats, _ := ledger.Stats(ctx, "set_light", Kinds)
	if stats.ByKind[string(KindNegative)] != 1 {
		t.Fatalf("expected one negative from verbal feedback: %+v", stats.ByKind)
	}
}

func TestVerbalFeedbackNoPointerIsNoop(t *testing.T) {
	pol := testPolicy()
	reader := newFakeReader()
	tr, ledger := newTestTracker(t, pol, reader)
	ctx := context.Background()

	if err := tr.RecordFeedback(ctx, true); err != nil {
		t.Fatalf("feedback without pointer: %v", err)
	}
	stats, _ := ledger.Stats(ctx, "set_light", Kinds)
	if stats.Total != 0 {
		t.Fatalf("feedback without pointer must be a no-op: %+v", stats)
	}
}
