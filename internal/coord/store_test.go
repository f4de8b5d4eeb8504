package coord

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetSetDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if ok {
		t.Fatal("expected missing key")
	}

	if err := s.Set(ctx, "k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := s.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("get after set: ok=%v err=%v", ok, err)
	}
	if val != "v" {
		t.Fatalf("expected v, got %q", val)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, _ = s.Get(ctx, "k")
	if ok {
		t.Fatal("expected key gone after delete")
	}
}

func TestCountersStartAtZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Incr(ctx, "c", 0)
	if err != nil {
		t.Fatalf("incr: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}

	n, err = s.Decr(ctx, "c", 0)
	if err != nil {
		t.Fatalf("decr: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}

	got, err := s.GetCounter(ctx, "c")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestConcurrentIncr(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 20
	const perWorker = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.Incr(ctx, "shared", 0); err != nil {
					t.Errorf("incr: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := s.GetCounter(ctx, "shared")
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if got != workers*perWorker {
		t.Fatalf("expected %d, got %d", workers*perWorker, got)
	}
}

func TestCompareAndResetBelowThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s.Incr(ctx, "a", 0)
	}
	s.Incr(ctx, "b", 0)

	crossed, a, b, err := s.CompareAndReset(ctx, "a", "b", 10)
	if err != nil {
		t.Fatalf("compare-and-reset: %v", err)
	}
	if crossed {
		t.Fatal("should not cross below threshold")
	}
	if a != 3 || b != 1 {
		t.Fatalf("expected (3,1), got (%d,%d)", a, b)
	}

	// Counters must be untouched.
	got, _ := s.GetCounter(ctx, "a")
	if got != 3 {
		t.Fatalf("counter a mutated: %d", got)
	}
}

func TestCompareAndResetCrossing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		s.Incr(ctx, "a", 0)
	}
	for i := 0; i < 3; i++ {
		s.Incr(ctx, "b", 0)
	}

	crossed, a, b, err := s.CompareAndReset(ctx, "a", "b", 10)
	if err != nil {
		t.Fatalf("compare-and-reset: %v", err)
	}
	if !crossed {
		t.Fatal("expected crossing at threshold")
	}
	if a != 7 || b != 3 {
		t.Fatalf("expected prior values (7,3), got (%d,%d)", a, b)
	}

	// Both counters reset.
	gotA, _ := s.GetCounter(ctx, "a")
	gotB, _ := s.GetCounter(ctx, "b")
	if gotA != 0 || gotB != 0 {
		t.Fatalf("counters not reset: (%d,%d)", gotA, gotB)
	}
}

func TestCompareAndResetSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		s.Incr(ctx, "a", 0)
	}

	const callers = 16
	var wg sync.WaitGroup
	crossings := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			crossed, _, _, err := s.CompareAndReset(ctx, "a", "b", 10)
			if err != nil {
				t.Errorf("compare-and-reset: %v", err)
				return
			}
			if crossed {
				crossings <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(crossings)

	count := 0
	for range crossings {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one crossing, got %d", count)
	}
}

func TestCompareAndResetConcurrentDrivers(t *testing.T) {
	// Three passes each increment when the pre-increment total is
	// threshold-1; only the pass that reaches the threshold resets.
	s := newTestStore(t)
	ctx := context.Background()

	const threshold = 3
	var wg sync.WaitGroup
	crossings := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Incr(ctx, "a", 0); err != nil {
				t.Errorf("incr: %v", err)
				return
			}
			crossed, _, _, err := s.CompareAndReset(ctx, "a", "b", threshold)
			if err != nil {
				t.Errorf("compare-and-reset: %v", err)
				return
			}
			if crossed {
				crossings <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(crossings)

	count := 0
	for range crossings {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one crossing, got %d", count)
	}
	got, _ := s.GetCounter(ctx, "a")
	if got != 0 {
		t.Fatalf("expected counter reset after crossing, got %d", got)
	}
}

func TestListPushTrimRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"one", "two", "three"} {
		if err := s.Push(ctx, "l", v, 0, 0); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	// Newest first.
	items, err := s.Range(ctx, "l", 0, -1)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(items) != 3 || items[0] != "three" || items[2] != "one" {
		t.Fatalf("unexpected order: %v", items)
	}

	if err := s.Trim(ctx, "l", 2); err != nil {
		t.Fatalf("trim: %v", err)
	}
	items, _ = s.Range(ctx, "l", 0, -1)
	if len(items) != 2 || items[1] != "two" {
		t.Fatalf("trim kept wrong entries: %v", items)
	}

	// Push with max enforces the bound.
	if err := s.Push(ctx, "l", "four", 2, 0); err != nil {
		t.Fatalf("push with max: %v", err)
	}
	items, _ = s.Range(ctx, "l", 0, -1)
	if len(items) != 2 || items[0] != "four" {
		t.Fatalf("push with max: %v", items)
	}
}

func TestRangeBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		s.Push(ctx, "l", v, 0, 0)
	}

	items, _ := s.Range(ctx, "l", 1, 2)
	if len(items) != 2 || items[0] != "c" || items[1] != "b" {
		t.Fatalf("range [1,2]: %v", items)
	}

	items, _ = s.Range(ctx, "l", 3, 100)
	if len(items) != 1 || items[0] != "a" {
		t.Fatalf("range past end: %v", items)
	}

	items, _ = s.Range(ctx, "missing", 0, -1)
	if items != nil {
		t.Fatalf("range on missing key: %v", items)
	}
}

func TestSets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SAdd(ctx, "st", "b")
	s.SAdd(ctx, "st", "a")
	s.SAdd(ctx, "st", "b") // duplicate

	members, err := s.SMembers(ctx, "st")
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 2 || members[0] != "a" || members[1] != "b" {
		t.Fatalf("unexpected members: %v", members)
	}

	s.SRem(ctx, "st", "a")
	members, _ = s.SMembers(ctx, "st")
	if len(members) != 1 || members[0] != "b" {
		t.Fatalf("after srem: %v", members)
	}
}

func TestScanPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Set(ctx, "outcome:score:set_light", "0.7")
	s.Set(ctx, "outcome:score:set_temp", "0.4")
	s.Set(ctx, "selfopt:pending", "[]")

	keys, err := s.Scan(ctx, "outcome:score:")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %v", keys)
	}
	if keys[0] != "outcome:score:set_light" {
		t.Fatalf("unexpected key order: %v", keys)
	}
}

func TestLeaseFencing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	granted, lease, err := s.AcquireLease(ctx, "lock:analysis", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !granted {
		t.Fatal("first acquire should be granted")
	}
	if lease.Token == "" {
		t.Fatal("expected a lease token")
	}

	granted2, _, err := s.AcquireLease(ctx, "lock:analysis", 30*time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if granted2 {
		t.Fatal("second acquire must be denied while lease is held")
	}

	if err := s.ReleaseLease(ctx, lease); err != nil {
		t.Fatalf("release: %v", err)
	}
	granted3, _, _ := s.AcquireLease(ctx, "lock:analysis", 30*time.Second)
	if !granted3 {
		t.Fatal("acquire after release should be granted")
	}
}

func TestLeaseReleaseWrongToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, lease, _ := s.AcquireLease(ctx, "lock:x", 30*time.Second)

	stale := Lease{Key: "lock:x", Token: "not-the-token"}
	if err := s.ReleaseLease(ctx, stale); err != nil {
		t.Fatalf("release with wrong token: %v", err)
	}

	// Original lease must still be held.
	granted, _, _ := s.AcquireLease(ctx, "lock:x", 30*time.Second)
	if granted {
		t.Fatal("lease was released by a non-owner")
	}

	_ = lease
}

func TestContextCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Set(ctx, "k", "v"); err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if _, _, err := s.Get(ctx, "k"); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
