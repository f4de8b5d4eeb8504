package snapshot

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestStore(t *testing.T, maxPerFile int) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "meta.db"), filepath.Join(dir, "snapshots"), maxPerFile)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	live := filepath.Join(dir, "assistant.yaml")
	if err := os.WriteFile(live, []byte("version: 1\n"), 0o644); err != nil {
		t.Fatalf("write live file: %v", err)
	}
	return store, live
}

func TestCreateStoresCopyAndMetadata(t *testing.T) {
	store, live := newTestStore(t, 10)

	rec, err := store.Create("assistant", live, "self_optimization", "selfopt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rec.SnapshotID == "" {
		t.Fatal("empty snapshot id")
	}

	copied, err := os.ReadFile(rec.StoredPath)
	if err != nil {
		t.Fatalf("read stored copy: %v", err)
	}
	if string(copied) != "version: 1\n" {
		t.Fatalf("stored copy differs: %q", copied)
	}

	got, err := store.Get(rec.SnapshotID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Reason != "self_optimization" || got.ChangedBy != "selfopt" || got.FileID != "assistant" {
		t.Fatalf("metadata mismatch: %+v", got)
	}
}

func TestRollbackRestoresBytesExactly(t *testing.T) {
	store, live := newTestStore(t, 10)

	original, _ := os.ReadFile(live)
	rec, err := store.Create("assistant", live, "manual", "operator")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := os.WriteFile(live, []byte("version: 2\nextra: true\n"), 0o644); err != nil {
		t.Fatalf("mutate live file: %v", err)
	}

	res, err := store.Rollback(rec.SnapshotID)
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}

	restored, _ := os.ReadFile(live)
	if string(restored) != string(original) {
		t.Fatalf("restored bytes differ: %q vs %q", restored, original)
	}

	// The state just overwritten was itself snapshotted first.
	pre, err := store.Get(res.PreRollbackID)
	if err != nil {
		t.Fatalf("get pre-rollback snapshot: %v", err)
	}
	if pre.Reason != "pre_rollback" {
		t.Fatalf("expected pre_rollback reason, got %q", pre.Reason)
	}
	preBytes, err := os.ReadFile(pre.StoredPath)
	if err != nil {
		t.Fatalf("read pre-rollback copy: %v", err)
	}
	if string(preBytes) != "version: 2\nextra: true\n" {
		t.Fatalf("pre-rollback copy differs: %q", preBytes)
	}
}

func TestRollbackUnknownID(t *testing.T) {
	store, _ := newTestStore(t, 10)
	_, err := store.Rollback("no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRollbackMissingArtifactNamesIt(t *testing.T) {
	store, live := newTestStore(t, 10)

	rec, err := store.Create("assistant", live, "manual", "operator")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.Remove(rec.StoredPath); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	_, err = store.Rollback(rec.SnapshotID)
	if !errors.Is(err, ErrMissingArtifact) {
		t.Fatalf("expected ErrMissingArtifact, got %v", err)
	}
	if !strings.Contains(err.Error(), rec.StoredPath) {
		t.Fatalf("error does not name the artifact: %v", err)
	}

	// The metadata row survives: never silently repaired.
	if _, err := store.Get(rec.SnapshotID); err != nil {
		t.Fatalf("metadata was deleted: %v", err)
	}
	// The live file was not touched either.
	content, _ := os.ReadFile(live)
	if string(content) != "version: 1\n" {
		t.Fatalf("live file mutated: %q", content)
	}
}

func TestPruneEvictsOldestRowAndCopy(t *testing.T) {
	store, live := newTestStore(t, 3)

	var recs []Record
	for i := 0; i < 5; i++ {
		rec, err := store.Create("assistant", live, "cycle", "adaptive")
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		recs = append(recs, rec)
	}

	list, err := store.List("assistant")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 retained snapshots, got %d", len(list))
	}

	// The two oldest are gone, metadata and copy both.
	for _, old := range recs[:2] {
		if _, err := store.Get(old.SnapshotID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected evicted metadata for %s, got %v", old.SnapshotID, err)
		}
		if _, err := os.Stat(old.StoredPath); !os.IsNotExist(err) {
			t.Fatalf("expected evicted copy for %s, got %v", old.StoredPath, err)
		}
	}
	// The three newest survive.
	for _, kept := range recs[2:] {
		if _, err := store.Get(kept.SnapshotID); err != nil {
			t.Fatalf("expected retained snapshot %s: %v", kept.SnapshotID, err)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	store, live := newTestStore(t, 10)

	first, _ := store.Create("assistant", live, "a", "x")
	second, _ := store.Create("assistant", live, "b", "x")

	list, err := store.List("assistant")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].SnapshotID != second.SnapshotID || list[1].SnapshotID != first.SnapshotID {
		t.Fatalf("unexpected order: %+v", list)
	}
}
