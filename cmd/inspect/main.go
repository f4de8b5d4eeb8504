package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/danielpatrickdp/adaptive-tuning/internal/audit"
	"github.com/danielpatrickdp/adaptive-tuning/internal/coord"
	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
	"github.com/danielpatrickdp/adaptive-tuning/internal/scores"
	"github.com/danielpatrickdp/adaptive-tuning/internal/selfopt"
	"github.com/danielpatrickdp/adaptive-tuning/internal/snapshot"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to tuner_meta.db")
	dataDir := flag.String("data", "", "path to the coordination store directory")
	fileID := flag.String("file", "assistant", "governed config file id")
	mode := flag.String("mode", "scores", "what to show: scores, pending, rejected, snapshots, audit")
	last := flag.Int("last", 20, "show N most recent entries")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	var err error
	switch *mode {
	case "scores":
		err = runScores(*dataDir, *jsonOut)
	case "pending":
		err = runPending(*dataDir, *jsonOut)
	case "rejected":
		err = runRejected(*dataDir, *last, *jsonOut)
	case "snapshots":
		err = runSnapshots(*dbPath, *fileID, *jsonOut)
	case "audit":
		err = runAudit(*dbPath, *last, *jsonOut)
	default:
		fmt.Fprintln(os.Stderr, "usage: inspect --mode scores|pending|rejected|snapshots|audit [--data dir] [--db path] [--last N] [--json]")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region store-helpers

func openStore(dataDir string) (*coord.Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("--data is required for this mode")
	}
	return coord.Open(coord.Config{Path: dataDir})
}

func openSnapshots(dbPath string) (*snapshot.Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("--db is required for this mode")
	}
	// Inspection never creates snapshots, so the directory and retention
	// settings are irrelevant.
	return snapshot.NewStore(dbPath, os.TempDir(), policy.Default().MaxSnapshots)
}

// #endregion store-helpers

// #region scores-mode

type scoreRow struct {
	Namespace string  `json:"namespace"`
	Key       string  `json:"key"`
	Score     float64 `json:"score"`
	Samples   int64   `json:"samples"`
}

func runScores(dataDir string, jsonOut bool) error {
	store, err := openStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	pol := policy.Default()
	var rows []scoreRow
	for _, ns := range []string{"outcome", "quality"} {
		ledger := scores.NewLedger(store, pol, ns)
		keys, err := ledger.StatsKeys(ctx)
		if err != nil {
			return err
		}
		sort.Strings(keys)
		for _, key := range keys {
			score, err := ledger.GetScore(ctx, key)
			if err != nil {
				return err
			}
			stats, err := ledger.Stats(ctx, key, nil)
			if err != nil {
				return err
			}
			rows = append(rows, scoreRow{Namespace: ns, Key: key, Score: score, Samples: stats.Total})
		}
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-10s  %-40s  %7s  %7s\n", "Namespace", "Key", "Score", "Samples")
	for _, r := range rows {
		fmt.Printf("%-10s  %-40s  %7.3f  %7d\n", r.Namespace, r.Key, r.Score, r.Samples)
	}
	return nil
}

// #endregion scores-mode

// #region proposal-modes

func runPending(dataDir string, jsonOut bool) error {
	store, err := openStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	proposals, err := selfopt.ReadPending(context.Background(), store)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(proposals)
	}
	if len(proposals) == 0 {
		fmt.Println("no pending proposals")
		return nil
	}
	for _, p := range proposals {
		fmt.Printf("%s  %-24s %g -> %g  conf=%.2f  by %s\n  %s\n",
			shortID(p.ID), p.Parameter, p.CurrentValue, p.ProposedValue, p.Confidence, p.Model, p.Reason)
	}
	return nil
}

func runRejected(dataDir string, last int, jsonOut bool) error {
	store, err := openStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	proposals, reasons, err := selfopt.ReadRejected(context.Background(), store, last)
	if err != nil {
		return err
	}
	if jsonOut {
		type rejRow struct {
			Proposal selfopt.Proposal `json:"proposal"`
			Reason   string           `json:"reason"`
		}
		rows := make([]rejRow, len(proposals))
		for i := range proposals {
			rows[i] = rejRow{Proposal: proposals[i], Reason: reasons[i]}
		}
		return printJSON(rows)
	}
	for i, p := range proposals {
		fmt.Printf("%-24s %g -> %g  rejected: %s\n", p.Parameter, p.CurrentValue, p.ProposedValue, reasons[i])
	}
	return nil
}

// #endregion proposal-modes

// #region snapshot-mode

func runSnapshots(dbPath, fileID string, jsonOut bool) error {
	snaps, err := openSnapshots(dbPath)
	if err != nil {
		return err
	}
	defer snaps.Close()

	records, err := snaps.List(fileID)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("no snapshots")
		return nil
	}
	fmt.Printf("%-10s  %-20s  %-10s  %s\n", "Snapshot", "Reason", "By", "Created")
	for _, rec := range records {
		fmt.Printf("%-10s  %-20s  %-10s  %s\n",
			shortID(rec.SnapshotID), rec.Reason, rec.ChangedBy, rec.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

// #endregion snapshot-mode

// #region audit-mode

func runAudit(dbPath string, last int, jsonOut bool) error {
	snaps, err := openSnapshots(dbPath)
	if err != nil {
		return err
	}
	defer snaps.Close()

	entries, err := audit.Recent(snaps.DB(), "", last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(entries)
	}
	for _, e := range entries {
		change := ""
		if e.OldValue != "" || e.NewValue != "" {
			change = fmt.Sprintf("%s -> %s", e.OldValue, e.NewValue)
		}
		fmt.Printf("%s  %-9s %-24s %-9s %-16s %s\n",
			e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.Domain, e.Subject, e.Action, change, e.Reason)
	}
	return nil
}

// #endregion audit-mode

// #region output

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
