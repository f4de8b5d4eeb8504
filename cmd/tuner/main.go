package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danielpatrickdp/adaptive-tuning/internal/adaptive"
	"github.com/danielpatrickdp/adaptive-tuning/internal/audit"
	"github.com/danielpatrickdp/adaptive-tuning/internal/config"
	"github.com/danielpatrickdp/adaptive-tuning/internal/coord"
	"github.com/danielpatrickdp/adaptive-tuning/internal/genclient"
	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
	"github.com/danielpatrickdp/adaptive-tuning/internal/scores"
	"github.com/danielpatrickdp/adaptive-tuning/internal/selfopt"
	"github.com/danielpatrickdp/adaptive-tuning/internal/snapshot"
)

const configFileID = "assistant"

// #region main
func main() {
	configPath := envOr("TUNER_CONFIG", "assistant.yaml")
	dataDir := envOr("TUNER_DATA_DIR", "tuner_data")
	dbPath := envOr("TUNER_DB", "tuner_meta.db")
	snapshotDir := envOr("TUNER_SNAPSHOT_DIR", "tuner_snapshots")
	cycleEvery := envDuration("TUNER_CYCLE_INTERVAL", 6*time.Hour)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Watch(ctx); err != nil {
		log.Fatalf("failed to watch config: %v", err)
	}

	store, err := coord.Open(coord.Config{Path: dataDir})
	if err != nil {
		log.Fatalf("failed to open coordination store: %v", err)
	}
	defer store.Close()

	snaps, err := snapshot.NewStore(dbPath, snapshotDir, policy.Default().MaxSnapshots)
	if err != nil {
		log.Fatalf("failed to open snapshot store: %v", err)
	}
	defer snaps.Close()
	if err := audit.EnsureSchema(snaps.DB()); err != nil {
		log.Fatalf("failed to migrate audit schema: %v", err)
	}

	pol := policy.Default()
	outcomes := scores.NewLedger(store, pol, "outcome")
	clarity := scores.NewLedger(store, pol, "quality")

	engine := adaptive.NewEngine(store, outcomes, clarity, pol, policy.NarrowWhitelist()).
		WithAuditDB(snaps.DB())
	engine.Seed(seedValues(cfg, policy.NarrowWhitelist()))

	var opt *selfopt.Service
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		genCfg := genclient.DefaultConfig()
		genCfg.APIKey = apiKey
		genCfg.Model = envOr("OPENAI_MODEL", genCfg.Model)
		genCfg.BaseURL = os.Getenv("OPENAI_BASE_URL")
		gen, err := genclient.New(genCfg)
		if err != nil {
			log.Fatalf("failed to build generator: %v", err)
		}
		opt = selfopt.NewService(store, outcomes, clarity, gen, cfg, snaps, pol, configFileID)
		if auto, ok := cfg.Current().GetBool("selfopt.auto_apply"); ok && auto {
			log.Println("[MAIN] auto-apply is enabled")
			opt.SetAutoApply(true)
		}
		engine.WithPendingChecker(opt)
	} else {
		log.Println("[MAIN] OPENAI_API_KEY not set, self-optimization analysis disabled")
	}

	go runCycles(ctx, engine, opt, cycleEvery)

	fmt.Println("Adaptive Tuner ready.")
	fmt.Printf("  Config: %s | Data: %s | DB: %s\n", configPath, dataDir, dbPath)
	fmt.Println("Commands: status, cycle, analyze, pending, approve <id>, reject <id> <reason>, snapshots, rollback <id>, audit, quit")

	repl(ctx, engine, opt, snaps, outcomes)
}

// #endregion main

// #region cycles

// runCycles drives the periodic work: adjustment cycles on the configured
// interval, analysis and effectiveness follow-ups hourly (both internally
// rate limited).
func runCycles(ctx context.Context, engine *adaptive.Engine, opt *selfopt.Service, cycleEvery time.Duration) {
	cycle := time.NewTicker(cycleEvery)
	hourly := time.NewTicker(time.Hour)
	defer cycle.Stop()
	defer hourly.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cycle.C:
			if _, err := engine.RunCycle(ctx); err != nil {
				log.Printf("[MAIN] adjustment cycle failed: %v", err)
			}
		case <-hourly.C:
			if opt == nil {
				continue
			}
			if _, err := opt.RunAnalysis(ctx, false); err != nil {
				log.Printf("[MAIN] analysis failed: %v", err)
			}
			if _, err := opt.CheckEffectiveness(ctx); err != nil {
				log.Printf("[MAIN] effectiveness check failed: %v", err)
			}
		}
	}
}

// #endregion cycles

// #region repl
func repl(ctx context.Context, engine *adaptive.Engine, opt *selfopt.Service, snaps *snapshot.Store, outcomes *scores.Ledger) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			return

		case "status":
			for name, value := range engine.Values() {
				fmt.Printf("  %-28s %g\n", name, value)
			}

		case "cycle":
			res, err := engine.RunCycle(ctx)
			if err != nil {
				log.Printf("cycle error: %v", err)
				continue
			}
			if res.CycleSkip != "" {
				fmt.Printf("cycle skipped: %s\n", res.CycleSkip)
				continue
			}
			for _, adj := range res.Adjusted {
				fmt.Printf("  %s: %g -> %g (%s)\n", adj.Parameter, adj.OldValue, adj.NewValue, adj.Reason)
			}
			for name, reason := range res.Skipped {
				fmt.Printf("  %s skipped: %s\n", name, reason)
			}

		case "analyze":
			if opt == nil {
				fmt.Println("analysis disabled (no generator)")
				continue
			}
			report, err := opt.RunAnalysis(ctx, true)
			if err != nil {
				log.Printf("analysis error: %v", err)
				continue
			}
			if report.Skipped != "" {
				fmt.Printf("analysis skipped: %s\n", report.Skipped)
				continue
			}
			fmt.Printf("stored %d proposals, rejected %d\n", len(report.Proposals), report.Rejected)

		case "pending":
			if opt == nil {
				fmt.Println("analysis disabled (no generator)")
				continue
			}
			proposals, err := opt.Pending(ctx)
			if err != nil {
				log.Printf("pending error: %v", err)
				continue
			}
			for _, p := range proposals {
				fmt.Printf("  %s  %-24s %g -> %g  conf=%.2f  %s\n",
					p.ID[:8], p.Parameter, p.CurrentValue, p.ProposedValue, p.Confidence, p.Reason)
			}
			if len(proposals) == 0 {
				fmt.Println("  none")
			}

		case "approve":
			if opt == nil || len(fields) < 2 {
				fmt.Println("usage: approve <id>")
				continue
			}
			id, err := resolveProposalID(ctx, opt, fields[1])
			if err != nil {
				log.Printf("approve error: %v", err)
				continue
			}
			applied, err := opt.Approve(ctx, id, "operator")
			if err != nil {
				log.Printf("approve error: %v", err)
				continue
			}
			fmt.Printf("applied %s, snapshot %s\n", applied.Proposal.Parameter, applied.SnapshotID[:8])

		case "reject":
			if opt == nil || len(fields) < 2 {
				fmt.Println("usage: reject <id> [reason]")
				continue
			}
			id, err := resolveProposalID(ctx, opt, fields[1])
			if err != nil {
				log.Printf("reject error: %v", err)
				continue
			}
			reason := "rejected by operator"
			if len(fields) > 2 {
				reason = strings.Join(fields[2:], " ")
			}
			if err := opt.Reject(ctx, id, reason, "operator"); err != nil {
				log.Printf("reject error: %v", err)
			}

		case "snapshots":
			records, err := snaps.List(configFileID)
			if err != nil {
				log.Printf("snapshots error: %v", err)
				continue
			}
			for _, rec := range records {
				fmt.Printf("  %s  %-20s %-10s %s\n",
					rec.SnapshotID[:8], rec.Reason, rec.ChangedBy, rec.CreatedAt.Format(time.RFC3339))
			}

		case "rollback":
			if len(fields) < 2 {
				fmt.Println("usage: rollback <snapshot-id>")
				continue
			}
			id, err := resolveSnapshotID(snaps, fields[1])
			if err != nil {
				log.Printf("rollback error: %v", err)
				continue
			}
			res, err := snaps.Rollback(id)
			if err != nil {
				log.Printf("rollback error: %v", err)
				continue
			}
			err = audit.Log(snaps.DB(), audit.Entry{
				Domain:  "rollback",
				Subject: configFileID,
				Action:  "rollback",
				Reason:  "snapshot " + res.Restored.SnapshotID,
				Actor:   "operator",
			})
			if err != nil {
				log.Printf("audit error: %v", err)
			}
			fmt.Printf("restored snapshot %s (pre-rollback state saved as %s)\n",
				res.Restored.SnapshotID[:8], res.PreRollbackID[:8])

		case "audit":
			entries, err := audit.Recent(snaps.DB(), "", 20)
			if err != nil {
				log.Printf("audit error: %v", err)
				continue
			}
			for _, e := range entries {
				fmt.Printf("  %s  %-9s %-24s %-8s %s -> %s  %s\n",
					e.CreatedAt.Format(time.RFC3339), e.Domain, e.Subject, e.Action,
					e.OldValue, e.NewValue, e.Reason)
			}

		default:
			fmt.Println("unknown command")
		}
	}
}

// #endregion repl

// #region helpers

// resolveProposalID accepts a full id or an unambiguous prefix.
func resolveProposalID(ctx context.Context, opt *selfopt.Service, prefix string) (string, error) {
	proposals, err := opt.Pending(ctx)
	if err != nil {
		return "", err
	}
	match := ""
	for _, p := range proposals {
		if strings.HasPrefix(p.ID, prefix) {
			if match != "" {
				return "", fmt.Errorf("ambiguous proposal id %q", prefix)
			}
			match = p.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no proposal matches %q", prefix)
	}
	return match, nil
}

func resolveSnapshotID(snaps *snapshot.Store, prefix string) (string, error) {
	records, err := snaps.List(configFileID)
	if err != nil {
		return "", err
	}
	match := ""
	for _, rec := range records {
		if strings.HasPrefix(rec.SnapshotID, prefix) {
			if match != "" {
				return "", fmt.Errorf("ambiguous snapshot id %q", prefix)
			}
			match = rec.SnapshotID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no snapshot matches %q", prefix)
	}
	return match, nil
}

// seedValues reads the live configuration values for the engine whitelist.
func seedValues(cfg *config.Service, bounds []policy.ParameterBound) map[string]float64 {
	doc := cfg.Current()
	out := make(map[string]float64, len(bounds))
	for _, b := range bounds {
		if v, ok := doc.GetFloat(b.Path); ok {
			out[b.Name] = v
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[MAIN] invalid %s=%q, using %s", key, v, fallback)
		return fallback
	}
	return d
}

// #endregion helpers
