package selfopt

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/danielpatrickdp/adaptive-tuning/internal/audit"
	"github.com/danielpatrickdp/adaptive-tuning/internal/coord"
	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
)

// #endregion

// #region pending

// ReadPending reads the pending proposal set directly from a store.
// Offline tooling uses this without constructing the full workflow.
func ReadPending(ctx context.Context, store *coord.Store) ([]Proposal, error) {
	raw, ok, err := store.Get(ctx, pendingKey)
	if err != nil {
		return nil, fmt.Errorf("read pending proposals: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var proposals []Proposal
	if err := json.Unmarshal([]byte(raw), &proposals); err != nil {
		return nil, fmt.Errorf("pending proposals corrupted: %w", err)
	}
	return proposals, nil
}

// ReadRejected reads the newest n rejection-log entries directly from a
// store, newest first.
func ReadRejected(ctx context.Context, store *coord.Store, n int) ([]Proposal, []string, error) {
	items, err := store.Range(ctx, rejectedKey, 0, n-1)
	if err != nil {
		return nil, nil, fmt.Errorf("read rejection log: %w", err)
	}
	var proposals []Proposal
	var reasons []string
	for _, item := range items {
		var entry rejectedEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		proposals = append(proposals, entry.Proposal)
		reasons = append(reasons, entry.Reason)
	}
	return proposals, reasons, nil
}

// Pending returns the current proposal set awaiting review.
func (s *Service) Pending(ctx context.Context) ([]Proposal, error) {
	return ReadPending(ctx, s.store)
}

// PendingParameters lists the parameter names with an open proposal. The
// adaptive engine consults this before touching a parameter.
func (s *Service) PendingParameters(ctx context.Context) ([]string, error) {
	proposals, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(proposals))
	for _, p := range proposals {
		names = append(names, p.Parameter)
	}
	return names, nil
}

// storePending replaces the pending set wholesale. Each analysis supersedes
// the previous one; stale proposals do not accumulate.
func (s *Service) storePending(ctx context.Context, proposals []Proposal, report Report) (Report, error) {
	raw, err := json.Marshal(proposals)
	if err != nil {
		return report, fmt.Errorf("marshal pending proposals: %w", err)
	}
	if err := s.store.Set(ctx, pendingKey, string(raw)); err != nil {
		return report, fmt.Errorf("store pending proposals: %w", err)
	}
	report.Proposals = proposals
	return report, nil
}

func (s *Service) removePending(ctx context.Context, id string) (Proposal, error) {
	proposals, err := s.Pending(ctx)
	if err != nil {
		return Proposal{}, err
	}
	for i, p := range proposals {
		if p.ID == id {
			rest := append(proposals[:i:i], proposals[i+1:]...)
			if _, err := s.storePending(ctx, rest, Report{}); err != nil {
				return Proposal{}, err
			}
			return p, nil
		}
	}
	return Proposal{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
}

// #endregion pending

// #region approve

// Approve applies one pending proposal: re-validate against the live
// configuration, snapshot the file, write the new value, record the
// effectiveness baseline, and audit the change. Any failure leaves the
// persisted configuration untouched and reports why.
func (s *Service) Approve(ctx context.Context, id, actor string) (Applied, error) {
	proposals, err := s.Pending(ctx)
	if err != nil {
		return Applied{}, err
	}
	var proposal Proposal
	found := false
	for _, p := range proposals {
		if p.ID == id {
			proposal = p
			found = true
			break
		}
	}
	if !found {
		return Applied{}, fmt.Errorf("%w: %s", ErrProposalNotFound, id)
	}

	bound, ok := policy.Lookup(proposal.Parameter)
	if !ok {
		return Applied{}, fmt.Errorf("proposal %s targets unknown parameter %q", id, proposal.Parameter)
	}

	// The configuration may have moved since the analysis ran, so the
	// checks run again at apply time.
	if valid, reason := s.validator().Validate(proposal.Candidate); !valid {
		if _, err := s.removePending(ctx, id); err != nil {
			return Applied{}, err
		}
		if err := s.logRejected(ctx, proposal, "stale: "+reason, actor); err != nil {
			return Applied{}, err
		}
		return Applied{}, fmt.Errorf("proposal %s no longer valid: %s", id, reason)
	}

	oldValue := bound.Default
	if v, ok := s.cfg.Current().GetFloat(bound.Path); ok {
		oldValue = v
	}

	snap, err := s.snaps.Create(s.fileID, s.cfg.Path(), "self_optimization", actor)
	if err != nil {
		return Applied{}, fmt.Errorf("snapshot before apply: %w", err)
	}

	if err := s.cfg.SetValue(bound.Path, proposal.ProposedValue); err != nil {
		return Applied{}, fmt.Errorf("write %s: %w", bound.Path, err)
	}

	if err := s.recordBaseline(ctx, proposal); err != nil {
		return Applied{}, err
	}

	err = audit.Log(s.snaps.DB(), audit.Entry{
		Domain:   "selfopt",
		Subject:  proposal.Parameter,
		Action:   "apply",
		OldValue: fmt.Sprintf("%g", oldValue),
		NewValue: fmt.Sprintf("%g", proposal.ProposedValue),
		Reason:   proposal.Reason,
		Actor:    actor,
	})
	if err != nil {
		return Applied{}, err
	}

	if _, err := s.removePending(ctx, id); err != nil {
		return Applied{}, err
	}

	log.Printf("[SELFOPT] applied %s: %g -> %g (by %s, snapshot %s)",
		proposal.Parameter, oldValue, proposal.ProposedValue, actor, snap.SnapshotID)
	return Applied{Proposal: proposal, SnapshotID: snap.SnapshotID, OldValue: oldValue}, nil
}

// #endregion approve

// #region reject

type rejectedEntry struct {
	Proposal Proposal `json:"proposal"`
	Reason   string   `json:"reason"`
	Actor    string   `json:"actor"`
	At       string   `json:"at"`
}

// Reject removes one pending proposal and records it in the bounded
// rejection log.
func (s *Service) Reject(ctx context.Context, id, reason, actor string) error {
	proposal, err := s.removePending(ctx, id)
	if err != nil {
		return err
	}
	return s.logRejected(ctx, proposal, reason, actor)
}

// RejectAll clears the pending set.
func (s *Service) RejectAll(ctx context.Context, reason, actor string) (int, error) {
	proposals, err := s.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if _, err := s.storePending(ctx, nil, Report{}); err != nil {
		return 0, err
	}
	for _, p := range proposals {
		if err := s.logRejected(ctx, p, reason, actor); err != nil {
			return 0, err
		}
	}
	return len(proposals), nil
}

func (s *Service) logRejected(ctx context.Context, proposal Proposal, reason, actor string) error {
	entry := rejectedEntry{
		Proposal: proposal,
		Reason:   reason,
		Actor:    actor,
		At:       s.now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal rejection: %w", err)
	}
	if err := s.store.Push(ctx, rejectedKey, string(raw), s.pol.RejectedLogMax, s.pol.AuditLogTTL); err != nil {
		return fmt.Errorf("log rejection: %w", err)
	}
	return audit.Log(s.snaps.DB(), audit.Entry{
		Domain:  "selfopt",
		Subject: proposal.Parameter,
		Action:  "reject",
		Reason:  reason,
		Actor:   actor,
	})
}

// RejectionLog returns the newest rejections, newest first.
func (s *Service) RejectionLog(ctx context.Context, n int) ([]Proposal, []string, error) {
	return ReadRejected(ctx, s.store, n)
}

// #endregion reject
