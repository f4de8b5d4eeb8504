package selfopt

// #region imports
import (
	"errors"
	"time"

	"github.com/danielpatrickdp/adaptive-tuning/internal/config"
	"github.com/danielpatrickdp/adaptive-tuning/internal/coord"
	"github.com/danielpatrickdp/adaptive-tuning/internal/genclient"
	"github.com/danielpatrickdp/adaptive-tuning/internal/policy"
	"github.com/danielpatrickdp/adaptive-tuning/internal/scores"
	"github.com/danielpatrickdp/adaptive-tuning/internal/snapshot"
)

// #endregion

// #region keys
const (
	pendingKey   = "selfopt:pending"
	lastRunKey   = "selfopt:last_run"
	rejectedKey  = "selfopt:rejected"
	effectPrefix = "selfopt:effect:"
	leaseKey     = "selfopt:analysis:lease"

	// One analysis per day unless triggered manually.
	analysisMinInterval = 24 * time.Hour
)

// #endregion

// #region types

// Proposal is one validated candidate awaiting review.
type Proposal struct {
	ID string `json:"id"`
	policy.Candidate
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrProposalNotFound marks an id absent from the pending set.
var ErrProposalNotFound = errors.New("proposal not found")

// Analysis skip reasons.
const (
	SkipRateLimit = "rate_limit"
	SkipLeaseHeld = "lease_held"
	SkipLowData   = "low_data"
)

// Report is the outcome of one analysis run.
type Report struct {
	Skipped     string // empty when the analysis ran
	Proposals   []Proposal
	Rejected    int
	ParseFailed bool
}

// Applied reports a successfully applied proposal.
type Applied struct {
	Proposal   Proposal
	SnapshotID string
	OldValue   float64
}

// #endregion types

// #region service

// Service runs the proposal workflow: periodic analysis generates
// candidates, validation filters them, and nothing touches the persisted
// configuration until a reviewer (or the explicitly enabled auto-apply path)
// approves a survivor.
type Service struct {
	store    *coord.Store
	outcomes *scores.Ledger
	clarity  *scores.Ledger
	gen      genclient.Generator
	cfg      *config.Service
	snaps    *snapshot.Store
	pol      policy.Policy

	fileID    string
	autoApply bool

	now func() time.Time
}

// NewService wires the workflow. fileID names the governed configuration
// file in snapshot metadata.
func NewService(store *coord.Store, outcomes, clarity *scores.Ledger, gen genclient.Generator,
	cfg *config.Service, snaps *snapshot.Store, pol policy.Policy, fileID string) *Service {
	return &Service{
		store:    store,
		outcomes: outcomes,
		clarity:  clarity,
		gen:      gen,
		cfg:      cfg,
		snaps:    snaps,
		pol:      pol,
		fileID:   fileID,
		now:      time.Now,
	}
}

// SetAutoApply toggles unattended application of the top proposal. Off by
// default; every change still goes through validation and snapshotting.
func (s *Service) SetAutoApply(enabled bool) {
	s.autoApply = enabled
}

// validator builds the immutable set from the live configuration, so edits
// to the configured extras apply without a restart.
func (s *Service) validator() *policy.Validator {
	extras := s.cfg.Current().GetStrings("selfopt.immutable_extras")
	return policy.NewValidator(policy.NewImmutableSet(extras))
}

// #endregion service
