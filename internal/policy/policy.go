package policy

import "time"

// #region policy

// Policy centralizes every decay, clamp, and step constant used by the
// tuning core. Components never hardcode their own copies; tests exercise
// one object.
type Policy struct {
	// Score ledger
	EMAAlpha       float64       // weight of the newest observation
	MaxDailyChange float64       // per-update clamp on |new - old|
	ScoreDefault   float64       // returned while below MinSamples
	MinSamples     int64         // samples required before a score activates
	ScoreTTL       time.Duration // rolling TTL on persisted scores
	StatsTTL       time.Duration // rolling TTL on outcome counters

	// Outcome tracker
	CheckDelay       time.Duration // wait before re-reading target state
	MaxPending       int64         // cap on concurrently pending observations
	FeedbackPointerTTL time.Duration // how long verbal feedback can reach back

	// Response quality tracker
	RephraseThreshold float64       // token-set Jaccard similarity cutoff
	FollowUpWindow    time.Duration // max gap for a follow-up candidate
	PrevInputTTL      time.Duration // per-person previous-exchange memory

	// Adaptive thresholds
	WeeklyAdjustCap  int64   // automatic adjustments per calendar week
	MinCycleOutcomes int64   // total outcomes required before any tuning
	AnomalyRatio     float64 // per-action negative ratio that freezes outcome tuning
	AnomalyMinSamples int64  // samples before the anomaly guard applies
	AuditLogMax      int     // bounded audit list length
	AuditLogTTL      time.Duration

	// Self optimization
	TopProposals    int           // proposals kept per analysis pass
	AnalysisTimeout time.Duration // budget for the generator call
	EffectCooldown  time.Duration // wait before effectiveness follow-up
	RejectedLogMax  int

	// Config versioning
	MaxSnapshots int // per-file snapshot retention
}

// Default returns the production policy.
func Default() Policy {
	return Policy{
		EMAAlpha:       0.1,
		MaxDailyChange: 0.15,
		ScoreDefault:   0.5,
		MinSamples:     5,
		ScoreTTL:       90 * 24 * time.Hour,
		StatsTTL:       90 * 24 * time.Hour,

		CheckDelay:         180 * time.Second,
		MaxPending:         20,
		FeedbackPointerTTL: 10 * time.Minute,

		RephraseThreshold: 0.6,
		FollowUpWindow:    60 * time.Second,
		PrevInputTTL:      15 * time.Minute,

		WeeklyAdjustCap:   3,
		MinCycleOutcomes:  50,
		AnomalyRatio:      0.8,
		AnomalyMinSamples: 10,
		AuditLogMax:       100,
		AuditLogTTL:       30 * 24 * time.Hour,

		TopProposals:    3,
		AnalysisTimeout: 60 * time.Second,
		EffectCooldown:  48 * time.Hour,
		RejectedLogMax:  50,

		MaxSnapshots: 10,
	}
}

// #endregion
