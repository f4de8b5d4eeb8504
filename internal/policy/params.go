package policy

import "strings"

// #region parameter-bound

// ParameterBound describes one tunable parameter: its config path and the
// closed numeric range any change must stay within.
type ParameterBound struct {
	Name    string
	Path    string // dotted path into the persisted configuration document
	Min     float64
	Max     float64
	Default float64
	Step    float64
}

// #endregion

// #region whitelists

// narrowWhitelist is the small set the adaptive-thresholds engine may tune
// automatically, runtime-only. Deliberately narrow bounds.
var narrowWhitelist = []ParameterBound{
	{Name: "action_cooldown", Path: "behavior.action_cooldown_seconds", Min: 7200, Max: 28800, Default: 14400, Step: 1800},
	{Name: "min_confidence", Path: "behavior.min_confidence", Min: 0.5, Max: 0.9, Default: 0.7, Step: 0.05},
	{Name: "followup_window", Path: "conversation.followup_window_seconds", Min: 30, Max: 120, Default: 60, Step: 10},
}

// wideWhitelist is the full set self-optimization proposals may target.
// Superset of the narrow whitelist.
var wideWhitelist = append([]ParameterBound{
	{Name: "speak_chance", Path: "behavior.speak_chance", Min: 0.05, Max: 0.5, Default: 0.2, Step: 0.05},
	{Name: "quiet_hours_margin", Path: "behavior.quiet_hours_margin_minutes", Min: 0, Max: 60, Default: 15, Step: 5},
	{Name: "rephrase_threshold", Path: "conversation.rephrase_threshold", Min: 0.4, Max: 0.8, Default: 0.6, Step: 0.05},
	{Name: "outcome_check_delay", Path: "tracking.outcome_check_delay_seconds", Min: 60, Max: 600, Default: 180, Step: 30},
	{Name: "max_pending_observations", Path: "tracking.max_pending_observations", Min: 5, Max: 50, Default: 20, Step: 5},
}, narrowWhitelist...)

// NarrowWhitelist returns the automatic-tuning parameter set.
func NarrowWhitelist() []ParameterBound {
	out := make([]ParameterBound, len(narrowWhitelist))
	copy(out, narrowWhitelist)
	return out
}

// WideWhitelist returns the proposal-tuning parameter set.
func WideWhitelist() []ParameterBound {
	out := make([]ParameterBound, len(wideWhitelist))
	copy(out, wideWhitelist)
	return out
}

// Lookup finds a bound in the wide whitelist by parameter name.
func Lookup(name string) (ParameterBound, bool) {
	for _, b := range wideWhitelist {
		if b.Name == name {
			return b, true
		}
	}
	return ParameterBound{}, false
}

// #endregion

// #region immutable-set

// immutableCore are the hardcoded key domains no proposal can ever target,
// regardless of what the proposal text claims.
var immutableCore = []string{
	"security",
	"trust",
	"autonomy",
	"routing",
}

// ImmutableSet is the union of the hardcoded core and configured extras.
type ImmutableSet struct {
	entries []string
}

// NewImmutableSet builds the immutable set from the core plus extras.
func NewImmutableSet(extras []string) ImmutableSet {
	entries := make([]string, 0, len(immutableCore)+len(extras))
	entries = append(entries, immutableCore...)
	for _, e := range extras {
		e = strings.TrimSpace(e)
		if e != "" {
			entries = append(entries, e)
		}
	}
	return ImmutableSet{entries: entries}
}

// Blocks reports whether the parameter name or its config path collides with
// an immutable entry. Prefix matching runs both ways: "security" blocks
// "security.pin_required", and "security.pin_required.extra" is blocked by a
// configured "security.pin_required".
func (s ImmutableSet) Blocks(name, path string) bool {
	for _, e := range s.entries {
		if prefixCollides(name, e) || prefixCollides(path, e) {
			return true
		}
	}
	return false
}

func prefixCollides(key, entry string) bool {
	if key == "" || entry == "" {
		return false
	}
	return strings.HasPrefix(key, entry) || strings.HasPrefix(entry, key)
}

// #endregion
