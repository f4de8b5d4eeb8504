package policy

// #region imports
import (
	"fmt"
	"math"
)

// #endregion

// #region candidate

// Candidate is the closed shape every externally generated proposal is
// parsed into at the boundary. Anything that does not fit is rejected at
// parse time, never trusted deeper in.
type Candidate struct {
	Parameter     string  `json:"parameter"`
	CurrentValue  float64 `json:"current_value"`
	ProposedValue float64 `json:"proposed_value"`
	Reason        string  `json:"reason"`
	Confidence    float64 `json:"confidence"`
}

// #endregion

// #region rejection-reasons

const (
	RejectUnknownParameter   = "unknown_parameter"
	RejectImmutableParameter = "immutable_parameter"
	RejectNonNumeric         = "non_numeric_value"
	RejectOutOfBounds        = "out_of_bounds"
)

// #endregion

// #region validator

// Validator applies the four whitelist/immutable/numeric/bounds checks.
type Validator struct {
	immutable ImmutableSet
}

// NewValidator builds a validator over the wide whitelist and the given
// immutable set.
func NewValidator(immutable ImmutableSet) *Validator {
	return &Validator{immutable: immutable}
}

// Validate returns ok=true only when every check passes. On rejection the
// reason names the failed check; rejection is everyday filtering, not an
// error.
func (v *Validator) Validate(c Candidate) (ok bool, reason string) {
	bound, found := Lookup(c.Parameter)
	if !found {
		return false, RejectUnknownParameter
	}
	if v.immutable.Blocks(c.Parameter, bound.Path) {
		return false, RejectImmutableParameter
	}
	if math.IsNaN(c.ProposedValue) || math.IsInf(c.ProposedValue, 0) {
		return false, RejectNonNumeric
	}
	if c.ProposedValue < bound.Min || c.ProposedValue > bound.Max {
		return false, fmt.Sprintf("%s: %.4g outside [%.4g, %.4g]",
			RejectOutOfBounds, c.ProposedValue, bound.Min, bound.Max)
	}
	return true, ""
}

// #endregion

// #region clamp

// Clamp restricts v to the bound's [Min, Max] range.
func (b ParameterBound) Clamp(v float64) float64 {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

// #endregion
