package outcome

// #region classify

// Classify compares the target's current state against the post-action
// snapshot. Pure and deterministic: identical inputs always yield the
// identical kind.
//
// Policy: NEGATIVE when the primary value no longer matches the post-action
// value (the action was reverted or overridden); PARTIAL when more than half
// of the comparable secondary attributes drifted; NEUTRAL otherwise.
func Classify(after, current State) Kind {
	if current.Value != after.Value {
		return KindNegative
	}

	comparable := 0
	changed := 0
	for k, v := range after.Attributes {
		cur, ok := current.Attributes[k]
		if !ok {
			continue
		}
		comparable++
		if cur != v {
			changed++
		}
	}
	if comparable > 0 && changed*2 > comparable {
		return KindPartial
	}
	return KindNeutral
}

// Reverted reports whether a changed primary value is a true reversal: the
// target moved back to its pre-action value rather than somewhere else.
// Always false without a pre-action snapshot.
func Reverted(before, after, current State) bool {
	if before.Value == "" || before.Value == after.Value {
		return false
	}
	return current.Value == before.Value
}

// #endregion
