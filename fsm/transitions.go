package fsm

import "github.com/vitwit/checkout/types"

// Transitions lists the legal targets of each state.
type Transitions[S ~string] map[S][]S

// Allowed reports whether from -> to is legal.
func (t Transitions[S]) Allowed(from, to S) bool {
	for _, s := range t[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Check returns an INVALID_TRANSITION error when from -> to is not legal.
func (t Transitions[S]) Check(from, to S) error {
	if t.Allowed(from, to) {
		return nil
	}
	return types.NewError(types.ErrInvalidTransition, "invalid transition from %s to %s", from, to)
}

// Terminal reports whether s has no outgoing transitions.
func (t Transitions[S]) Terminal(s S) bool {
	return len(t[s]) == 0
}

// In reports whether s is one of states.
func In[S comparable](s S, states ...S) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}
