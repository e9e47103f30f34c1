package core

// Outcome is the symbolic result a state hands back to the FSM engine.
type Outcome string

// Basic outcomes shared by every service-backed state.
const (
	Succeed Outcome = "succeeded"
	Abort   Outcome = "aborted"
	Cancel  Outcome = "canceled"
	Timeout Outcome = "timeout"

	// Waiting is not terminal: the execution loop keeps going while a
	// handler returns it.
	Waiting Outcome = "waiting"
)

func (o Outcome) String() string { return string(o) }

// Terminal reports whether o ends an execution loop.
func (o Outcome) Terminal() bool { return o != Waiting }

// NewOutcomeSet builds the declared outcomes of a state. Succeed, Cancel and
// Abort are always present, Timeout only when withTimeout is set, followed by
// the extra outcomes in the given order. Empty tags, duplicates and Waiting
// are dropped, and so is an extra Timeout when no timeout is configured.
func NewOutcomeSet(withTimeout bool, extra ...Outcome) []Outcome {
	set := []Outcome{Succeed, Cancel, Abort}
	if withTimeout {
		set = append(set, Timeout)
	}
	seen := make(map[Outcome]struct{}, len(set)+len(extra))
	for _, o := range set {
		seen[o] = struct{}{}
	}
	for _, o := range extra {
		if o == "" || o == Waiting || (o == Timeout && !withTimeout) {
			continue
		}
		if _, dup := seen[o]; dup {
			continue
		}
		seen[o] = struct{}{}
		set = append(set, o)
	}
	return set
}

// Contains reports whether o is part of set.
func Contains(set []Outcome, o Outcome) bool {
	for _, s := range set {
		if s == o {
			return true
		}
	}
	return false
}
