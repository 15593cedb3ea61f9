package engine

import "fmt"

// ValidationError is a rejected relation or state request: cycle,
// cross-project pairing, phase violation, effort-budget violation. It is
// distinguishable from storage errors and from authorization failures raised
// at the outer layer.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string { return e.Reason }

func validationf(format string, args ...any) ValidationError {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// TransitionError means no transition rule matches the requested state change.
type TransitionError struct {
	From string
	To   string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}
