package engine

import (
	"context"

	"issueline/internal/config"
	"issueline/internal/domain"
)

// stateAny is the tagged wildcard for the old side of a transition key. It
// matches any current state and is consulted only after exact matches.
const stateAny = "*"

type transitionKey struct {
	Old string
	New string
}

// Action computes the actually-resulting state for a matched transition. It
// may consult related issues and may substitute a different state than the one
// requested (Waiting/Blocked redirections).
type Action func(ctx context.Context, issue domain.Issue, oldState, newState domain.State) (domain.State, error)

// machine is the phase-aware finite-state machine keyed by canonical
// (old, new) state-name pairs.
type machine struct {
	cfg     *config.Config
	entries map[transitionKey]Action
}

func newMachine(cfg *config.Config) *machine {
	return &machine{cfg: cfg, entries: make(map[transitionKey]Action)}
}

// register binds a transition. Duplicate registrations for the same pair are
// tolerated: the first one wins.
func (m *machine) register(old, new string, fn Action) {
	key := transitionKey{Old: old, New: new}
	if _, ok := m.entries[key]; ok {
		return
	}
	m.entries[key] = fn
}

// canonicalName normalizes a state for transition matching: user-defined
// states map to their phase's representative system state, system states pass
// through unchanged.
func (m *machine) canonicalName(st domain.State) string {
	if !st.UserDefined {
		return st.Name
	}
	return m.cfg.CanonicalFor(st.Phase)
}

// Apply looks up and runs the transition from oldState to newState. Equal
// canonical names are a trivial state-set with no action. An exact old-name
// match wins over the any-state wildcard; no match is a TransitionError.
func (m *machine) Apply(ctx context.Context, issue domain.Issue, oldState, newState domain.State) (domain.State, error) {
	oldName := m.canonicalName(oldState)
	newName := m.canonicalName(newState)
	if oldName == newName {
		return newState, nil
	}
	if fn, ok := m.entries[transitionKey{Old: oldName, New: newName}]; ok {
		return fn(ctx, issue, oldState, newState)
	}
	if fn, ok := m.entries[transitionKey{Old: stateAny, New: newName}]; ok {
		return fn(ctx, issue, oldState, newState)
	}
	return domain.State{}, TransitionError{From: oldState.Name, To: newState.Name}
}
