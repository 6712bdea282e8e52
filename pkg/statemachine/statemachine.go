package statemachine

import (
	"context"
	"fmt"
)

// Guard decides whether a transition may proceed for the given data.
type Guard[S, E comparable, D any] func(ctx context.Context, from S, event E, data D) bool

// Action runs when a transition is taken. Returning an error aborts the transition.
type Action[S, E comparable, D any] func(ctx context.Context, from, to S, event E, data D) error

type key[S, E comparable] struct {
	from  S
	event E
}

type transition[S, E comparable, D any] struct {
	to      S
	guards  []Guard[S, E, D]
	actions []Action[S, E, D]
}

// Machine is an immutable transition table. It is safe for concurrent use.
type Machine[S, E comparable, D any] struct {
	transitions map[key[S, E]][]transition[S, E, D]
}

// New builds a machine from the given options.
func New[S, E comparable, D any](opts ...Option[S, E, D]) (*Machine[S, E, D], error) {
	m := &Machine[S, E, D]{transitions: make(map[key[S, E]][]transition[S, E, D])}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MustNew is like New but panics on error. Intended for package-level tables.
func MustNew[S, E comparable, D any](opts ...Option[S, E, D]) *Machine[S, E, D] {
	m, err := New(opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to create state machine: %v", err))
	}
	return m
}

func (m *Machine[S, E, D]) add(from, to S, event E, guards []Guard[S, E, D], actions []Action[S, E, D]) error {
	var zeroS S
	var zeroE E
	if from == zeroS || to == zeroS || event == zeroE {
		return ErrInvalidTransition
	}
	k := key[S, E]{from: from, event: event}
	m.transitions[k] = append(m.transitions[k], transition[S, E, D]{to: to, guards: guards, actions: actions})
	return nil
}

// Target returns the state the event would move from into, without running actions.
func (m *Machine[S, E, D]) Target(ctx context.Context, from S, event E, data D) (S, error) {
	t, err := m.pick(ctx, from, event, data)
	if err != nil {
		var zero S
		return zero, err
	}
	return t.to, nil
}

// CanFire reports whether the event has an allowed transition out of from.
func (m *Machine[S, E, D]) CanFire(ctx context.Context, from S, event E, data D) bool {
	_, err := m.pick(ctx, from, event, data)
	return err == nil
}

// Fire selects the transition for (from, event), runs its actions in order and
// returns the target state. On error the caller must not persist any state.
func (m *Machine[S, E, D]) Fire(ctx context.Context, from S, event E, data D) (S, error) {
	t, err := m.pick(ctx, from, event, data)
	if err != nil {
		var zero S
		return zero, err
	}
	for _, action := range t.actions {
		if err := action(ctx, from, t.to, event, data); err != nil {
			var zero S
			return zero, err
		}
	}
	return t.to, nil
}

// Events lists the events registered out of the given state.
func (m *Machine[S, E, D]) Events(from S) []E {
	var events []E
	seen := make(map[E]struct{})
	for k := range m.transitions {
		if k.from != from {
			continue
		}
		if _, ok := seen[k.event]; ok {
			continue
		}
		seen[k.event] = struct{}{}
		events = append(events, k.event)
	}
	return events
}

func (m *Machine[S, E, D]) pick(ctx context.Context, from S, event E, data D) (transition[S, E, D], error) {
	candidates, ok := m.transitions[key[S, E]{from: from, event: event}]
	if !ok {
		return transition[S, E, D]{}, &ErrNoTransitionAvailable{StateName: fmt.Sprint(from), EventName: fmt.Sprint(event)}
	}

	for _, t := range candidates {
		if guardsPass(ctx, t.guards, from, event, data) {
			return t, nil
		}
	}

	return transition[S, E, D]{}, &ErrTransitionRejected{StateName: fmt.Sprint(from), EventName: fmt.Sprint(event)}
}

func guardsPass[S, E comparable, D any](ctx context.Context, guards []Guard[S, E, D], from S, event E, data D) bool {
	for _, g := range guards {
		if !g(ctx, from, event, data) {
			return false
		}
	}
	return true
}
