package statemachine

import "fmt"

// Option configures a machine during construction.
type Option[S, E comparable, D any] func(*Machine[S, E, D]) error

// TransitionOption configures a single transition.
type TransitionOption[S, E comparable, D any] func(*transitionConfig[S, E, D])

type transitionConfig[S, E comparable, D any] struct {
	guards  []Guard[S, E, D]
	actions []Action[S, E, D]
}

// WithTransition registers from --event--> to.
func WithTransition[S, E comparable, D any](from, to S, event E, opts ...TransitionOption[S, E, D]) Option[S, E, D] {
	return func(m *Machine[S, E, D]) error {
		cfg := &transitionConfig[S, E, D]{}
		for _, opt := range opts {
			opt(cfg)
		}
		if err := m.add(from, to, event, cfg.guards, cfg.actions); err != nil {
			return fmt.Errorf("%v -> %v on %v: %w", from, to, event, err)
		}
		return nil
	}
}

// WithTransitionsFrom registers the same event and target for several source states.
func WithTransitionsFrom[S, E comparable, D any](froms []S, to S, event E, opts ...TransitionOption[S, E, D]) Option[S, E, D] {
	return func(m *Machine[S, E, D]) error {
		for _, from := range froms {
			if err := WithTransition(from, to, event, opts...)(m); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithGuard adds guards to a transition. Nil guards are ignored.
func WithGuard[S, E comparable, D any](guards ...Guard[S, E, D]) TransitionOption[S, E, D] {
	return func(cfg *transitionConfig[S, E, D]) {
		for _, g := range guards {
			if g != nil {
				cfg.guards = append(cfg.guards, g)
			}
		}
	}
}

// WithAction adds actions to a transition. Nil actions are ignored.
func WithAction[S, E comparable, D any](actions ...Action[S, E, D]) TransitionOption[S, E, D] {
	return func(cfg *transitionConfig[S, E, D]) {
		for _, a := range actions {
			if a != nil {
				cfg.actions = append(cfg.actions, a)
			}
		}
	}
}
