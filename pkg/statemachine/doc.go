// Package statemachine provides a declarative, stateless transition table.
//
// A Machine holds no current state. Callers load the current state from
// storage, ask the machine to Fire an event against it and persist the
// returned target state. This keeps the table safe to share between
// goroutines and makes replays deterministic: the same (state, event, data)
// always yields the same outcome.
//
// Several transitions may be registered for one (from, event) pair. They are
// evaluated in registration order and the first whose guards all pass wins,
// which lets one event fan out to different targets depending on its data.
//
//	m := statemachine.MustNew(
//		statemachine.WithTransition(Draft, Review, Submit),
//		statemachine.WithTransition(Review, Approved, Approve,
//			statemachine.WithGuard(isReviewer)),
//	)
//	next, err := m.Fire(ctx, Draft, Submit, doc)
package statemachine
