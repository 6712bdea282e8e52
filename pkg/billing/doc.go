// Package billing ingests verified payment provider events and reconciles
// subscription state and account entitlement from them.
//
// Every event enters through Processor.ProcessEvent. Delivery is
// at-least-once, so the processor relies on the Ledger for idempotency: the
// event row is inserted if absent, then claimed with an atomic lease before
// any effect is applied. A duplicate delivery of a processed event returns
// StatusAlreadyProcessed together with the cached result; a duplicate that
// races the first delivery returns StatusInFlight.
//
// Events are routed by family (subscription, payment, customer, invoice) and
// then by exact type. Unknown types are acknowledged as StatusUnhandled.
// Handlers resolve the internal account through an ordered set of hints:
//
//  1. provider subscription id
//  2. provider customer id
//  3. case-folded email
//  4. user id carried in event metadata
//
// and park the event in the OrphanQueue when none match. The Redriver
// re-submits orphaned events on a schedule.
//
// Subscription lifecycle changes go through a transition table. Transitions
// assign final values rather than increment anything, so re-applying an event
// leaves state unchanged. The account's subscription fields are a projection
// of the subscription record and are written as a whole.
package billing
