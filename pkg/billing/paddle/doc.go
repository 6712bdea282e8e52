// Package paddle turns verified Paddle Billing notifications into billing
// envelopes.
//
// Verification uses the Paddle SDK's webhook verifier. Paddle payloads are
// then reshaped into the provider-neutral data the billing processor reads:
// ids, customer and custom_data, product and amount, period end and the
// lifecycle timestamps. Event types Paddle has no billing equivalent for keep
// their original name, which the processor acknowledges as unhandled.
//
//	v, err := paddle.NewVerifier(cfg)
//	env, err := v.Envelope(r)
//	res, err := processor.ProcessEvent(r.Context(), env)
package paddle
