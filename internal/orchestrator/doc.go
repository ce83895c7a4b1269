// Package orchestrator drives pipeline stages end to end. A Stage wires a
// producer, the fingerprint dedup gate, a bounded queue, adaptive-concurrency
// dispatch through the resilient executor, a result sink, and the stage's
// checkpoint into one Run loop that survives restarts. A Pipeline runs stages
// concurrently, and a Relay streams results from one stage into the next with
// backpressure.
package orchestrator
