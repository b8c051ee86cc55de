// Package engine runs workflow graphs against registered capability providers.
//
// Architecture:
//
// engine.go    - Engine, Deps, the scheduling loop, Submit and lookups
// ordering.go  - Kahn ordering over success edges
// dispatch.go  - per-node invocation (timeouts, retries, throttle, circuit breaker, worker pool)
// execution.go - Execution state, execution context and archive records
//
// A run visits nodes in topological order on a single scheduler goroutine. A
// node runs once every success predecessor has completed or been skipped, and
// its condition (if any) holds against the execution context. Results are
// stored as node_<id> entries and handed to successors as from_<id> inputs.
package engine
