// Package governance holds the runtime safety controls wrapped around
// capability invocations: per-capability circuit breaking, call throttling,
// retries and timeouts.
//
// All state is kept in process memory. It protects providers for a single
// engine instance; running several instances against the same providers
// would need the breaker and limiter state moved to a shared store.
package governance
