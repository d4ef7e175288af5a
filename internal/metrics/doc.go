// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Request counts, latencies and pending requests
//   - Events received per type and derived state changes
//   - Handler failures and dropped deliveries
//   - Connection state and reconnect attempts
//   - Active subscriptions and ledger appends
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics
