// Package api exposes the HTTP surface of the DCA service: agent key and
// order lifecycle endpoints, an on-demand scheduler tick, the maintenance
// endpoints that trigger reconciliation and report order counts, chain
// snapshots and the Prometheus /metrics endpoint. Every route except /healthz
// and /metrics sits behind the bearer-token middleware from internal/auth.
package api
