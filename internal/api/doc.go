// Package api exposes the REST surface for creating execution plans,
// advancing them against a chain backend, and inspecting providers and
// asynchronous jobs. Handlers map the unified error codes onto HTTP
// status codes and feed the metrics collector.
package api
