// Package metrics defines the Prometheus collectors for sessions, handoff
// queues, delivered audio, recognition results and the HTTP API.
package metrics
