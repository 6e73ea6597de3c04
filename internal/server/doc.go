// Package server exposes the bridge over HTTP: text submission and
// cancellation for synthesis streams, a websocket per recognition stream,
// and the health, session, config and metrics endpoints.
package server
