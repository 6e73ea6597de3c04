// Package session implements the per-stream session controller that owns a
// vendor connection, feeds vendor callbacks through a handoff queue, and
// forwards synthesized audio or recognition text to the host's sinks.
//
// A Controller moves through Idle, Connecting, Streaming, Finalizing and
// Closed, with Errored reachable from any non-idle state. Connections are
// created lazily on the first Submit and recreated lazily after a transport
// failure; there is no retry backoff.
package session
