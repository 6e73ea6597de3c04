// Package registry keeps one session controller per stream and kind, and
// shuts down controllers that have been idle longer than the configured timeout.
package registry
