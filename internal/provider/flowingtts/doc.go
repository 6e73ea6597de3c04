// Package flowingtts is the push-style synthesis client: one websocket per
// session, text fragments written as they arrive, int16 PCM returned in
// binary frames.
package flowingtts
