// Package fake emulates the speech vendors over real HTTP and websocket
// transports. It backs the client tests and the fakevendor command used for
// local end-to-end runs.
package fake
