// Package handoff provides the FIFO queue that carries vendor events from the
// goroutine a vendor client delivers them on to the session's consumer loop.
package handoff
