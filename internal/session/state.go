package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle position of a controller's current vendor session
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateFinalizing
	StateClosed
	StateErrored
)

// String returns a log-friendly state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ErrShutdown is returned by Submit after Shutdown
var ErrShutdown = errors.New("session controller shut down")
