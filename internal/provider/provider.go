package provider

import (
	"context"
	"fmt"
)

// EventKind identifies a callback delivered by a vendor client
type EventKind uint8

const (
	EventStart EventKind = iota
	EventAudio
	EventSentenceBegin
	EventResultChange
	EventSentenceEnd
	EventComplete
	EventFail
)

// String returns a log-friendly event name
func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventAudio:
		return "audio"
	case EventSentenceBegin:
		return "sentence_begin"
	case EventResultChange:
		return "result_change"
	case EventSentenceEnd:
		return "sentence_end"
	case EventComplete:
		return "complete"
	case EventFail:
		return "fail"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Event is one vendor callback captured for the session's consumer loop.
// Payload holds audio bytes for EventAudio and the raw recognition message
// for the sentence events.
type Event struct {
	Kind      EventKind
	SessionID string
	Payload   []byte
	Err       error
}

// Listener receives vendor callbacks. Vendor clients may invoke it from any
// goroutine, but never concurrently for the same connection.
type Listener interface {
	// OnStart is called once the vendor accepted the session
	OnStart(sessionID string)
	// OnAudio delivers a synthesized audio chunk of arbitrary size
	OnAudio(chunk []byte)
	// OnSentenceBegin, OnResultChange and OnSentenceEnd deliver raw recognition messages
	OnSentenceBegin(payload []byte)
	OnResultChange(payload []byte)
	OnSentenceEnd(payload []byte)
	// OnComplete is called after the vendor flushed everything for the session
	OnComplete()
	// OnFail reports a vendor-side failure; no further callbacks follow
	OnFail(err error)
}

// Connection is a live vendor session accepting input of type In (text for
// synthesis, PCM frames for recognition). It is owned by exactly one writer.
type Connection[In any] interface {
	// Start opens the session. Push-style vendors must be started before
	// the first Write; request/response vendors may treat it as a no-op.
	Start(ctx context.Context) error
	// Write sends one unit of content to the vendor
	Write(ctx context.Context, in In) error
	// Finish signals the end of input; completion is reported via Listener.OnComplete
	Finish(ctx context.Context) error
	// Close tears the session down without waiting for completion
	Close() error
}

// Connector creates vendor connections. Every call yields a fresh connection.
type Connector[In any] interface {
	Connect(ctx context.Context, listener Listener) (Connection[In], error)
}

// ConnectorFunc adapts a function to the Connector interface
type ConnectorFunc[In any] func(ctx context.Context, listener Listener) (Connection[In], error)

// Connect calls f(ctx, listener)
func (f ConnectorFunc[In]) Connect(ctx context.Context, listener Listener) (Connection[In], error) {
	return f(ctx, listener)
}

// Frame is one chunk of PCM audio submitted for recognition
type Frame struct {
	Data []byte
	// TimestampMs is the capture time of the frame relative to the stream
	// start; the first frame of a session pins the recognition time base.
	TimestampMs int64
}
