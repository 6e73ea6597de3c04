package session

import (
	"github.com/skypro1111/speech-bridge/internal/recognition"
)

// ErrorSink is notified once per vendor failure or failed reconnect
type ErrorSink interface {
	OnError(err error)
}

// AudioFrame is one unit of synthesized int16 PCM forwarded downstream.
// The last frame of a session has EndOfStream set and carries no data;
// Interrupted marks a session that was cancelled or failed before completion.
type AudioFrame struct {
	StreamID    string
	SessionID   string
	Data        []byte
	SampleRate  int
	EndOfStream bool
	Interrupted bool
}

// AudioSink receives synthesized audio in delivery order
type AudioSink interface {
	ErrorSink
	Deliver(frame AudioFrame)
}

// TextUnit is one recognition result forwarded downstream
type TextUnit struct {
	StreamID     string             `json:"stream_id"`
	SessionID    string             `json:"session_id"`
	Text         string             `json:"text"`
	IsFinal      bool               `json:"is_final"`
	EndOfSegment bool               `json:"end_of_segment"`
	Result       recognition.Result `json:"result"`
}

// TextSink receives recognition results in vendor order
type TextSink interface {
	ErrorSink
	Deliver(unit TextUnit)
}
