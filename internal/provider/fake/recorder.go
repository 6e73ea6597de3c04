package fake

import (
	"sync"
	"time"

	"github.com/skypro1111/speech-bridge/internal/provider"
)

// Recorder is a provider.Listener that keeps every callback for inspection
type Recorder struct {
	mu      sync.Mutex
	events  []provider.Event
	audio   []byte
	chunks  int
	done    chan struct{}
	endOnce sync.Once
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{done: make(chan struct{})}
}

func (r *Recorder) record(ev provider.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) OnStart(sessionID string) {
	r.record(provider.Event{Kind: provider.EventStart, SessionID: sessionID})
}

func (r *Recorder) OnAudio(chunk []byte) {
	r.mu.Lock()
	r.audio = append(r.audio, chunk...)
	r.chunks++
	r.mu.Unlock()
	r.record(provider.Event{Kind: provider.EventAudio, Payload: append([]byte(nil), chunk...)})
}

func (r *Recorder) OnSentenceBegin(payload []byte) {
	r.record(provider.Event{Kind: provider.EventSentenceBegin, Payload: payload})
}

func (r *Recorder) OnResultChange(payload []byte) {
	r.record(provider.Event{Kind: provider.EventResultChange, Payload: payload})
}

func (r *Recorder) OnSentenceEnd(payload []byte) {
	r.record(provider.Event{Kind: provider.EventSentenceEnd, Payload: payload})
}

func (r *Recorder) OnComplete() {
	r.record(provider.Event{Kind: provider.EventComplete})
	r.endOnce.Do(func() { close(r.done) })
}

func (r *Recorder) OnFail(err error) {
	r.record(provider.Event{Kind: provider.EventFail, Err: err})
	r.endOnce.Do(func() { close(r.done) })
}

// Wait blocks until OnComplete or OnFail was called, or timeout elapses
func (r *Recorder) Wait(timeout time.Duration) bool {
	select {
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Events returns a copy of the recorded callbacks
func (r *Recorder) Events() []provider.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]provider.Event(nil), r.events...)
}

// Kinds returns the recorded callback kinds, with consecutive audio chunks collapsed
func (r *Recorder) Kinds() []provider.EventKind {
	var kinds []provider.EventKind
	for _, ev := range r.Events() {
		if ev.Kind == provider.EventAudio && len(kinds) > 0 && kinds[len(kinds)-1] == provider.EventAudio {
			continue
		}
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

// Audio returns all audio bytes received and the number of chunks they came in
func (r *Recorder) Audio() ([]byte, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.audio...), r.chunks
}

// Failure returns the error passed to OnFail, if any
func (r *Recorder) Failure() error {
	for _, ev := range r.Events() {
		if ev.Kind == provider.EventFail {
			return ev.Err
		}
	}
	return nil
}

var _ provider.Listener = (*Recorder)(nil)
