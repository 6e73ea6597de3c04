package session

import (
	"context"
	"log/slog"

	"github.com/skypro1111/speech-bridge/internal/handoff"
	"github.com/skypro1111/speech-bridge/internal/metrics"
	"github.com/skypro1111/speech-bridge/internal/provider"
)

// queueListener turns vendor callbacks into events on the session queue.
// It runs on whatever goroutine the vendor client uses.
type queueListener struct {
	controller string
	sessionID  string
	queue      *handoff.Queue[provider.Event]
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func (l *queueListener) push(ev provider.Event) {
	ev.SessionID = l.sessionID

	if err := l.queue.Push(context.Background(), ev); err != nil {
		l.metrics.RecordQueuePush(l.controller, true)
		l.logger.Debug("Vendor event received but connection was closed",
			slog.String("session_id", l.sessionID),
			slog.String("event", ev.Kind.String()),
			slog.Int("bytes", len(ev.Payload)),
		)
		return
	}
	l.metrics.RecordQueuePush(l.controller, false)
}

func (l *queueListener) OnStart(vendorSessionID string) {
	l.push(provider.Event{Kind: provider.EventStart, Payload: []byte(vendorSessionID)})
}

func (l *queueListener) OnAudio(chunk []byte) {
	// Vendor clients may reuse their read buffers
	l.push(provider.Event{Kind: provider.EventAudio, Payload: append([]byte(nil), chunk...)})
}

func (l *queueListener) OnSentenceBegin(payload []byte) {
	l.push(provider.Event{Kind: provider.EventSentenceBegin, Payload: payload})
}

func (l *queueListener) OnResultChange(payload []byte) {
	l.push(provider.Event{Kind: provider.EventResultChange, Payload: payload})
}

func (l *queueListener) OnSentenceEnd(payload []byte) {
	l.push(provider.Event{Kind: provider.EventSentenceEnd, Payload: payload})
}

func (l *queueListener) OnComplete() {
	l.push(provider.Event{Kind: provider.EventComplete})
	l.queue.Close()
}

func (l *queueListener) OnFail(err error) {
	l.push(provider.Event{Kind: provider.EventFail, Err: err})
	l.queue.Close()
}
