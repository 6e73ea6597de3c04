package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/speech-bridge/internal/audio"
	"github.com/skypro1111/speech-bridge/internal/provider"
	"github.com/skypro1111/speech-bridge/internal/registry"
	"github.com/skypro1111/speech-bridge/internal/session"
)

var errStreamBusy = errors.New("stream already has a recognition client")

// maxAudioMessage bounds one binary websocket message
const maxAudioMessage = audio.FrameSize * 8

var upgrader = websocket.Upgrader{
	ReadBufferSize:  audio.FrameSize * 4,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Message types on the recognition websocket
const (
	MessageResult = "result"
	MessageError  = "error"
	MessageEnd    = "end"
)

// ASRMessage is a text message on the recognition websocket. Clients send
// {"type":"end"}; the bridge sends results and errors.
type ASRMessage struct {
	Type  string            `json:"type"`
	Unit  *session.TextUnit `json:"unit,omitempty"`
	Error string            `json:"error,omitempty"`
}

// wsTextSink forwards recognition results to the websocket client
type wsTextSink struct {
	ws     *websocket.Conn
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (s *wsTextSink) Deliver(unit session.TextUnit) {
	s.send(ASRMessage{Type: MessageResult, Unit: &unit})
}

func (s *wsTextSink) OnError(err error) {
	s.send(ASRMessage{Type: MessageError, Error: err.Error()})
}

func (s *wsTextSink) send(msg ASRMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to encode recognition message", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("Failed to write recognition message", slog.String("error", err.Error()))
	}
}

func (s *wsTextSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// handleASR implements the /asr/{stream} websocket. Binary messages carry
// 16kHz mono int16 audio; a {"type":"end"} text message ends the segment.
func (h *HTTPServer) handleASR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := streamID(w, r)
	if !ok {
		return
	}

	if _, exists := h.registry.Get(kindASR, id); exists {
		http.Error(w, "Stream already has a recognition client", http.StatusConflict)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade recognition connection",
			slog.String("stream_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxAudioMessage)

	logger := h.logger.With(slog.String("stream_id", id))
	sink := &wsTextSink{ws: ws, logger: logger}
	defer sink.close()

	ctrl, created, err := registry.GetOrCreate(h.registry, kindASR, id, func() (*session.Controller[provider.Frame], error) {
		return h.controllers.NewASR(id, sink)
	})
	if err != nil {
		logger.Error("Failed to create recognition controller", slog.String("error", err.Error()))
		sink.OnError(err)
		return
	}
	if !created {
		// Lost a race with another client for the same stream
		sink.OnError(errStreamBusy)
		return
	}
	defer h.registry.Remove(kindASR, id)

	logger.Info("Recognition client connected", slog.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.pumpAudio(ctx, ws, ctrl, logger)
}

// pumpAudio feeds websocket audio into ctrl until the client disconnects.
// The last frame of a segment is held back so it can carry end-of-segment.
func (h *HTTPServer) pumpAudio(ctx context.Context, ws *websocket.Conn, ctrl *session.Controller[provider.Frame], logger *slog.Logger) {
	var framer audio.Framer
	var pending *provider.Frame

	submit := func(frame provider.Frame, endOfSegment bool) bool {
		if err := ctrl.Submit(ctx, frame, endOfSegment); err != nil {
			logger.Warn("Recognition submit failed", slog.String("error", err.Error()))
			return false
		}
		return true
	}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			logger.Info("Recognition client disconnected", slog.String("reason", err.Error()))
			if pending != nil {
				logger.Warn("Discarding audio not closed by an end message",
					slog.Int("bytes", len(pending.Data)),
					slog.Int64("timestamp_ms", pending.TimestampMs),
				)
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			frames, timestamps := framer.Write(data)
			for i, frame := range frames {
				if pending != nil && !submit(*pending, false) {
					return
				}
				pending = &provider.Frame{Data: frame, TimestampMs: timestamps[i]}
			}

		case websocket.TextMessage:
			var msg ASRMessage
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MessageEnd {
				logger.Debug("Ignoring unknown recognition control message", slog.Int("bytes", len(data)))
				continue
			}

			tail, ts, dropped := framer.Flush()
			if dropped > 0 {
				h.metrics.RecordMalformedPayload(kindASR)
				logger.Warn("Dropping split sample at end of segment",
					slog.Int("bytes", dropped),
					slog.String("error", provider.ErrMalformedPayload.Error()),
				)
			}
			if tail != nil {
				if pending != nil && !submit(*pending, false) {
					return
				}
				pending = &provider.Frame{Data: tail, TimestampMs: ts}
			}
			if pending == nil {
				continue
			}
			if !submit(*pending, true) {
				return
			}
			pending = nil
		}
	}
}
