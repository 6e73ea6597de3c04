package server

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/skypro1111/speech-bridge/internal/audio"
	"github.com/skypro1111/speech-bridge/internal/session"
)

// wavSink writes each synthesis session of one stream to its own WAV file
type wavSink struct {
	dir      string
	streamID string
	logger   *slog.Logger

	mu        sync.Mutex
	writer    *audio.WAVWriter
	sessionID string
	path      string
	files     []string
	lastError error
}

func newWAVSink(dir, streamID string, logger *slog.Logger) *wavSink {
	return &wavSink{
		dir:      dir,
		streamID: streamID,
		logger:   logger.With(slog.String("stream_id", streamID)),
	}
}

// Deliver appends frame data to the session's file and closes it on end-of-stream
func (s *wavSink) Deliver(frame session.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if frame.EndOfStream {
		if s.sessionID == frame.SessionID {
			s.closeLocked(frame.Interrupted)
		}
		return
	}

	if s.writer == nil || s.sessionID != frame.SessionID {
		s.closeLocked(true)
		if err := s.openLocked(frame.SessionID, frame.SampleRate); err != nil {
			s.lastError = err
			s.logger.Error("Failed to create WAV output", slog.String("error", err.Error()))
			return
		}
	}

	if _, err := s.writer.Write(frame.Data); err != nil {
		s.lastError = err
		s.logger.Error("Failed to write WAV output",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	}
}

// OnError records vendor failures reported by the controller
func (s *wavSink) OnError(err error) {
	s.mu.Lock()
	s.lastError = err
	s.mu.Unlock()

	s.logger.Error("Synthesis failed", slog.String("error", err.Error()))
}

// Files returns the WAV files completed so far
func (s *wavSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.files...)
}

func (s *wavSink) openLocked(sessionID string, sampleRate int) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", s.dir, err)
	}

	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s.wav", s.streamID, sessionID))
	writer, err := audio.CreateWAV(path, sampleRate)
	if err != nil {
		return err
	}

	s.writer = writer
	s.sessionID = sessionID
	s.path = path
	return nil
}

func (s *wavSink) closeLocked(interrupted bool) {
	if s.writer == nil {
		return
	}

	size := s.writer.DataSize()
	if err := s.writer.Close(); err != nil {
		s.logger.Error("Failed to finalize WAV output",
			slog.String("path", s.path),
			slog.String("error", err.Error()),
		)
	} else {
		s.files = append(s.files, s.path)
		s.logger.Info("Synthesized audio written",
			slog.String("path", s.path),
			slog.String("session_id", s.sessionID),
			slog.Int("bytes", int(size)),
			slog.Bool("interrupted", interrupted),
		)
	}

	s.writer = nil
	s.sessionID = ""
	s.path = ""
}
