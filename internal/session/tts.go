package session

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/skypro1111/speech-bridge/internal/audio"
	"github.com/skypro1111/speech-bridge/internal/metrics"
	"github.com/skypro1111/speech-bridge/internal/provider"
)

// TTSOptions configures a synthesis controller
type TTSOptions struct {
	StreamID  string
	Connector provider.Connector[string]
	Sink      AudioSink

	// Format is the sample format the vendor streams
	Format     audio.SampleFormat
	SampleRate int

	QueueCapacity int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// NewTTS creates a controller that submits text and delivers int16 PCM
func NewTTS(opts TTSOptions) (*Controller[string], error) {
	if opts.Sink == nil {
		return nil, &provider.ConfigError{Vendor: "tts", Field: "sink"}
	}
	if opts.SampleRate <= 0 {
		return nil, &provider.ConfigError{Vendor: "tts", Field: "sample_rate"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return NewController(Options[string]{
		Name:      "tts",
		StreamID:  opts.StreamID,
		Connector: opts.Connector,
		Errors:    opts.Sink,
		NewProcessor: func(sessionID string) Processor[string] {
			return &ttsProcessor{
				streamID:    opts.StreamID,
				sessionID:   sessionID,
				sink:        opts.Sink,
				sampleRate:  opts.SampleRate,
				reassembler: audio.NewReassembler(opts.Format),
				logger:      opts.Logger.With(slog.String("stream_id", opts.StreamID), slog.String("session_id", sessionID)),
				metrics:     opts.Metrics,
			}
		},
		QueueCapacity: opts.QueueCapacity,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
}

// ttsProcessor realigns vendor audio and forwards it to the sink
type ttsProcessor struct {
	streamID    string
	sessionID   string
	sink        AudioSink
	sampleRate  int
	reassembler *audio.Reassembler
	logger      *slog.Logger
	metrics     *metrics.Metrics

	sentAt     atomic.Int64 // unix ms of the first submitted text
	firstAudio bool
	delivered  int
	chunks     int
}

func (p *ttsProcessor) Observe(text string) {
	now := time.Now().UnixMilli()
	p.sentAt.CompareAndSwap(0, now)

	p.logger.Info("Sending text for synthesis",
		slog.Int64("tts_send_ms", now),
		slog.Int("chars", len(text)),
	)
}

func (p *ttsProcessor) Handle(ev provider.Event) error {
	switch ev.Kind {
	case provider.EventStart:
		p.logger.Debug("Synthesis started", slog.String("vendor_session_id", string(ev.Payload)))
		return nil

	case provider.EventComplete:
		p.logger.Debug("Synthesis completed",
			slog.Int("chunks", p.chunks),
			slog.Int("bytes", p.delivered),
		)
		return nil

	case provider.EventAudio:
		p.chunks++
		chunk := p.reassembler.Push(ev.Payload)

		p.logger.Debug("Audio chunk received",
			slog.Int("bytes", len(ev.Payload)),
			slog.Int("converted_bytes", chunk.Len()),
			slog.Int("residual", p.reassembler.Residual()),
		)

		if chunk.Len() == 0 {
			return nil
		}

		if !p.firstAudio {
			p.firstAudio = true
			now := time.Now().UnixMilli()
			p.logger.Info("First audio received", slog.Int64("tts_first_audio_ms", now))
			if sent := p.sentAt.Load(); sent > 0 {
				p.metrics.RecordFirstAudio(float64(now-sent) / 1000)
			}
		}

		p.sink.Deliver(AudioFrame{
			StreamID:   p.streamID,
			SessionID:  p.sessionID,
			Data:       chunk.Data,
			SampleRate: p.sampleRate,
		})
		p.delivered += chunk.Len()
		p.metrics.RecordAudioDelivered(chunk.Len())
		return nil

	default:
		return fmt.Errorf("%w: unexpected %s event for synthesis", provider.ErrMalformedPayload, ev.Kind)
	}
}

func (p *ttsProcessor) Close(completed bool) {
	if dropped := p.reassembler.Reset(); dropped > 0 {
		p.metrics.RecordResidualDropped(dropped)
		p.logger.Warn("Dropping partial sample at end of stream",
			slog.Int("bytes", dropped),
			slog.String("error", provider.ErrMalformedPayload.Error()),
		)
	}

	if !completed && p.delivered == 0 {
		return
	}

	p.sink.Deliver(AudioFrame{
		StreamID:    p.streamID,
		SessionID:   p.sessionID,
		SampleRate:  p.sampleRate,
		EndOfStream: true,
		Interrupted: !completed,
	})
}
