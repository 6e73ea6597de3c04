package session

import (
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/skypro1111/speech-bridge/internal/metrics"
	"github.com/skypro1111/speech-bridge/internal/provider"
	"github.com/skypro1111/speech-bridge/internal/recognition"
)

// ASROptions configures a recognition controller
type ASROptions struct {
	StreamID    string
	Connector   provider.Connector[provider.Frame]
	Sink        TextSink
	Recognition recognition.Config

	QueueCapacity int
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// NewASR creates a controller that submits audio frames and delivers text units
func NewASR(opts ASROptions) (*Controller[provider.Frame], error) {
	if opts.Sink == nil {
		return nil, &provider.ConfigError{Vendor: "asr", Field: "sink"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return NewController(Options[provider.Frame]{
		Name:      "asr",
		StreamID:  opts.StreamID,
		Connector: opts.Connector,
		Errors:    opts.Sink,
		NewProcessor: func(sessionID string) Processor[provider.Frame] {
			p := &asrProcessor{
				streamID:   opts.StreamID,
				sessionID:  sessionID,
				sink:       opts.Sink,
				aggregator: recognition.NewAggregator(opts.Recognition),
				logger:     opts.Logger.With(slog.String("stream_id", opts.StreamID), slog.String("session_id", sessionID)),
				metrics:    opts.Metrics,
			}
			p.firstFrame.Store(noTimestamp)
			return p
		},
		QueueCapacity: opts.QueueCapacity,
		Logger:        opts.Logger,
		Metrics:       opts.Metrics,
	})
}

const noTimestamp = math.MinInt64

// asrProcessor converts recognition events into text units
type asrProcessor struct {
	streamID   string
	sessionID  string
	sink       TextSink
	aggregator *recognition.Aggregator
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// firstFrame is written by the submitting goroutine and read by the consumer
	firstFrame atomic.Int64
}

func (p *asrProcessor) Observe(frame provider.Frame) {
	p.firstFrame.CompareAndSwap(noTimestamp, frame.TimestampMs)
}

func (p *asrProcessor) Handle(ev provider.Event) error {
	if ts := p.firstFrame.Load(); ts != noTimestamp {
		if p.aggregator.SetFirstFrameTimestamp(ts) {
			p.logger.Debug("Recognition time base set", slog.Int64("first_frame_ms", ts))
		}
	}

	result, err := p.aggregator.OnEvent(ev)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}

	p.logger.Debug("Recognition result",
		slog.String("event", ev.Kind.String()),
		slog.Bool("is_final", result.IsFinal),
		slog.Int64("start_ms", result.StartTimeMs),
		slog.Int64("duration_ms", result.DurationMs),
		slog.String("text", result.Text),
	)

	p.sink.Deliver(TextUnit{
		StreamID:     p.streamID,
		SessionID:    p.sessionID,
		Text:         result.Text,
		IsFinal:      result.IsFinal,
		EndOfSegment: result.IsFinal,
		Result:       *result,
	})
	p.metrics.RecordRecognitionResult(result.IsFinal)
	return nil
}

func (p *asrProcessor) Close(completed bool) {
	stats := p.aggregator.Stats()
	p.logger.Debug("Recognition session finished",
		slog.Bool("completed", completed),
		slog.Uint64("partial", stats.Partial),
		slog.Uint64("final", stats.Final),
		slog.Uint64("malformed", stats.Malformed),
	)
}
