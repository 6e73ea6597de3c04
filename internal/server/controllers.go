package server

import (
	"log/slog"

	"github.com/skypro1111/speech-bridge/internal/config"
	"github.com/skypro1111/speech-bridge/internal/metrics"
	"github.com/skypro1111/speech-bridge/internal/provider"
	"github.com/skypro1111/speech-bridge/internal/provider/flowingtts"
	"github.com/skypro1111/speech-bridge/internal/provider/realtimeasr"
	"github.com/skypro1111/speech-bridge/internal/provider/streamtts"
	"github.com/skypro1111/speech-bridge/internal/recognition"
	"github.com/skypro1111/speech-bridge/internal/session"
)

// NewControllers wires the configured vendors into controller factories.
// Vendor connectors are built once; a connector that fails to build (for
// example on missing credentials) fails every controller that needs it.
func NewControllers(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) Controllers {
	ttsConnector, ttsErr := newTTSConnector(cfg.TTS, logger)
	asrConnector, asrErr := newASRConnector(cfg.ASR, logger)

	controllers := Controllers{
		NewTTS: func(streamID string, sink session.AudioSink) (*session.Controller[string], error) {
			if ttsErr != nil {
				return nil, ttsErr
			}
			return session.NewTTS(session.TTSOptions{
				StreamID:      streamID,
				Connector:     ttsConnector,
				Sink:          sink,
				Format:        cfg.TTS.GetSampleFormat(),
				SampleRate:    cfg.TTS.SampleRate,
				QueueCapacity: cfg.TTS.QueueCapacity,
				Logger:        logger,
				Metrics:       m,
			})
		},
		NewASR: func(streamID string, sink session.TextSink) (*session.Controller[provider.Frame], error) {
			if asrErr != nil {
				return nil, asrErr
			}
			return session.NewASR(session.ASROptions{
				StreamID:  streamID,
				Connector: asrConnector,
				Sink:      sink,
				Recognition: recognition.Config{
					Language:       cfg.ASR.Language,
					FinalSliceType: cfg.ASR.FinalSliceType,
				},
				QueueCapacity: cfg.ASR.QueueCapacity,
				Logger:        logger,
				Metrics:       m,
			})
		},
	}
	if client, ok := ttsConnector.(*streamtts.Client); ok && ttsErr == nil {
		controllers.TTSStats = func() any { return client.GetStats() }
	}
	return controllers
}

func newTTSConnector(cfg config.TTSConfig, logger *slog.Logger) (provider.Connector[string], error) {
	if cfg.Vendor == "stream" {
		client, err := streamtts.NewClient(streamtts.Config{
			Endpoint:      cfg.Endpoint,
			APIKey:        cfg.APIKey,
			Voice:         cfg.Voice,
			SampleRate:    cfg.SampleRate,
			Timeout:       cfg.GetTimeoutDuration(),
			MaxConcurrent: cfg.MaxConcurrent,
		}, logger)
		if err != nil {
			return nil, err
		}
		return client, nil
	}

	return flowingtts.NewConnector(flowingtts.Config{
		Endpoint: cfg.Endpoint,
		Credential: provider.Credential{
			AppID:     cfg.AppID,
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
		VoiceType:        cfg.VoiceType,
		Codec:            cfg.Codec,
		SampleRate:       cfg.SampleRate,
		HandshakeTimeout: cfg.GetHandshakeTimeoutDuration(),
	}, logger)
}

func newASRConnector(cfg config.ASRConfig, logger *slog.Logger) (provider.Connector[provider.Frame], error) {
	return realtimeasr.NewConnector(realtimeasr.Config{
		Endpoint: cfg.Endpoint,
		Credential: provider.Credential{
			AppID:     cfg.AppID,
			SecretID:  cfg.SecretID,
			SecretKey: cfg.SecretKey,
		},
		Options: realtimeasr.Options{
			EngineModelType: cfg.EngineModelType,
			VoiceFormat:     cfg.VoiceFormat,
			NeedVAD:         cfg.NeedVAD,
			FilterModal:     cfg.FilterModal,
			ConvertNumMode:  cfg.ConvertNumMode,
			WordInfo:        cfg.WordInfo,
		},
		HandshakeTimeout: cfg.GetHandshakeTimeoutDuration(),
	}, logger)
}
