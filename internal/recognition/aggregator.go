package recognition

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/skypro1111/speech-bridge/internal/provider"
)

const (
	// DefaultFinalSliceType is the slice type of a finalized sentence
	DefaultFinalSliceType = 2
	// DefaultLanguage is reported when the vendor does not echo a language
	DefaultLanguage = "zh-CN"
)

// Word is one recognized word with stream-relative timing
type Word struct {
	StartTimeMs int64  `json:"start_time_ms"`
	DurationMs  int64  `json:"duration_ms"`
	Text        string `json:"text"`
	IsStable    bool   `json:"is_stable"`
}

// Result is the canonical incremental recognition record. Times are relative
// to the stream start, never to the payload that produced them.
type Result struct {
	StartTimeMs int64  `json:"start_time_ms"`
	DurationMs  int64  `json:"duration_ms"`
	Language    string `json:"language"`
	IsFinal     bool   `json:"is_final"`
	SliceType   int    `json:"slice_type"`
	Index       int    `json:"index"`
	Words       []Word `json:"words"`
	Text        string `json:"text"`
}

// Config holds aggregator settings
type Config struct {
	Language       string
	FinalSliceType int
}

// Payload is the raw recognition message sent by the vendor
type Payload struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	VoiceID   string `json:"voice_id"`
	MessageID string `json:"message_id"`
	Final     int    `json:"final"`
	Result    *struct {
		SliceType    int    `json:"slice_type"`
		Index        int    `json:"index"`
		StartTime    int64  `json:"start_time"`
		EndTime      int64  `json:"end_time"`
		VoiceTextStr string `json:"voice_text_str"`
		WordSize     int    `json:"word_size"`
		WordList     []struct {
			Word       string `json:"word"`
			StartTime  int64  `json:"start_time"`
			EndTime    int64  `json:"end_time"`
			StableFlag int    `json:"stable_flag"`
		} `json:"word_list"`
	} `json:"result,omitempty"`
}

// Stats counts what the aggregator produced
type Stats struct {
	Events    uint64 `json:"events"`
	Partial   uint64 `json:"partial"`
	Final     uint64 `json:"final"`
	Malformed uint64 `json:"malformed"`
	Failures  uint64 `json:"failures"`
}

// Aggregator converts vendor recognition events of one session into Results.
// It performs no reordering or deduplication: a later event for the same
// sentence supersedes an interim result only downstream.
type Aggregator struct {
	language       string
	finalSliceType int

	firstFrameTimestamp int64
	baseSet             bool

	stats Stats
}

// NewAggregator creates an aggregator for one session
func NewAggregator(cfg Config) *Aggregator {
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.FinalSliceType == 0 {
		cfg.FinalSliceType = DefaultFinalSliceType
	}
	return &Aggregator{
		language:       cfg.Language,
		finalSliceType: cfg.FinalSliceType,
	}
}

// SetFirstFrameTimestamp pins the time base. Only the first call has an
// effect; it reports whether the base was set by this call.
func (a *Aggregator) SetFirstFrameTimestamp(ts int64) bool {
	if a.baseSet {
		return false
	}
	a.firstFrameTimestamp = ts
	a.baseSet = true
	return true
}

// FirstFrameTimestamp returns the current time base
func (a *Aggregator) FirstFrameTimestamp() int64 {
	return a.firstFrameTimestamp
}

// OnEvent converts one vendor event. Sentence events yield a Result; start
// and completion yield nil. A failure event yields no Result and an error
// that satisfies provider.IsFailure. Undecodable payloads yield an error
// wrapping provider.ErrMalformedPayload.
func (a *Aggregator) OnEvent(ev provider.Event) (*Result, error) {
	a.stats.Events++

	switch ev.Kind {
	case provider.EventStart, provider.EventComplete:
		return nil, nil

	case provider.EventFail:
		a.stats.Failures++
		if provider.IsFailure(ev.Err) {
			return nil, ev.Err
		}
		return nil, &provider.FailureError{Code: -1, Message: errorMessage(ev.Err)}

	case provider.EventSentenceBegin, provider.EventResultChange, provider.EventSentenceEnd:
		var payload Payload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			a.stats.Malformed++
			return nil, fmt.Errorf("%w: %s: %v", provider.ErrMalformedPayload, ev.Kind, err)
		}
		if payload.Code != 0 {
			a.stats.Failures++
			return nil, &provider.FailureError{Code: payload.Code, Message: payload.Message}
		}
		if payload.Result == nil {
			a.stats.Malformed++
			return nil, fmt.Errorf("%w: %s: missing result", provider.ErrMalformedPayload, ev.Kind)
		}

		result := a.convert(&payload)
		if result.IsFinal {
			a.stats.Final++
		} else {
			a.stats.Partial++
		}
		return result, nil

	default:
		a.stats.Malformed++
		return nil, fmt.Errorf("%w: unexpected %s event", provider.ErrMalformedPayload, ev.Kind)
	}
}

// Stats returns the aggregator counters
func (a *Aggregator) Stats() Stats {
	return a.stats
}

func (a *Aggregator) convert(payload *Payload) *Result {
	raw := payload.Result
	base := a.firstFrameTimestamp

	words := make([]Word, 0, len(raw.WordList))
	for _, w := range raw.WordList {
		words = append(words, Word{
			StartTimeMs: base + w.StartTime,
			DurationMs:  w.EndTime - w.StartTime,
			Text:        w.Word,
			IsStable:    w.StableFlag == 1,
		})
	}

	text := raw.VoiceTextStr
	if text == "" && len(words) > 0 {
		var b strings.Builder
		for _, w := range words {
			b.WriteString(w.Text)
		}
		text = b.String()
	}

	return &Result{
		StartTimeMs: base + raw.StartTime,
		DurationMs:  raw.EndTime - raw.StartTime,
		Language:    a.language,
		IsFinal:     raw.SliceType == a.finalSliceType,
		SliceType:   raw.SliceType,
		Index:       raw.Index,
		Words:       words,
		Text:        text,
	}
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown failure"
	}
	return err.Error()
}
