package fake

import (
	"encoding/binary"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/speech-bridge/internal/provider"
)

// Paths served by Handler
const (
	FlowingPath     = "/stream_wsv2"
	StreamPath      = "/v1/tts/stream"
	RecognitionPath = "/asr/v2/"
)

// Config controls what the fake vendor produces
type Config struct {
	Credential      provider.Credential
	APIKey          string
	SampleRate      int    // int16 output rate of the flowing endpoint
	SamplesPerChar  int    // synthesized samples per input rune
	ChunkSize       int    // bytes per binary websocket frame
	StreamChunkSize int    // bytes per HTTP flush; odd by default so float32 samples straddle chunks
	ResultEvery     int    // recognized audio bytes between interim results
	FailText        string // text containing this marker makes synthesis fail
	Transcript      string // final recognition text
}

// DefaultConfig returns a config whose odd chunk sizes exercise sample realignment
func DefaultConfig() Config {
	return Config{
		Credential:      provider.Credential{AppID: "1300000000", SecretID: "fake-id", SecretKey: "fake-key"},
		APIKey:          "fake-api-key",
		SampleRate:      16000,
		SamplesPerChar:  160,
		ChunkSize:       1280,
		StreamChunkSize: 1003,
		ResultEvery:     3200,
		FailText:        "fail",
		Transcript:      "hello world",
	}
}

// Stats counts served sessions
type Stats struct {
	FlowingSessions     uint64 `json:"flowing_sessions"`
	StreamRequests      uint64 `json:"stream_requests"`
	RecognitionSessions uint64 `json:"recognition_sessions"`
	Rejected            uint64 `json:"rejected"`
	AudioBytesSent      uint64 `json:"audio_bytes_sent"`
	AudioBytesReceived  uint64 `json:"audio_bytes_received"`
}

type flowingResponse struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	Ready     int    `json:"ready,omitempty"`
	Final     int    `json:"final,omitempty"`
}

type flowingRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Action    string `json:"action"`
	Data      string `json:"data"`
}

type streamRequest struct {
	Text       string `json:"text"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
}

type recognitionWord struct {
	Word       string `json:"word"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
	StableFlag int    `json:"stable_flag"`
}

type recognitionSlice struct {
	SliceType    int               `json:"slice_type"`
	Index        int               `json:"index"`
	StartTime    int64             `json:"start_time"`
	EndTime      int64             `json:"end_time"`
	VoiceTextStr string            `json:"voice_text_str"`
	WordSize     int               `json:"word_size"`
	WordList     []recognitionWord `json:"word_list"`
}

type recognitionMessage struct {
	Code      int               `json:"code"`
	Message   string            `json:"message"`
	VoiceID   string            `json:"voice_id"`
	MessageID string            `json:"message_id,omitempty"`
	Final     int               `json:"final,omitempty"`
	Result    *recognitionSlice `json:"result,omitempty"`
}

// Server emulates the synthesis and recognition vendors for local runs and tests
type Server struct {
	config   Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	flowingSessions     atomic.Uint64
	streamRequests      atomic.Uint64
	recognitionSessions atomic.Uint64
	rejected            atomic.Uint64
	audioBytesSent      atomic.Uint64
	audioBytesReceived  atomic.Uint64
}

// NewServer creates a fake vendor. Zero fields of cfg fall back to DefaultConfig.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	def := DefaultConfig()
	if cfg.Credential == (provider.Credential{}) {
		cfg.Credential = def.Credential
	}
	if cfg.APIKey == "" {
		cfg.APIKey = def.APIKey
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.SamplesPerChar <= 0 {
		cfg.SamplesPerChar = def.SamplesPerChar
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.StreamChunkSize <= 0 {
		cfg.StreamChunkSize = def.StreamChunkSize
	}
	if cfg.ResultEvery <= 0 {
		cfg.ResultEvery = def.ResultEvery
	}
	if cfg.FailText == "" {
		cfg.FailText = def.FailText
	}
	if cfg.Transcript == "" {
		cfg.Transcript = def.Transcript
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: cfg,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Config returns the effective configuration
func (s *Server) Config() Config {
	return s.config
}

// Handler returns the HTTP handler serving all fake endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(FlowingPath, s.handleFlowing)
	mux.HandleFunc(StreamPath, s.handleStream)
	mux.HandleFunc(RecognitionPath, s.handleRecognition)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.GetStats())
	})
	return mux
}

// GetStats returns served session counters
func (s *Server) GetStats() Stats {
	return Stats{
		FlowingSessions:     s.flowingSessions.Load(),
		StreamRequests:      s.streamRequests.Load(),
		RecognitionSessions: s.recognitionSessions.Load(),
		Rejected:            s.rejected.Load(),
		AudioBytesSent:      s.audioBytesSent.Load(),
		AudioBytesReceived:  s.audioBytesReceived.Load(),
	}
}

func (s *Server) authorized(r *http.Request, secretIDKey, signatureKey string) bool {
	params := r.URL.Query()
	if params.Get(secretIDKey) != s.config.Credential.SecretID {
		return false
	}
	return provider.Verify(s.config.Credential.SecretKey, r.Host, r.URL.Path, params, signatureKey)
}

func (s *Server) handleFlowing(w http.ResponseWriter, r *http.Request) {
	ok := s.authorized(r, "SecretId", "Signature") && r.URL.Query().Get("AppId") == s.config.Credential.AppID
	sessionID := r.URL.Query().Get("SessionId")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade flowing synthesis connection", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	if !ok {
		s.rejected.Add(1)
		s.writeJSON(ws, flowingResponse{Code: 10003, Message: "signature verification failed", SessionID: sessionID})
		return
	}

	s.flowingSessions.Add(1)
	logger := s.logger.With(slog.String("session_id", sessionID))
	logger.Info("Flowing synthesis session opened")

	if err := s.writeJSON(ws, flowingResponse{Code: 0, Message: "success", SessionID: sessionID, Ready: 1}); err != nil {
		return
	}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			logger.Debug("Flowing synthesis session closed by client", slog.String("error", err.Error()))
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var req flowingRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeJSON(ws, flowingResponse{Code: 10002, Message: "invalid request", SessionID: sessionID})
			return
		}

		switch req.Action {
		case "ACTION_SYNTHESIS":
			if strings.Contains(req.Data, s.config.FailText) {
				s.writeJSON(ws, flowingResponse{Code: 10001, Message: "synthesis failed", SessionID: sessionID, MessageID: req.MessageID})
				return
			}
			pcm := Int16Tone(len([]rune(req.Data))*s.config.SamplesPerChar, s.config.SampleRate)
			for off := 0; off < len(pcm); off += s.config.ChunkSize {
				end := min(off+s.config.ChunkSize, len(pcm))
				if err := ws.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
					return
				}
				s.audioBytesSent.Add(uint64(end - off))
			}

		case "ACTION_COMPLETE":
			s.writeJSON(ws, flowingResponse{Code: 0, Message: "success", SessionID: sessionID, Final: 1})
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			logger.Info("Flowing synthesis session completed")
			return
		}
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.Header.Get("Authorization") != "Bearer "+s.config.APIKey {
		s.rejected.Add(1)
		http.Error(w, "invalid api key", http.StatusUnauthorized)
		return
	}

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}
	if strings.Contains(req.Text, s.config.FailText) {
		http.Error(w, "synthesis failed", http.StatusBadRequest)
		return
	}

	sampleRate := req.SampleRate
	if sampleRate <= 0 {
		sampleRate = 48000
	}

	s.streamRequests.Add(1)
	pcm := Float32Tone(len([]rune(req.Text))*s.config.SamplesPerChar, sampleRate)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	for off := 0; off < len(pcm); off += s.config.StreamChunkSize {
		end := min(off+s.config.StreamChunkSize, len(pcm))
		if _, err := w.Write(pcm[off:end]); err != nil {
			return
		}
		s.audioBytesSent.Add(uint64(end - off))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleRecognition(w http.ResponseWriter, r *http.Request) {
	appID := strings.Trim(strings.TrimPrefix(r.URL.Path, RecognitionPath), "/")
	ok := appID == s.config.Credential.AppID && s.authorized(r, "secretid", "signature")
	voiceID := r.URL.Query().Get("voice_id")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade recognition connection", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	if !ok {
		s.rejected.Add(1)
		s.writeJSON(ws, recognitionMessage{Code: 4002, Message: "authentication failed", VoiceID: voiceID})
		return
	}

	s.recognitionSessions.Add(1)
	logger := s.logger.With(slog.String("voice_id", voiceID))
	logger.Info("Recognition session opened")

	if err := s.writeJSON(ws, recognitionMessage{Code: 0, Message: "success", VoiceID: voiceID}); err != nil {
		return
	}

	rec := &recognizer{config: s.config, voiceID: voiceID}
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			logger.Debug("Recognition session closed by client", slog.String("error", err.Error()))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.audioBytesReceived.Add(uint64(len(data)))
			for _, msg := range rec.feed(len(data)) {
				if err := s.writeJSON(ws, msg); err != nil {
					return
				}
			}

		case websocket.TextMessage:
			var ctrl struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &ctrl) != nil || ctrl.Type != "end" {
				continue
			}
			for _, msg := range rec.end() {
				if err := s.writeJSON(ws, msg); err != nil {
					return
				}
			}
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			logger.Info("Recognition session completed", slog.Int("sentences", rec.index))
			return
		}
	}
}

func (s *Server) writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

// recognizer produces one sentence per end-of-audio: a begin slice on the
// first audio, an interim slice every ResultEvery bytes, a final slice on end
type recognizer struct {
	config  Config
	voiceID string

	received  int
	sinceLast int
	open      bool
	startMs   int64
	index     int
}

func (r *recognizer) offsetMs(bytes int) int64 {
	return int64(bytes) * 1000 / int64(r.config.SampleRate*2)
}

func (r *recognizer) slice(sliceType int, text string) recognitionMessage {
	endMs := r.offsetMs(r.received)
	words := []recognitionWord{}
	if text != "" {
		stable := 0
		if sliceType == 2 {
			stable = 1
		}
		words = append(words, recognitionWord{Word: text, StartTime: r.startMs, EndTime: endMs, StableFlag: stable})
	}
	return recognitionMessage{
		Code:    0,
		Message: "success",
		VoiceID: r.voiceID,
		Result: &recognitionSlice{
			SliceType:    sliceType,
			Index:        r.index,
			StartTime:    r.startMs,
			EndTime:      endMs,
			VoiceTextStr: text,
			WordSize:     len(words),
			WordList:     words,
		},
	}
}

func (r *recognizer) feed(n int) []recognitionMessage {
	var out []recognitionMessage
	if !r.open {
		r.open = true
		r.startMs = r.offsetMs(r.received)
		out = append(out, r.slice(0, ""))
	}

	r.received += n
	r.sinceLast += n
	if r.sinceLast >= r.config.ResultEvery {
		r.sinceLast = 0
		out = append(out, r.slice(1, r.partial()))
	}
	return out
}

func (r *recognizer) partial() string {
	runes := []rune(r.config.Transcript)
	return string(runes[:(len(runes)+1)/2])
}

func (r *recognizer) end() []recognitionMessage {
	var out []recognitionMessage
	if r.open {
		out = append(out, r.slice(2, r.config.Transcript))
		r.open = false
		r.index++
	}
	out = append(out, recognitionMessage{Code: 0, Message: "success", VoiceID: r.voiceID, Final: 1})
	return out
}

// Int16Tone returns samples of a 440 Hz tone as little-endian int16 PCM
func Int16Tone(samples, sampleRate int) []byte {
	out := make([]byte, samples*2)
	for i := range samples {
		v := int16(math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)) * 0.5 * math.MaxInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Float32Tone returns samples of a 440 Hz tone as little-endian float32
func Float32Tone(samples, sampleRate int) []byte {
	out := make([]byte, samples*4)
	for i := range samples {
		v := float32(math.Sin(2*math.Pi*440*float64(i)/float64(sampleRate)) * 0.5)
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}
