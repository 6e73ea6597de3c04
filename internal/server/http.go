package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/speech-bridge/internal/config"
	"github.com/skypro1111/speech-bridge/internal/metrics"
	"github.com/skypro1111/speech-bridge/internal/provider"
	"github.com/skypro1111/speech-bridge/internal/registry"
	"github.com/skypro1111/speech-bridge/internal/session"
)

const (
	kindTTS = "tts"
	kindASR = "asr"
)

var streamIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Controllers builds the session controllers for newly seen streams
type Controllers struct {
	NewTTS func(streamID string, sink session.AudioSink) (*session.Controller[string], error)
	NewASR func(streamID string, sink session.TextSink) (*session.Controller[provider.Frame], error)

	// TTSStats reports synthesis client statistics when the vendor keeps them
	TTSStats func() any
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Address      string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OutputDir    string
}

// HTTPServer provides the bridge API: synthesis submit/cancel, the
// recognition websocket, and monitoring endpoints
type HTTPServer struct {
	server      *http.Server
	handler     http.Handler
	logger      *slog.Logger
	config      *config.Config
	registry    *registry.Manager
	controllers Controllers
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	outputDir   string

	// Server state
	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server. gatherer backs /metrics; nil
// falls back to the default Prometheus registry.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	reg *registry.Manager, controllers Controllers, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 60 * time.Second
	}

	h := &HTTPServer{
		logger:      logger,
		config:      appConfig,
		registry:    reg,
		controllers: controllers,
		metrics:     m,
		gatherer:    gatherer,
		outputDir:   cfg.OutputDir,
		startTime:   time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Stream monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Synthesis endpoints
	mux.HandleFunc("/tts/{stream}", h.withMetrics("/tts/{stream}", h.handleTTS))
	mux.HandleFunc("/tts/{stream}/cancel", h.withMetrics("/tts/{stream}/cancel", h.handleTTSCancel))

	// Recognition websocket
	mux.HandleFunc("/asr/{stream}", h.withMetrics("/asr/{stream}", h.handleASR))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	rw.statusCode = http.StatusSwitchingProtocols
	return http.NewResponseController(rw.ResponseWriter).Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Handler returns the routed handler, for embedding and tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Run serves until Stop is called
func (h *HTTPServer) Run() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// statusFor maps controller and registry errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, provider.ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, registry.ErrTooManyStreams):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrShutdown), errors.Is(err, registry.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

func streamID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("stream")
	if !streamIDPattern.MatchString(id) {
		http.Error(w, "Invalid stream ID", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streams := h.registry.Snapshot()
	states := make(map[string]int)
	for _, s := range streams {
		states[s.Session.State]++
	}

	components := map[string]any{
		"registry": map[string]any{
			"status":         "running",
			"active_streams": len(streams),
			"states":         states,
		},
	}
	if h.controllers.TTSStats != nil {
		components["tts_client"] = map[string]any{
			"status": "running",
			"stats":  h.controllers.TTSStats(),
		}
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "speech-bridge",
			"version": "1.0.0",
		},
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	streams := h.registry.Snapshot()
	response := map[string]any{
		"total_streams": len(streams),
		"timestamp":     time.Now().UTC(),
		"streams":       streams,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.config == nil {
		http.Error(w, "Configuration not available", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, h.config.Redacted())
}

// ttsRequest is the body of POST /tts/{stream}
type ttsRequest struct {
	Text         string `json:"text"`
	EndOfSegment bool   `json:"end_of_segment"`
}

// handleTTS implements POST (submit) and DELETE (release) on /tts/{stream}
func (h *HTTPServer) handleTTS(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodPost:
	case http.MethodDelete:
		if !h.registry.Remove(kindTTS, id) {
			http.Error(w, "Stream not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ttsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Error parsing request", http.StatusBadRequest)
		return
	}
	if req.Text == "" && !req.EndOfSegment {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	ctrl, _, err := registry.GetOrCreate(h.registry, kindTTS, id, func() (*session.Controller[string], error) {
		return h.controllers.NewTTS(id, newWAVSink(h.outputDir, id, h.logger))
	})
	if err != nil {
		h.logger.Error("Failed to create synthesis controller",
			slog.String("stream_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err)
		return
	}

	if err := ctrl.Submit(r.Context(), req.Text, req.EndOfSegment); err != nil {
		h.logger.Warn("Synthesis submit failed",
			slog.String("stream_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, statusFor(err), err)
		return
	}

	info := ctrl.Info()
	status := http.StatusAccepted
	if req.EndOfSegment {
		status = http.StatusOK
	}
	writeJSON(w, status, info)
}

// handleTTSCancel implements POST /tts/{stream}/cancel
func (h *HTTPServer) handleTTSCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := streamID(w, r)
	if !ok {
		return
	}

	ctrl, exists := h.registry.Get(kindTTS, id)
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	ctrl.Cancel()
	writeJSON(w, http.StatusOK, ctrl.Info())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]any{
		"service": "Speech Bridge",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /sessions":             "List all registered stream controllers",
			"GET /config":               "Get service configuration (credentials redacted)",
			"POST /tts/{stream}":        "Submit text for synthesis",
			"DELETE /tts/{stream}":      "Release the stream's synthesis controller",
			"POST /tts/{stream}/cancel": "Cancel the live synthesis session",
			"GET /asr/{stream}":         "Recognition websocket",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
