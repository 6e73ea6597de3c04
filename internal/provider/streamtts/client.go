package streamtts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/skypro1111/speech-bridge/internal/handoff"
	"github.com/skypro1111/speech-bridge/internal/provider"
)

// DefaultSampleRate is the rate of the float32 stream the vendor returns
const DefaultSampleRate = 48000

// Config contains streaming synthesis client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Voice         string
	SampleRate    int
	Timeout       time.Duration
	MaxConcurrent int
	ReadSize      int // bytes per body read; the vendor's chunking is arbitrary anyway
}

// SynthesisRequest is the body of one synthesis call
type SynthesisRequest struct {
	RequestID  string `json:"request_id"`
	Text       string `json:"text"`
	Voice      string `json:"voice,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests    uint64        `json:"total_requests"`
	SuccessRequests  uint64        `json:"success_requests"`
	FailedRequests   uint64        `json:"failed_requests"`
	SuccessRate      float64       `json:"success_rate"`
	BytesReceived    uint64        `json:"bytes_received"`
	AvgFirstByteTime time.Duration `json:"avg_first_byte_time"`
	ActiveRequests   int           `json:"active_requests"`
}

// Client issues one HTTP request per text fragment and streams the raw
// float32 response body back as audio chunks
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	logger     *slog.Logger

	// Statistics
	totalRequests    uint64
	successRequests  uint64
	failedRequests   uint64
	bytesReceived    uint64
	avgFirstByteTime time.Duration

	mu sync.RWMutex
}

// NewClient creates a new streaming synthesis HTTP client
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, &provider.ConfigError{Vendor: "streamtts", Field: "endpoint"}
	}

	if config.APIKey == "" {
		return nil, &provider.ConfigError{Vendor: "streamtts", Field: "api_key"}
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.SampleRate <= 0 {
		config.SampleRate = DefaultSampleRate
	}

	if config.ReadSize <= 0 {
		config.ReadSize = 4096
	}

	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		logger:     logger,
	}, nil
}

// Connect starts a session whose writes are synthesized one after another
func (c *Client) Connect(ctx context.Context, listener provider.Listener) (provider.Connection[string], error) {
	sessCtx, cancel := context.WithCancel(context.Background())
	conn := &Connection{
		client:   c,
		id:       uuid.NewString(),
		listener: listener,
		pending:  handoff.New[string](0),
		ctx:      sessCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go conn.run()
	return conn, nil
}

// Connection is a request/response synthesis session. Write enqueues text,
// Finish lets the worker report completion once pending requests drained.
type Connection struct {
	client   *Client
	id       string
	listener provider.Listener
	pending  *handoff.Queue[string]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start is a no-op; requests are issued on demand
func (c *Connection) Start(ctx context.Context) error {
	c.once.Do(func() { c.listener.OnStart(c.id) })
	return nil
}

// Write enqueues one text fragment
func (c *Connection) Write(ctx context.Context, text string) error {
	if err := c.pending.Push(ctx, text); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrTransportClosed, err)
	}
	return nil
}

// Finish closes the request queue
func (c *Connection) Finish(ctx context.Context) error {
	c.pending.Close()
	return nil
}

// Close aborts any in-flight request. It does not wait for the worker.
func (c *Connection) Close() error {
	c.cancel()
	c.pending.Close()
	return nil
}

// Done is closed once the worker has stopped
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) run() {
	defer close(c.done)
	defer c.pending.Close()

	for {
		text, ok, err := c.pending.Pop(c.ctx)
		if err != nil {
			return
		}
		if !ok {
			if c.ctx.Err() == nil {
				c.listener.OnComplete()
			}
			return
		}

		if err := c.client.Synthesize(c.ctx, text, c.listener.OnAudio); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.listener.OnFail(err)
			return
		}
	}
}

// Synthesize posts text and passes every body read to onAudio as it arrives
func (c *Client) Synthesize(ctx context.Context, text string, onAudio func([]byte)) error {
	// Acquire semaphore for rate limiting
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	c.incrementTotalRequests()
	startTime := time.Now()

	received, err := c.doRequest(ctx, text, onAudio, startTime)
	c.addBytesReceived(received)
	if err != nil {
		c.incrementFailedRequests()
		return err
	}

	c.incrementSuccessRequests()
	return nil
}

// doRequest performs a single HTTP request and streams the body
func (c *Client) doRequest(ctx context.Context, text string, onAudio func([]byte), startTime time.Time) (int, error) {
	body, err := json.Marshal(SynthesisRequest{
		RequestID:  uuid.NewString(),
		Text:       text,
		Voice:      c.config.Voice,
		SampleRate: c.config.SampleRate,
		Format:     "float32",
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	httpReq.Header.Set("Accept", "application/octet-stream")
	httpReq.Header.Set("User-Agent", "Speech-Bridge/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, provider.TransportError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &provider.FailureError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(respBody))}
	}

	buf := make([]byte, c.config.ReadSize)
	received := 0
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if received == 0 {
				c.updateAvgFirstByteTime(time.Since(startTime))
			}
			received += n
			c.logger.Debug("Received synthesis stream chunk", slog.Int("bytes", n))
			onAudio(buf[:n])
		}
		if err == io.EOF {
			return received, nil
		}
		if err != nil {
			return received, provider.TransportError(fmt.Errorf("failed to read response body: %w", err))
		}
	}
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) addBytesReceived(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesReceived += uint64(n)
}

func (c *Client) updateAvgFirstByteTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgFirstByteTime == 0 {
		c.avgFirstByteTime = d
	} else {
		c.avgFirstByteTime = (c.avgFirstByteTime + d) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:    c.totalRequests,
		SuccessRequests:  c.successRequests,
		FailedRequests:   c.failedRequests,
		SuccessRate:      successRate,
		BytesReceived:    c.bytesReceived,
		AvgFirstByteTime: c.avgFirstByteTime,
		ActiveRequests:   len(c.semaphore),
	}
}

var _ provider.Connector[string] = (*Client)(nil)
