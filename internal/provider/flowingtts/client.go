package flowingtts

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/speech-bridge/internal/provider"
)

const (
	// DefaultEndpoint is the vendor's streaming synthesis websocket
	DefaultEndpoint = "wss://tts.cloud.tencent.com/stream_wsv2"

	ActionSynthesis = "ACTION_SYNTHESIS"
	ActionComplete  = "ACTION_COMPLETE"

	handshakeAction = "TextToStreamAudioWSv2"
)

// Config contains flowing synthesis settings
type Config struct {
	Endpoint         string
	Credential       provider.Credential
	VoiceType        int
	Codec            string
	SampleRate       int
	EnableSubtitle   bool
	HandshakeTimeout time.Duration
}

// Request is a client control frame
type Request struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Action    string `json:"action"`
	Data      string `json:"data"`
}

// Response is a server status frame. Audio travels in binary frames.
type Response struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Ready     int    `json:"ready,omitempty"`
	Final     int    `json:"final,omitempty"`
	Heartbeat int    `json:"heartbeat,omitempty"`
}

// Connector dials one websocket per synthesis session
type Connector struct {
	config   Config
	endpoint *url.URL
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// NewConnector validates cfg; missing credentials are reported as provider.ConfigError
func NewConnector(cfg Config, logger *slog.Logger) (*Connector, error) {
	if err := cfg.Credential.Validate("flowingtts"); err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Codec == "" {
		cfg.Codec = "pcm"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("flowingtts: invalid endpoint %q: %w", cfg.Endpoint, err)
	}

	return &Connector{
		config:   cfg,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   logger,
	}, nil
}

// Connect dials the vendor and starts reading. Synthesis is not ready until Start returns.
func (c *Connector) Connect(ctx context.Context, listener provider.Listener) (provider.Connection[string], error) {
	sessionID := uuid.NewString()
	target := c.signedURL(sessionID, time.Now())

	ws, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, &provider.FailureError{Code: resp.StatusCode, Message: fmt.Sprintf("handshake rejected: %v", err)}
		}
		return nil, provider.TransportError(err)
	}

	conn := &Connection{
		ws:        ws,
		sessionID: sessionID,
		listener:  listener,
		logger:    c.logger.With(slog.String("vendor_session_id", sessionID)),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go conn.readLoop()

	return conn, nil
}

func (c *Connector) signedURL(sessionID string, now time.Time) string {
	params := url.Values{}
	params.Set("Action", handshakeAction)
	params.Set("AppId", c.config.Credential.AppID)
	params.Set("SecretId", c.config.Credential.SecretID)
	params.Set("Timestamp", strconv.FormatInt(now.Unix(), 10))
	params.Set("Expired", strconv.FormatInt(now.Add(24*time.Hour).Unix(), 10))
	params.Set("SessionId", sessionID)
	params.Set("VoiceType", strconv.Itoa(c.config.VoiceType))
	params.Set("Codec", c.config.Codec)
	params.Set("SampleRate", strconv.Itoa(c.config.SampleRate))
	params.Set("EnableSubtitle", strconv.FormatBool(c.config.EnableSubtitle))

	params.Set("Signature", provider.Sign(c.config.Credential.SecretKey, c.endpoint.Host, c.endpoint.Path, params))

	u := *c.endpoint
	u.RawQuery = params.Encode()
	return u.String()
}

// Connection is one push-style synthesis session. Text is written as it
// arrives; audio is delivered through the listener from the read loop.
type Connection struct {
	ws        *websocket.Conn
	sessionID string
	listener  provider.Listener
	logger    *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	startErr  error // set before done is closed

	writeMu  sync.Mutex
	closed   atomic.Bool
	finished atomic.Bool
}

// Start waits for the vendor to report the session ready
func (c *Connection) Start(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		if c.startErr != nil {
			return c.startErr
		}
		return fmt.Errorf("%w: closed before ready", provider.ErrTransportClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write sends one text fragment for synthesis
func (c *Connection) Write(ctx context.Context, text string) error {
	return c.send(ctx, Request{
		SessionID: c.sessionID,
		MessageID: uuid.NewString(),
		Action:    ActionSynthesis,
		Data:      text,
	})
}

// Finish asks the vendor to flush remaining audio; completion arrives as a final frame
func (c *Connection) Finish(ctx context.Context) error {
	return c.send(ctx, Request{
		SessionID: c.sessionID,
		MessageID: uuid.NewString(),
		Action:    ActionComplete,
	})
}

// Close drops the websocket. Safe to call more than once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.ws.Close()
}

func (c *Connection) send(ctx context.Context, req Request) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: connection closed", provider.ErrTransportClosed)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Action, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return provider.TransportError(err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return provider.TransportError(err)
	}
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.done)

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || c.finished.Load() {
				return
			}
			c.fail(provider.TransportError(err))
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.logger.Debug("Received synthesized audio", slog.Int("bytes", len(data)))
			c.listener.OnAudio(data)

		case websocket.TextMessage:
			var resp Response
			if err := json.Unmarshal(data, &resp); err != nil {
				c.logger.Warn("Ignoring undecodable vendor frame",
					slog.String("error", fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err).Error()),
				)
				continue
			}

			if resp.Code != 0 {
				c.fail(&provider.FailureError{Code: resp.Code, Message: resp.Message})
				c.ws.Close()
				return
			}
			if resp.Ready == 1 {
				c.readyOnce.Do(func() {
					close(c.ready)
					c.listener.OnStart(resp.SessionID)
				})
			}
			if resp.Final == 1 {
				c.finished.Store(true)
				c.listener.OnComplete()
				return
			}
		}
	}
}

// fail reports err to Start before the session is ready and to the listener afterwards
func (c *Connection) fail(err error) {
	select {
	case <-c.ready:
		c.listener.OnFail(err)
	default:
		c.startErr = err
	}
}

var _ provider.Connector[string] = (*Connector)(nil)
