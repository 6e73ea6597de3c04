package realtimeasr

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/skypro1111/speech-bridge/internal/provider"
)

const (
	// DefaultEndpoint is the vendor's real-time recognition websocket; the app id is appended to the path
	DefaultEndpoint = "wss://asr.cloud.tencent.com/asr/v2/"

	// Slice types of recognition messages
	SliceBegin  = 0
	SliceChange = 1
	SliceEnd    = 2
)

// Options are the recognition parameters sent with the handshake
type Options struct {
	EngineModelType string
	VoiceFormat     int // 1 = pcm
	NeedVAD         int
	FilterModal     int
	ConvertNumMode  int
	WordInfo        int
}

// DefaultOptions returns the parameters the bridge runs with
func DefaultOptions() Options {
	return Options{
		EngineModelType: "16k_zh",
		VoiceFormat:     1,
		NeedVAD:         1,
		FilterModal:     1,
		ConvertNumMode:  0,
		WordInfo:        0,
	}
}

// Config contains real-time recognition settings
type Config struct {
	Endpoint         string
	Credential       provider.Credential
	Options          Options
	HandshakeTimeout time.Duration
}

// EndMessage is the text frame that closes the audio stream
type EndMessage struct {
	Type string `json:"type"`
}

// envelope holds the fields the client dispatches on; the raw frame is
// forwarded to the listener untouched
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	VoiceID string `json:"voice_id"`
	Final   int    `json:"final"`
	Result  *struct {
		SliceType int `json:"slice_type"`
	} `json:"result"`
}

// Connector dials one websocket per recognition session
type Connector struct {
	config   Config
	endpoint *url.URL
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// NewConnector validates cfg; missing credentials are reported as provider.ConfigError
func NewConnector(cfg Config, logger *slog.Logger) (*Connector, error) {
	if err := cfg.Credential.Validate("realtimeasr"); err != nil {
		return nil, err
	}
	if cfg.Options.EngineModelType == "" {
		return nil, &provider.ConfigError{Vendor: "realtimeasr", Field: "engine_model_type"}
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoint, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Credential.AppID)
	if err != nil {
		return nil, fmt.Errorf("realtimeasr: invalid endpoint %q: %w", cfg.Endpoint, err)
	}

	return &Connector{
		config:   cfg,
		endpoint: endpoint,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger:   logger,
	}, nil
}

// Connect dials the vendor with a fresh voice id
func (c *Connector) Connect(ctx context.Context, listener provider.Listener) (provider.Connection[provider.Frame], error) {
	voiceID := uuid.NewString()
	target := c.signedURL(voiceID, time.Now())

	ws, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, &provider.FailureError{Code: resp.StatusCode, Message: fmt.Sprintf("handshake rejected: %v", err)}
		}
		return nil, provider.TransportError(err)
	}

	conn := &Connection{
		ws:       ws,
		voiceID:  voiceID,
		listener: listener,
		logger:   c.logger.With(slog.String("voice_id", voiceID)),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	go conn.readLoop()

	return conn, nil
}

func (c *Connector) signedURL(voiceID string, now time.Time) string {
	opts := c.config.Options

	params := url.Values{}
	params.Set("secretid", c.config.Credential.SecretID)
	params.Set("timestamp", strconv.FormatInt(now.Unix(), 10))
	params.Set("expired", strconv.FormatInt(now.Add(24*time.Hour).Unix(), 10))
	params.Set("nonce", strconv.FormatInt(now.UnixNano()%1e9, 10))
	params.Set("engine_model_type", opts.EngineModelType)
	params.Set("voice_id", voiceID)
	params.Set("voice_format", strconv.Itoa(opts.VoiceFormat))
	params.Set("needvad", strconv.Itoa(opts.NeedVAD))
	params.Set("filter_modal", strconv.Itoa(opts.FilterModal))
	params.Set("convert_num_mode", strconv.Itoa(opts.ConvertNumMode))
	params.Set("word_info", strconv.Itoa(opts.WordInfo))

	params.Set("signature", provider.Sign(c.config.Credential.SecretKey, c.endpoint.Host, c.endpoint.Path, params))

	u := *c.endpoint
	u.RawQuery = params.Encode()
	return u.String()
}

// Connection streams PCM frames to the recognizer and dispatches its
// messages by slice type
type Connection struct {
	ws       *websocket.Conn
	voiceID  string
	listener provider.Listener
	logger   *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	startErr  error

	writeMu  sync.Mutex
	closed   atomic.Bool
	finished atomic.Bool
}

// Start waits for the handshake acknowledgement
func (c *Connection) Start(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		if c.startErr != nil {
			return c.startErr
		}
		return fmt.Errorf("%w: closed before handshake", provider.ErrTransportClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write sends one audio frame
func (c *Connection) Write(ctx context.Context, frame provider.Frame) error {
	return c.write(ctx, websocket.BinaryMessage, frame.Data)
}

// Finish marks the end of audio; the recognizer answers with the final sentence and a final frame
func (c *Connection) Finish(ctx context.Context) error {
	data, err := json.Marshal(EndMessage{Type: "end"})
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.TextMessage, data)
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

func (c *Connection) write(ctx context.Context, messageType int, data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("%w: connection closed", provider.ErrTransportClosed)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return provider.TransportError(err)
	}
	if err := c.ws.WriteMessage(messageType, data); err != nil {
		return provider.TransportError(err)
	}
	return nil
}

func (c *Connection) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || c.finished.Load() {
				return
			}
			c.fail(provider.TransportError(err))
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("Ignoring undecodable recognition frame",
				slog.String("error", fmt.Errorf("%w: %v", provider.ErrMalformedPayload, err).Error()),
			)
			continue
		}

		if env.Code != 0 {
			c.fail(&provider.FailureError{Code: env.Code, Message: env.Message})
			c.ws.Close()
			return
		}

		c.readyOnce.Do(func() {
			close(c.ready)
			c.listener.OnStart(env.VoiceID)
		})

		if env.Result != nil {
			switch env.Result.SliceType {
			case SliceBegin:
				c.listener.OnSentenceBegin(data)
			case SliceEnd:
				c.listener.OnSentenceEnd(data)
			default:
				c.listener.OnResultChange(data)
			}
		}

		if env.Final == 1 {
			c.finished.Store(true)
			c.listener.OnComplete()
			return
		}
	}
}

func (c *Connection) fail(err error) {
	select {
	case <-c.ready:
		c.listener.OnFail(err)
	default:
		c.startErr = err
	}
}

var _ provider.Connector[provider.Frame] = (*Connector)(nil)
