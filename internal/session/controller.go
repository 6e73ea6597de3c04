package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/speech-bridge/internal/handoff"
	"github.com/skypro1111/speech-bridge/internal/metrics"
	"github.com/skypro1111/speech-bridge/internal/provider"
)

// Processor consumes the events of one vendor session. Observe runs on the
// submitting goroutine before each write; Handle and Close run on the
// session's consumer goroutine.
type Processor[In any] interface {
	Observe(in In)
	Handle(ev provider.Event) error
	// Close is called exactly once when the consumer stops. completed
	// reports whether the vendor signalled completion.
	Close(completed bool)
}

// Options configures a Controller
type Options[In any] struct {
	// Name labels logs and metrics, e.g. "tts" or "asr"
	Name     string
	StreamID string

	Connector    provider.Connector[In]
	NewProcessor func(sessionID string) Processor[In]
	Errors       ErrorSink

	// QueueCapacity bounds the handoff queue; zero means unbounded
	QueueCapacity int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Info is a snapshot of a controller for monitoring
type Info struct {
	Controller   string        `json:"controller"`
	StreamID     string        `json:"stream_id"`
	State        string        `json:"state"`
	SessionID    string        `json:"session_id,omitempty"`
	Sessions     uint64        `json:"sessions"`
	Reconnects   uint64        `json:"reconnects"`
	LastError    string        `json:"last_error,omitempty"`
	LastActivity time.Time     `json:"last_activity"`
	Queue        handoff.Stats `json:"queue"`
}

// session is one live vendor connection plus its consumer
type session[In any] struct {
	id        string
	conn      provider.Connection[In]
	queue     *handoff.Queue[provider.Event]
	processor Processor[In]
	cancel    context.CancelFunc
	done      chan struct{}
	started   time.Time
}

// abandon stops the consumer without draining the queue
func (s *session[In]) abandon() {
	s.queue.Close()
	s.cancel()
}

// Controller drives the vendor session lifecycle for one stream:
// connect lazily on the first submit, stream content, finalize on
// end-of-segment, and reconnect lazily after transport failures.
//
// Submit calls are serialized per controller. Cancel, Shutdown and Info
// may be called from any goroutine and never wait behind a Submit.
type Controller[In any] struct {
	name          string
	streamID      string
	connector     provider.Connector[In]
	newProcessor  func(sessionID string) Processor[In]
	errors        ErrorSink
	queueCapacity int
	logger        *slog.Logger
	metrics       *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// submitMu orders content and keeps concurrent submits from each
	// opening their own connection
	submitMu sync.Mutex

	mu           sync.Mutex
	state        State
	current      *session[In]
	epoch        uint64 // bumped by Cancel so an in-flight connect knows it was abandoned
	shutdown     bool
	sessions     uint64
	reconnects   uint64
	lastError    string
	lastActivity time.Time
}

// NewController validates opts and creates an idle controller
func NewController[In any](opts Options[In]) (*Controller[In], error) {
	if opts.Name == "" {
		opts.Name = "session"
	}
	if opts.Connector == nil {
		return nil, &provider.ConfigError{Vendor: opts.Name, Field: "connector"}
	}
	if opts.NewProcessor == nil {
		return nil, &provider.ConfigError{Vendor: opts.Name, Field: "processor"}
	}
	if opts.Errors == nil {
		return nil, &provider.ConfigError{Vendor: opts.Name, Field: "error sink"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller[In]{
		name:          opts.Name,
		streamID:      opts.StreamID,
		connector:     opts.Connector,
		newProcessor:  opts.NewProcessor,
		errors:        opts.Errors,
		queueCapacity: opts.QueueCapacity,
		logger: opts.Logger.With(
			slog.String("controller", opts.Name),
			slog.String("stream_id", opts.StreamID),
		),
		metrics:      opts.Metrics,
		ctx:          ctx,
		cancel:       cancel,
		lastActivity: time.Now(),
	}, nil
}

// Submit writes one unit of content, connecting first when no live session
// exists. With endOfSegment set it then finalizes the session and waits for
// the vendor to report completion or failure.
//
// Transport failures are absorbed: the session moves to Errored and the next
// Submit reconnects. Vendor failures are reported through the error sink.
// The returned error is non-nil only for configuration errors, shutdown, or
// ctx cancellation.
func (c *Controller[In]) Submit(ctx context.Context, in In, endOfSegment bool) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	sess, err := c.ensureSession(ctx)
	if err != nil || sess == nil {
		return err
	}

	sess.processor.Observe(in)
	if err := sess.conn.Write(ctx, in); err != nil {
		return c.writeFailed(ctx, sess, err)
	}

	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if !endOfSegment {
		return nil
	}
	return c.finalize(ctx, sess)
}

// Cancel closes the live connection and its output and moves to Closed.
// It is a no-op when the controller is Idle or already Closed.
func (c *Controller[In]) Cancel() {
	c.mu.Lock()
	sess, cancelled := c.cancelLocked()
	c.mu.Unlock()

	if cancelled {
		c.teardown(sess, "cancelled")
	}
}

// Shutdown cancels the live session and waits for its consumer to stop.
// Submit returns ErrShutdown afterwards.
func (c *Controller[In]) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	sess, cancelled := c.cancelLocked()
	c.mu.Unlock()

	if cancelled {
		c.teardown(sess, "shutdown")
	}
	c.cancel()

	if sess != nil {
		<-sess.done
	}
	c.logger.Info("Session controller shut down")
}

// State returns the current lifecycle state
func (c *Controller[In]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Info returns a monitoring snapshot
func (c *Controller[In]) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := Info{
		Controller:   c.name,
		StreamID:     c.streamID,
		State:        c.state.String(),
		Sessions:     c.sessions,
		Reconnects:   c.reconnects,
		LastError:    c.lastError,
		LastActivity: c.lastActivity,
	}
	if c.current != nil {
		info.SessionID = c.current.id
		info.Queue = c.current.queue.Stats()
	}
	return info
}

// ensureSession returns the live session, connecting when there is none.
// A nil session with a nil error means the content must be dropped.
func (c *Controller[In]) ensureSession(ctx context.Context) (*session[In], error) {
	for {
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return nil, ErrShutdown
		}

		switch c.state {
		case StateStreaming:
			sess := c.current
			c.mu.Unlock()
			return sess, nil

		case StateFinalizing:
			// A previous Submit gave up waiting; let that session finish first
			done := c.current.done
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		reconnect := c.state == StateErrored
		epoch := c.epoch
		c.transitionLocked(StateConnecting, "")
		c.mu.Unlock()

		if reconnect {
			c.metrics.RecordReconnect(c.name)
		}
		return c.connect(ctx, epoch, reconnect)
	}
}

// connect builds a fresh session and installs it unless Cancel ran meanwhile
func (c *Controller[In]) connect(ctx context.Context, epoch uint64, reconnect bool) (*session[In], error) {
	id := uuid.NewString()
	sessCtx, cancel := context.WithCancel(c.ctx)
	sess := &session[In]{
		id:        id,
		queue:     handoff.New[provider.Event](c.queueCapacity),
		processor: c.newProcessor(id),
		cancel:    cancel,
		done:      make(chan struct{}),
		started:   time.Now(),
	}
	go c.consume(sessCtx, sess)

	listener := &queueListener{
		controller: c.name,
		sessionID:  id,
		queue:      sess.queue,
		logger:     c.logger,
		metrics:    c.metrics,
	}

	conn, err := c.connector.Connect(ctx, listener)
	if err == nil {
		if err = conn.Start(ctx); err != nil {
			conn.Close()
			err = fmt.Errorf("start session: %w", err)
		}
	} else {
		err = fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.shutdown {
		shutdown := c.shutdown
		c.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		sess.abandon()
		c.logger.Info("Connection abandoned after cancel", slog.String("session_id", id))
		if shutdown {
			return nil, ErrShutdown
		}
		return nil, nil
	}

	if err == nil {
		select {
		case <-sess.done:
			conn.Close()
			err = errors.New("vendor ended the session before any content was written")
		default:
		}
	}

	if err != nil {
		sess.abandon()
		c.lastError = err.Error()
		c.transitionLocked(StateErrored, err.Error())
		c.mu.Unlock()

		switch {
		case errors.Is(err, provider.ErrConfiguration):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}

		c.logger.Error("Failed to connect to vendor",
			slog.Bool("reconnect", reconnect),
			slog.String("error", err.Error()),
		)
		c.errors.OnError(err)
		return nil, nil
	}

	sess.conn = conn
	c.current = sess
	c.sessions++
	if reconnect {
		c.reconnects++
	}
	c.lastActivity = time.Now()
	c.transitionLocked(StateStreaming, "")
	c.mu.Unlock()

	c.metrics.RecordSessionCreated(c.name)
	return sess, nil
}

// finalize signals end of input and waits for the consumer to observe
// completion or failure
func (c *Controller[In]) finalize(ctx context.Context, sess *session[In]) error {
	c.mu.Lock()
	if c.current != sess {
		c.mu.Unlock()
		return nil
	}
	c.transitionLocked(StateFinalizing, "")
	c.mu.Unlock()

	if err := sess.conn.Finish(ctx); err != nil {
		return c.writeFailed(ctx, sess, err)
	}

	select {
	case <-sess.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeFailed moves to Errored after a failed Write or Finish. Vendor
// failures are reported; transport failures are absorbed.
func (c *Controller[In]) writeFailed(ctx context.Context, sess *session[In], err error) error {
	c.mu.Lock()
	if c.current != sess {
		// Cancelled underneath the write
		c.mu.Unlock()
		return nil
	}
	c.current = nil
	c.lastError = err.Error()
	c.transitionLocked(StateErrored, err.Error())
	c.mu.Unlock()

	failure := provider.IsFailure(err)
	if failure || ctx.Err() != nil {
		sess.conn.Close()
	}
	sess.abandon()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if failure {
		c.metrics.RecordVendorFailure(c.name)
		c.logger.Error("Vendor rejected content",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()),
		)
		c.errors.OnError(err)
		return nil
	}

	c.logger.Warn("Vendor transport failed, reconnecting on next submit",
		slog.String("session_id", sess.id),
		slog.String("error", provider.TransportError(err).Error()),
	)
	return nil
}

// consume drains the session queue until the sentinel, a failure, or cancellation
func (c *Controller[In]) consume(ctx context.Context, sess *session[In]) {
	defer close(sess.done)

	completed := false
	for {
		ev, ok, err := sess.queue.Pop(ctx)
		if err != nil || !ok {
			break
		}

		if ev.Kind == provider.EventFail {
			c.vendorFailed(sess, ev.Err)
			break
		}
		if ev.Kind == provider.EventComplete {
			completed = true
		}

		if err := sess.processor.Handle(ev); err != nil {
			if provider.IsFailure(err) {
				c.vendorFailed(sess, err)
				break
			}
			c.metrics.RecordMalformedPayload(c.name)
			c.logger.Warn("Dropping vendor event",
				slog.String("session_id", sess.id),
				slog.String("event", ev.Kind.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	sess.processor.Close(completed)
	c.sessionEnded(sess, completed)
}

// vendorFailed handles a failure reported through the listener or found in a payload
func (c *Controller[In]) vendorFailed(sess *session[In], err error) {
	if err == nil {
		err = &provider.FailureError{Code: -1, Message: "unknown failure"}
	}
	transport := errors.Is(err, provider.ErrTransportClosed)

	c.mu.Lock()
	if c.current != sess {
		c.mu.Unlock()
		c.logger.Debug("Ignoring failure of a replaced session",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()),
		)
		return
	}
	c.current = nil
	c.lastError = err.Error()
	c.transitionLocked(StateErrored, err.Error())
	c.mu.Unlock()

	sess.queue.Close()

	if transport {
		c.logger.Warn("Vendor connection lost, reconnecting on next submit",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()),
		)
		return
	}

	sess.conn.Close()
	if !provider.IsFailure(err) {
		err = &provider.FailureError{Code: -1, Message: err.Error()}
	}
	c.metrics.RecordVendorFailure(c.name)
	c.logger.Error("Vendor reported failure",
		slog.String("session_id", sess.id),
		slog.String("error", err.Error()),
	)
	c.errors.OnError(err)
}

// sessionEnded finishes the lifecycle of a session whose consumer stopped
func (c *Controller[In]) sessionEnded(sess *session[In], completed bool) {
	outcome := "abandoned"

	c.mu.Lock()
	conn := sess.conn
	if c.current == sess {
		c.current = nil
		if completed {
			outcome = "completed"
			c.transitionLocked(StateClosed, "")
		} else {
			c.transitionLocked(StateErrored, "consumer stopped")
		}
	} else if completed {
		outcome = "completed"
	}
	c.mu.Unlock()

	if completed && conn != nil {
		conn.Close()
	}

	c.metrics.RecordSessionEnded(c.name, outcome, time.Since(sess.started).Seconds())
	c.logger.Debug("Session consumer stopped",
		slog.String("session_id", sess.id),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(sess.started)),
	)
}

// cancelLocked moves to Closed and detaches the current session. It reports
// false when there was nothing to cancel. Must be called with c.mu held.
func (c *Controller[In]) cancelLocked() (*session[In], bool) {
	if c.state == StateIdle || c.state == StateClosed {
		return nil, false
	}
	c.epoch++
	sess := c.current
	c.current = nil
	c.transitionLocked(StateClosed, "cancelled")
	return sess, true
}

// teardown closes a detached session's connection and output
func (c *Controller[In]) teardown(sess *session[In], reason string) {
	if sess == nil {
		return
	}
	if err := sess.conn.Close(); err != nil {
		c.logger.Debug("Error closing vendor connection",
			slog.String("session_id", sess.id),
			slog.String("error", err.Error()),
		)
	}
	sess.abandon()
	c.logger.Info("Session torn down",
		slog.String("session_id", sess.id),
		slog.String("reason", reason),
	)
}

// transitionLocked records a state change. Must be called with c.mu held.
func (c *Controller[In]) transitionLocked(to State, reason string) {
	from := c.state
	c.state = to

	attrs := []any{
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	}
	if c.current != nil {
		attrs = append(attrs, slog.String("session_id", c.current.id))
	}
	if reason != "" {
		attrs = append(attrs, slog.String("reason", reason))
	}
	c.logger.Info("Session state changed", attrs...)
	c.metrics.RecordTransition(c.name, to.String())
}
