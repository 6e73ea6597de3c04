package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/speech-bridge/internal/audio"
	"github.com/skypro1111/speech-bridge/internal/provider"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeConn records every call and lets a test script vendor callbacks
type fakeConn[In any] struct {
	mu       sync.Mutex
	listener provider.Listener
	writes   []In
	starts   int
	finishes int
	closes   int

	writeErr error
	onWrite  func(l provider.Listener, in In)
	onFinish func(l provider.Listener)
}

func (c *fakeConn[In]) Start(ctx context.Context) error {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	c.listener.OnStart("vendor-session")
	return nil
}

func (c *fakeConn[In]) Write(ctx context.Context, in In) error {
	c.mu.Lock()
	if c.writeErr != nil {
		err := c.writeErr
		c.mu.Unlock()
		return err
	}
	c.writes = append(c.writes, in)
	c.mu.Unlock()

	if c.onWrite != nil {
		c.onWrite(c.listener, in)
	}
	return nil
}

func (c *fakeConn[In]) Finish(ctx context.Context) error {
	c.mu.Lock()
	c.finishes++
	c.mu.Unlock()

	if c.onFinish != nil {
		c.onFinish(c.listener)
	} else {
		c.listener.OnComplete()
	}
	return nil
}

func (c *fakeConn[In]) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn[In]) counts() (writes, starts, finishes, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes), c.starts, c.finishes, c.closes
}

// fakeConnector hands out fakeConns built by newConn, or the next queued error
type fakeConnector[In any] struct {
	mu      sync.Mutex
	conns   []*fakeConn[In]
	errs    []error
	newConn func() *fakeConn[In]
	gate    chan struct{}
}

func (f *fakeConnector[In]) Connect(ctx context.Context, l provider.Listener) (provider.Connection[In], error) {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	conn := &fakeConn[In]{}
	if f.newConn != nil {
		conn = f.newConn()
	}
	conn.listener = l
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *fakeConnector[In]) connections() []*fakeConn[In] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn[In](nil), f.conns...)
}

type audioSink struct {
	mu     sync.Mutex
	frames []AudioFrame
	errs   []error
}

func (s *audioSink) Deliver(frame AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *audioSink) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *audioSink) snapshot() ([]AudioFrame, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AudioFrame(nil), s.frames...), append([]error(nil), s.errs...)
}

func int16Audio(samples ...int16) []byte {
	out := make([]byte, 0, len(samples)*2)
	for _, s := range samples {
		out = append(out, byte(uint16(s)), byte(uint16(s)>>8))
	}
	return out
}

func newTestTTS(t *testing.T, connector provider.Connector[string], sink AudioSink) *Controller[string] {
	t.Helper()
	ctrl, err := NewTTS(TTSOptions{
		StreamID:   "stream-1",
		Connector:  connector,
		Sink:       sink,
		Format:     audio.FormatInt16,
		SampleRate: 16000,
		Logger:     testLogger,
	})
	if err != nil {
		t.Fatalf("NewTTS failed: %v", err)
	}
	t.Cleanup(ctrl.Shutdown)
	return ctrl
}

func waitForState[In any](t *testing.T, ctrl *Controller[In], want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ctrl.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Expected state %s, got %s", want, ctrl.State())
}

func TestEndToEndSynthesis(t *testing.T) {
	connector := &fakeConnector[string]{
		newConn: func() *fakeConn[string] {
			return &fakeConn[string]{
				onWrite: func(l provider.Listener, text string) {
					l.OnAudio(int16Audio(1, 2))
				},
			}
		},
	}
	sink := &audioSink{}
	ctrl := newTestTTS(t, connector, sink)

	if err := ctrl.Submit(context.Background(), "hello", false); err != nil {
		t.Fatalf("Submit hello failed: %v", err)
	}
	if ctrl.State() != StateStreaming {
		t.Errorf("Expected streaming after first submit, got %s", ctrl.State())
	}
	if err := ctrl.Submit(context.Background(), "world", true); err != nil {
		t.Fatalf("Submit world failed: %v", err)
	}

	conns := connector.connections()
	if len(conns) != 1 {
		t.Fatalf("Expected exactly 1 connection, got %d", len(conns))
	}

	writes, starts, finishes, _ := conns[0].counts()
	if writes != 2 {
		t.Errorf("Expected 2 writes, got %d", writes)
	}
	if starts != 1 {
		t.Errorf("Expected 1 start, got %d", starts)
	}
	if finishes != 1 {
		t.Errorf("Expected 1 finish, got %d", finishes)
	}
	if conns[0].writes[0] != "hello" || conns[0].writes[1] != "world" {
		t.Errorf("Expected writes [hello world], got %v", conns[0].writes)
	}

	frames, errs := sink.snapshot()
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}
	if len(frames) != 3 {
		t.Fatalf("Expected 2 audio frames and end of stream, got %d frames", len(frames))
	}
	for i := 0; i < 2; i++ {
		if frames[i].EndOfStream || len(frames[i].Data) != 4 {
			t.Errorf("Frame %d: expected 4 bytes of audio, got %+v", i, frames[i])
		}
		if frames[i].SampleRate != 16000 || frames[i].StreamID != "stream-1" {
			t.Errorf("Frame %d: unexpected metadata %+v", i, frames[i])
		}
	}
	if !frames[2].EndOfStream || frames[2].Interrupted {
		t.Errorf("Expected completed end of stream, got %+v", frames[2])
	}

	if ctrl.State() != StateClosed {
		t.Errorf("Expected closed after finalize, got %s", ctrl.State())
	}
}

func TestCancelFromStreamingReconnects(t *testing.T) {
	connector := &fakeConnector[string]{}
	sink := &audioSink{}
	ctrl := newTestTTS(t, connector, sink)

	if err := ctrl.Submit(context.Background(), "first", false); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctrl.Cancel()
	if ctrl.State() != StateClosed {
		t.Fatalf("Expected closed after cancel, got %s", ctrl.State())
	}

	// Idempotent
	ctrl.Cancel()

	conns := connector.connections()
	if _, _, _, closes := conns[0].counts(); closes != 1 {
		t.Errorf("Expected cancelled connection closed once, got %d", closes)
	}

	if err := ctrl.Submit(context.Background(), "second", false); err != nil {
		t.Fatalf("Submit after cancel failed: %v", err)
	}

	conns = connector.connections()
	if len(conns) != 2 {
		t.Fatalf("Expected a new connection after cancel, got %d connections", len(conns))
	}
	if writes, _, _, _ := conns[0].counts(); writes != 1 {
		t.Errorf("Expected cancelled connection to keep 1 write, got %d", writes)
	}
	if len(conns[1].writes) != 1 || conns[1].writes[0] != "second" {
		t.Errorf("Expected new connection to receive 'second', got %v", conns[1].writes)
	}
	if ctrl.State() != StateStreaming {
		t.Errorf("Expected streaming, got %s", ctrl.State())
	}
}

func TestCancelWhenIdleIsNoop(t *testing.T) {
	ctrl := newTestTTS(t, &fakeConnector[string]{}, &audioSink{})

	ctrl.Cancel()
	if ctrl.State() != StateIdle {
		t.Errorf("Expected idle, got %s", ctrl.State())
	}
}

func TestTransportErrorReconnectsSilently(t *testing.T) {
	calls := 0
	connector := &fakeConnector[string]{
		newConn: func() *fakeConn[string] {
			calls++
			if calls == 1 {
				return &fakeConn[string]{writeErr: fmt.Errorf("write: %w", provider.ErrTransportClosed)}
			}
			return &fakeConn[string]{}
		},
	}
	sink := &audioSink{}
	ctrl := newTestTTS(t, connector, sink)

	if err := ctrl.Submit(context.Background(), "lost", false); err != nil {
		t.Fatalf("Expected transport error to be absorbed, got %v", err)
	}
	if ctrl.State() != StateErrored {
		t.Fatalf("Expected errored, got %s", ctrl.State())
	}

	conns := connector.connections()
	if _, _, _, closes := conns[0].counts(); closes != 0 {
		t.Errorf("Expected dead connection to be dropped without close, got %d closes", closes)
	}

	if err := ctrl.Submit(context.Background(), "retry", false); err != nil {
		t.Fatalf("Submit after transport error failed: %v", err)
	}
	if ctrl.State() != StateStreaming {
		t.Errorf("Expected streaming after reconnect, got %s", ctrl.State())
	}
	if len(connector.connections()) != 2 {
		t.Errorf("Expected 2 connections, got %d", len(connector.connections()))
	}

	info := ctrl.Info()
	if info.Reconnects != 1 {
		t.Errorf("Expected 1 reconnect, got %d", info.Reconnects)
	}
	if info.Sessions != 2 {
		t.Errorf("Expected 2 sessions, got %d", info.Sessions)
	}

	if _, errs := sink.snapshot(); len(errs) != 0 {
		t.Errorf("Expected no errors surfaced, got %v", errs)
	}
}

func TestVendorFailureReportedOnce(t *testing.T) {
	failure := &provider.FailureError{Code: 10001, Message: "quota exceeded"}
	connector := &fakeConnector[string]{
		newConn: func() *fakeConn[string] {
			return &fakeConn[string]{
				onWrite: func(l provider.Listener, text string) {
					l.OnAudio(int16Audio(7))
				},
				onFinish: func(l provider.Listener) {
					l.OnFail(failure)
				},
			}
		},
	}
	sink := &audioSink{}
	ctrl := newTestTTS(t, connector, sink)

	if err := ctrl.Submit(context.Background(), "text", true); err != nil {
		t.Fatalf("Expected vendor failure to go to the error sink, got %v", err)
	}
	if ctrl.State() != StateErrored {
		t.Errorf("Expected errored, got %s", ctrl.State())
	}

	frames, errs := sink.snapshot()
	if len(errs) != 1 {
		t.Fatalf("Expected exactly 1 error, got %d", len(errs))
	}
	var got *provider.FailureError
	if !errors.As(errs[0], &got) || got.Code != 10001 {
		t.Errorf("Expected vendor failure 10001, got %v", errs[0])
	}

	if len(frames) == 0 || !frames[len(frames)-1].EndOfStream || !frames[len(frames)-1].Interrupted {
		t.Errorf("Expected interrupted end of stream, got %+v", frames)
	}
}

func TestFailedReconnectIsReported(t *testing.T) {
	connector := &fakeConnector[string]{
		errs: []error{nil, errors.New("dial tcp: connection refused")},
		newConn: func() *fakeConn[string] {
			return &fakeConn[string]{writeErr: io.EOF}
		},
	}
	sink := &audioSink{}
	ctrl := newTestTTS(t, connector, sink)

	if err := ctrl.Submit(context.Background(), "a", false); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, errs := sink.snapshot(); len(errs) != 0 {
		t.Fatalf("Expected first transport error to stay silent, got %v", errs)
	}

	if err := ctrl.Submit(context.Background(), "b", false); err != nil {
		t.Fatalf("Expected reconnect failure to go to the error sink, got %v", err)
	}
	if ctrl.State() != StateErrored {
		t.Errorf("Expected errored, got %s", ctrl.State())
	}
	if _, errs := sink.snapshot(); len(errs) != 1 {
		t.Errorf("Expected reconnect failure reported once, got %d errors", len(errs))
	}
}

func TestConfigurationErrors(t *testing.T) {
	_, err := NewTTS(TTSOptions{Sink: &audioSink{}, SampleRate: 16000})
	if !errors.Is(err, provider.ErrConfiguration) {
		t.Errorf("Expected configuration error for missing connector, got %v", err)
	}

	_, err = NewTTS(TTSOptions{Connector: &fakeConnector[string]{}, SampleRate: 16000})
	if !errors.Is(err, provider.ErrConfiguration) {
		t.Errorf("Expected configuration error for missing sink, got %v", err)
	}

	connector := &fakeConnector[string]{errs: []error{&provider.ConfigError{Vendor: "tts", Field: "secret_key"}}}
	sink := &audioSink{}
	ctrl := newTestTTS(t, connector, sink)

	err = ctrl.Submit(context.Background(), "text", false)
	if !errors.Is(err, provider.ErrConfiguration) {
		t.Errorf("Expected configuration error from connect, got %v", err)
	}
	if _, errs := sink.snapshot(); len(errs) != 0 {
		t.Errorf("Expected configuration error to be returned, not reported, got %v", errs)
	}
}

func TestCancelWhileConnecting(t *testing.T) {
	gate := make(chan struct{})
	connector := &fakeConnector[string]{gate: gate}
	ctrl := newTestTTS(t, connector, &audioSink{})

	result := make(chan error, 1)
	go func() {
		result <- ctrl.Submit(context.Background(), "text", false)
	}()

	waitForState(t, ctrl, StateConnecting)
	ctrl.Cancel()
	close(gate)

	select {
	case err := <-result:
		if err != nil {
			t.Errorf("Expected nil error for cancelled connect, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return after cancel")
	}

	if ctrl.State() != StateClosed {
		t.Errorf("Expected closed, got %s", ctrl.State())
	}
	conns := connector.connections()
	if len(conns) != 1 {
		t.Fatalf("Expected 1 connection, got %d", len(conns))
	}
	writes, _, _, closes := conns[0].counts()
	if writes != 0 || closes != 1 {
		t.Errorf("Expected abandoned connection closed without writes, got %d writes %d closes", writes, closes)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	connector := &fakeConnector[string]{}
	ctrl := newTestTTS(t, connector, &audioSink{})

	if err := ctrl.Submit(context.Background(), "text", false); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ctrl.Shutdown()
	ctrl.Shutdown()

	if err := ctrl.Submit(context.Background(), "late", false); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown, got %v", err)
	}
	if _, _, _, closes := connector.connections()[0].counts(); closes != 1 {
		t.Errorf("Expected connection closed on shutdown, got %d closes", closes)
	}
}

func TestResidualDroppedAtTeardown(t *testing.T) {
	connector := &fakeConnector[string]{
		newConn: func() *fakeConn[string] {
			return &fakeConn[string]{
				onWrite: func(l provider.Listener, text string) {
					// one whole float32 sample plus three stray bytes
					l.OnAudio([]byte{0x00, 0x00, 0x80, 0x3f, 0x01, 0x02, 0x03})
				},
			}
		},
	}
	sink := &audioSink{}
	ctrl, err := NewTTS(TTSOptions{
		StreamID:   "s",
		Connector:  connector,
		Sink:       sink,
		Format:     audio.FormatFloat32,
		SampleRate: 48000,
		Logger:     testLogger,
	})
	if err != nil {
		t.Fatalf("NewTTS failed: %v", err)
	}
	defer ctrl.Shutdown()

	if err := ctrl.Submit(context.Background(), "text", true); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	frames, _ := sink.snapshot()
	if len(frames) != 2 {
		t.Fatalf("Expected 1 audio frame and end of stream, got %d", len(frames))
	}
	if len(frames[0].Data) != 2 || frames[0].Data[0] != 0xff || frames[0].Data[1] != 0x7f {
		t.Errorf("Expected one clamped sample 32767, got %v", frames[0].Data)
	}
	if !frames[1].EndOfStream || frames[1].Interrupted {
		t.Errorf("Expected completed end of stream, got %+v", frames[1])
	}
}

func TestConcurrentSubmitsShareOneConnection(t *testing.T) {
	var mu sync.Mutex
	var conns []*fakeConn[string]
	connector := provider.ConnectorFunc[string](func(ctx context.Context, l provider.Listener) (provider.Connection[string], error) {
		// slow handshake so every submit is in flight before the first connect returns
		time.Sleep(20 * time.Millisecond)
		conn := &fakeConn[string]{listener: l}
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		return conn, nil
	})
	ctrl := newTestTTS(t, connector, &audioSink{})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- ctrl.Submit(context.Background(), fmt.Sprintf("text-%d", i), false)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Expected submit to succeed, got %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(conns) != 1 {
		t.Fatalf("Expected 1 connection, got %d", len(conns))
	}
	if writes, starts, _, _ := conns[0].counts(); writes != 8 || starts != 1 {
		t.Errorf("Expected 8 writes on 1 started session, got %d writes %d starts", writes, starts)
	}
	if info := ctrl.Info(); info.Sessions != 1 {
		t.Errorf("Expected 1 session, got %d", info.Sessions)
	}
}
