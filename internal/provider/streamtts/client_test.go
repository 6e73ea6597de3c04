package streamtts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skypro1111/speech-bridge/internal/audio"
	"github.com/skypro1111/speech-bridge/internal/provider"
	"github.com/skypro1111/speech-bridge/internal/provider/fake"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(t *testing.T, apiKey string) (*fake.Server, *Client) {
	t.Helper()
	srv := fake.NewServer(fake.Config{}, testLogger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	if apiKey == "" {
		apiKey = srv.Config().APIKey
	}
	client, err := NewClient(Config{
		Endpoint: ts.URL + fake.StreamPath,
		APIKey:   apiKey,
		Timeout:  5 * time.Second,
		ReadSize: 999,
	}, testLogger)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return srv, client
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "k"}, nil); !errors.Is(err, provider.ErrConfiguration) {
		t.Errorf("Expected configuration error for missing endpoint, got %v", err)
	}
	if _, err := NewClient(Config{Endpoint: "http://localhost"}, nil); !errors.Is(err, provider.ErrConfiguration) {
		t.Errorf("Expected configuration error for missing api key, got %v", err)
	}

	client, err := NewClient(Config{Endpoint: "http://localhost", APIKey: "k"}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.config.SampleRate != DefaultSampleRate {
		t.Errorf("Expected default sample rate %d, got %d", DefaultSampleRate, client.config.SampleRate)
	}
	if cap(client.semaphore) != 10 {
		t.Errorf("Expected semaphore of 10, got %d", cap(client.semaphore))
	}
}

func TestStreamedAudioRealigns(t *testing.T) {
	_, client := newTestClient(t, "")
	rec := fake.NewRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Connect(ctx, rec)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()

	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := conn.Write(ctx, "good morning"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := conn.Finish(ctx); err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	if !rec.Wait(5 * time.Second) {
		t.Fatal("Timed out waiting for completion")
	}

	raw, chunks := rec.Audio()
	// 12 runes * 160 samples * 4 bytes
	if len(raw) != 7680 {
		t.Fatalf("Expected 7680 float32 bytes, got %d", len(raw))
	}
	if chunks < 2 {
		t.Errorf("Expected the body to arrive in several chunks, got %d", chunks)
	}

	// Feeding the vendor's arbitrary chunks must reproduce the one-shot conversion
	whole := audio.NewReassembler(audio.FormatFloat32)
	expected := whole.Push(raw).Data

	streamed := audio.NewReassembler(audio.FormatFloat32)
	var got []byte
	for _, ev := range rec.Events() {
		if ev.Kind == provider.EventAudio {
			got = append(got, streamed.Push(ev.Payload).Data...)
		}
	}
	if string(got) != string(expected) {
		t.Error("Expected chunked conversion to match one-shot conversion")
	}
	if streamed.Residual() != 0 {
		t.Errorf("Expected no residual, got %d", streamed.Residual())
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Expected 1 successful request, got %+v", stats)
	}
	if stats.BytesReceived != 7680 {
		t.Errorf("Expected 7680 bytes received, got %d", stats.BytesReceived)
	}
}

func TestUnauthorizedIsFailure(t *testing.T) {
	_, client := newTestClient(t, "wrong-key")
	rec := fake.NewRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := client.Connect(ctx, rec)
	defer conn.Close()
	conn.Start(ctx)
	conn.Write(ctx, "hello")

	if !rec.Wait(5 * time.Second) {
		t.Fatal("Timed out waiting for failure")
	}

	var failure *provider.FailureError
	if !errors.As(rec.Failure(), &failure) || failure.Code != 401 {
		t.Fatalf("Expected 401 vendor failure, got %v", rec.Failure())
	}
	if client.GetStats().FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %d", client.GetStats().FailedRequests)
	}
}

func TestWriteAfterFailureIsTransportError(t *testing.T) {
	_, client := newTestClient(t, "")
	rec := fake.NewRecorder()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vc, _ := client.Connect(ctx, rec)
	defer vc.Close()
	vc.Start(ctx)
	vc.Write(ctx, "this will fail")

	conn := vc.(*Connection)
	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for worker to stop")
	}

	if !provider.IsFailure(rec.Failure()) {
		t.Errorf("Expected vendor failure, got %v", rec.Failure())
	}
	if err := vc.Write(ctx, "more"); !errors.Is(err, provider.ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", err)
	}
}

func TestCloseStopsWorkerWithoutCompletion(t *testing.T) {
	_, client := newTestClient(t, "")
	rec := fake.NewRecorder()

	vc, _ := client.Connect(context.Background(), rec)
	vc.Start(context.Background())
	vc.Close()

	select {
	case <-vc.(*Connection).Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for worker to stop")
	}

	for _, ev := range rec.Events() {
		if ev.Kind == provider.EventComplete || ev.Kind == provider.EventFail {
			t.Errorf("Expected no terminal event after Close, got %s", ev.Kind)
		}
	}
}
