// Command fakevendor serves local stand-ins for the synthesis and
// recognition vendors, for running the bridge without real credentials.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/speech-bridge/internal/provider/fake"
)

func main() {
	def := fake.DefaultConfig()

	port := flag.Int("port", 8081, "Port to listen on")
	appID := flag.String("app-id", def.Credential.AppID, "Accepted app id")
	secretID := flag.String("secret-id", def.Credential.SecretID, "Accepted secret id")
	secretKey := flag.String("secret-key", def.Credential.SecretKey, "Key used to verify signatures")
	apiKey := flag.String("api-key", def.APIKey, "Accepted bearer token for streaming synthesis")
	transcript := flag.String("transcript", def.Transcript, "Final recognition text")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg := def
	cfg.Credential.AppID = *appID
	cfg.Credential.SecretID = *secretID
	cfg.Credential.SecretKey = *secretKey
	cfg.APIKey = *apiKey
	cfg.Transcript = *transcript

	srv := fake.NewServer(cfg, logger)
	addr := fmt.Sprintf(":%d", *port)

	logger.Info("Fake vendor listening",
		slog.String("address", addr),
		slog.String("flowing_tts", "ws://localhost"+addr+fake.FlowingPath),
		slog.String("stream_tts", "http://localhost"+addr+fake.StreamPath),
		slog.String("realtime_asr", "ws://localhost"+addr+fake.RecognitionPath),
	)

	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Fake vendor stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}

	stats := srv.GetStats()
	logger.Info("Fake vendor stopped",
		slog.Uint64("flowing_sessions", stats.FlowingSessions),
		slog.Uint64("stream_requests", stats.StreamRequests),
		slog.Uint64("recognition_sessions", stats.RecognitionSessions),
		slog.Uint64("rejected", stats.Rejected),
	)
}
