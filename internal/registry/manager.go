package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/speech-bridge/internal/metrics"
	"github.com/skypro1111/speech-bridge/internal/session"
)

var (
	// ErrTooManyStreams is returned when the registry is full
	ErrTooManyStreams = errors.New("too many active streams")

	// ErrStopped is returned after Stop
	ErrStopped = errors.New("registry stopped")
)

// Controller is the part of a session controller the registry manages
type Controller interface {
	Info() session.Info
	Cancel()
	Shutdown()
}

type key struct {
	kind     string
	streamID string
}

// entry is one registered controller
type entry struct {
	kind       string
	streamID   string
	controller Controller
	startTime  time.Time
}

// StreamInfo is a registry snapshot row for monitoring and APIs
type StreamInfo struct {
	Kind      string        `json:"kind"`
	StreamID  string        `json:"stream_id"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	Session   session.Info  `json:"session"`
}

// Config contains registry lifecycle settings
type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	MaxStreams    int
}

// Manager owns the per-stream session controllers and reaps idle ones
type Manager struct {
	entries map[key]*entry
	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *metrics.Metrics
	config  Config
	stopped bool

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a registry and starts its cleanup routine
func NewManager(logger *slog.Logger, m *metrics.Metrics, config Config) *Manager {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		entries: make(map[key]*entry),
		logger:  logger,
		metrics: m,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	// Start cleanup goroutine
	go mgr.startCleanupRoutine()

	return mgr
}

// GetOrCreate returns the controller registered for kind and streamID,
// calling create when there is none. created reports whether create ran.
func GetOrCreate[C Controller](m *Manager, kind, streamID string, create func() (C, error)) (ctrl C, created bool, err error) {
	k := key{kind: kind, streamID: streamID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ctrl, false, ErrStopped
	}

	if existing, exists := m.entries[k]; exists {
		typed, ok := existing.controller.(C)
		if !ok {
			return ctrl, false, fmt.Errorf("stream %s/%s is registered with a different controller type", kind, streamID)
		}
		return typed, false, nil
	}

	if m.config.MaxStreams > 0 && len(m.entries) >= m.config.MaxStreams {
		return ctrl, false, fmt.Errorf("%w: limit %d", ErrTooManyStreams, m.config.MaxStreams)
	}

	ctrl, err = create()
	if err != nil {
		return ctrl, false, err
	}

	m.entries[k] = &entry{
		kind:       kind,
		streamID:   streamID,
		controller: ctrl,
		startTime:  time.Now(),
	}
	m.metrics.SetActiveStreams(len(m.entries))

	m.logger.Info("Stream controller registered",
		slog.String("kind", kind),
		slog.String("stream_id", streamID),
		slog.Int("active_streams", len(m.entries)),
	)

	return ctrl, true, nil
}

// Get retrieves a registered controller
func (m *Manager) Get(kind, streamID string) (Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, exists := m.entries[key{kind: kind, streamID: streamID}]
	if !exists {
		return nil, false
	}
	return e.controller, true
}

// Count returns the number of registered controllers
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns every registered stream sorted by kind and id
func (m *Manager) Snapshot() []StreamInfo {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	infos := make([]StreamInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, StreamInfo{
			Kind:      e.kind,
			StreamID:  e.streamID,
			StartTime: e.startTime,
			Duration:  time.Since(e.startTime),
			Session:   e.controller.Info(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Kind != infos[j].Kind {
			return infos[i].Kind < infos[j].Kind
		}
		return infos[i].StreamID < infos[j].StreamID
	})
	return infos
}

// Remove unregisters a controller and shuts it down
func (m *Manager) Remove(kind, streamID string) bool {
	k := key{kind: kind, streamID: streamID}

	m.mu.Lock()
	e, exists := m.entries[k]
	if exists {
		delete(m.entries, k)
		m.metrics.SetActiveStreams(len(m.entries))
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	// Shutdown waits for the consumer, so it runs outside the registry lock
	e.controller.Shutdown()

	info := e.controller.Info()
	m.logger.Info("Stream controller removed",
		slog.String("kind", kind),
		slog.String("stream_id", streamID),
		slog.Duration("total_duration", time.Since(e.startTime)),
		slog.Uint64("sessions", info.Sessions),
		slog.Uint64("reconnects", info.Reconnects),
	)

	return true
}

// Stop shuts down every controller and the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream registry...")

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	entries := m.entries
	m.entries = make(map[key]*entry)
	m.metrics.SetActiveStreams(0)
	m.mu.Unlock()

	// Cancel context to stop cleanup routine
	m.cancel()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.controller.Shutdown()
		}(e)
	}
	wg.Wait()

	// Wait for cleanup routine to finish
	<-m.cleanup

	m.logger.Info("Stream registry stopped",
		slog.Int("stopped_streams", len(entries)),
	)
}

// startCleanupRoutine runs in a separate goroutine to reap idle streams
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	m.logger.Info("Stream cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.SweepInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Stream cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpired(time.Now())
		}
	}
}

// cleanupExpired removes streams with no activity for longer than the idle timeout
func (m *Manager) cleanupExpired(now time.Time) int {
	expired := make([]key, 0)

	// Find expired streams
	m.mu.RLock()
	for k, e := range m.entries {
		lastActivity := e.controller.Info().LastActivity
		if lastActivity.IsZero() {
			lastActivity = e.startTime
		}

		if now.Sub(lastActivity) > m.config.IdleTimeout {
			expired = append(expired, k)
		}
	}
	m.mu.RUnlock()

	// Remove expired streams
	if len(expired) > 0 {
		m.logger.Info("Cleaning up idle streams",
			slog.Int("expired_count", len(expired)),
		)

		for _, k := range expired {
			m.Remove(k.kind, k.streamID)
		}
	}

	return len(expired)
}
