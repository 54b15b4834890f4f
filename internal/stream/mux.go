// Package stream multiplexes in-flight run output to consumers. A session
// is a bounded channel of chunks keyed by ID; the engine writes, exactly
// one consumer reads, and terminal chunks close the channel exactly once.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/agentrun/pkg/models"
)

const (
	// DefaultBufferSize bounds a session's pending chunks.
	DefaultBufferSize = 256

	// DefaultIdleTimeout expires sessions nothing has written to.
	DefaultIdleTimeout = 10 * time.Minute
)

// MuxOptions configures the multiplexer.
type MuxOptions struct {
	BufferSize  int
	IdleTimeout time.Duration
	Logger      *slog.Logger

	// SessionsGauge, when set, tracks the number of open sessions. It
	// moves with session open and close, not with map removal: a closed
	// session lingering for a late subscriber no longer counts.
	SessionsGauge prometheus.Gauge
}

// session is one stream's state. A session is terminal once its channel
// has been closed; later writes are no-ops.
type session struct {
	ch       chan *models.StreamChunk
	closed   bool
	dropped  int
	lastSend time.Time
}

// Mux routes stream chunks from producers to per-session channels. The
// write side never blocks run progress: a full buffer drops the chunk and
// counts the drop instead of stalling the engine.
type Mux struct {
	opts MuxOptions

	mu       sync.Mutex
	sessions map[string]*session
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMux creates a multiplexer and starts its idle-session reaper.
func NewMux(opts MuxOptions) *Mux {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Mux{
		opts:     opts,
		sessions: make(map[string]*session),
		stop:     make(chan struct{}),
	}
	go m.reap()
	return m
}

// Create opens a new session and returns its ID and read side.
func (m *Mux) Create() (string, <-chan *models.StreamChunk) {
	id := uuid.NewString()
	s := &session{
		ch:       make(chan *models.StreamChunk, m.opts.BufferSize),
		lastSend: time.Now(),
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	if m.opts.SessionsGauge != nil {
		m.opts.SessionsGauge.Inc()
	}
	return id, s.ch
}

// Subscribe returns the read side of an existing session, or nil when
// the session is unknown. Sessions have exactly one consumer; the
// transport that subscribes owns the channel until it closes.
func (m *Mux) Subscribe(id string) <-chan *models.StreamChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.ch
	}
	return nil
}

// Send delivers a chunk to the session. Unknown or terminal sessions and
// full buffers are tolerated; the chunk is dropped and run progress
// continues.
func (m *Mux) Send(id string, chunk *models.StreamChunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.closed {
		return
	}
	s.lastSend = time.Now()
	select {
	case s.ch <- chunk:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			m.opts.Logger.Warn("stream buffer full, dropping chunks",
				"session_id", id, "dropped", s.dropped)
		}
	}
}

// Complete ends the session with a done chunk carrying final usage. The
// session stays subscribable until a consumer closes it or it expires,
// so fast runs are not lost to a late subscriber.
func (m *Mux) Complete(id string, usage *models.TokenUsage) {
	m.finish(id, models.DoneChunk(usage), false)
}

// Error ends the session with an error chunk.
func (m *Mux) Error(id string, msg string) {
	m.finish(id, models.ErrorChunk(msg), false)
}

// Close tears the session down without a terminal chunk, for consumer
// disconnects. Closing an unknown or already terminal session is a no-op.
func (m *Mux) Close(id string) {
	m.finish(id, nil, true)
}

// Shutdown closes every open session and stops the reaper.
func (m *Mux) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if !s.closed {
			m.closeLocked(s)
		}
		delete(m.sessions, id)
	}
}

// Dropped reports how many chunks the session has discarded to buffer
// pressure.
func (m *Mux) Dropped(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.dropped
	}
	return 0
}

// Active reports the number of open sessions.
func (m *Mux) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if !s.closed {
			n++
		}
	}
	return n
}

func (m *Mux) finish(id string, terminal *models.StreamChunk, remove bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if !s.closed {
		if terminal != nil {
			select {
			case s.ch <- terminal:
			default:
				s.dropped++
			}
		}
		m.closeLocked(s)
	}
	if remove {
		delete(m.sessions, id)
	}
}

// closeLocked transitions a session to terminal. Callers hold m.mu and
// have checked the session is not already closed.
func (m *Mux) closeLocked(s *session) {
	s.closed = true
	close(s.ch)
	if m.opts.SessionsGauge != nil {
		m.opts.SessionsGauge.Dec()
	}
}

func (m *Mux) reap() {
	interval := m.opts.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.expireIdle(time.Now())
		}
	}
}

func (m *Mux) expireIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if now.Sub(s.lastSend) < m.opts.IdleTimeout {
			continue
		}
		if !s.closed {
			m.opts.Logger.Info("expiring idle stream session", "session_id", id)
			select {
			case s.ch <- models.ErrorChunk("stream session expired"):
			default:
			}
			m.closeLocked(s)
		}
		delete(m.sessions, id)
	}
}
