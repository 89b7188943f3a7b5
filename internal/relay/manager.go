package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/toolfence/internal/toolfilter"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamFinished = errors.New("stream already finished")
)

// Status represents the state of a managed stream
type Status string

const (
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// ManagerConfig holds stream manager configuration
type ManagerConfig struct {
	Timeout         time.Duration // Idle time after which a stream is expired; zero disables expiry
	CleanupInterval time.Duration // How often idle streams are checked
}

// Stream is one filter session driven chunk by chunk by a remote caller.
type Stream struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	relay        *Relay
	lastActivity time.Time
	finished     bool
}

// StreamInfo is a snapshot of a Stream.
type StreamInfo struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Phase        string    `json:"phase"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Stats        Stats     `json:"stats"`
}

// Info returns a snapshot of the stream.
func (s *Stream) Info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := StatusActive
	if s.finished {
		status = StatusFinished
	}
	return StreamInfo{
		ID:           s.ID,
		Status:       status,
		Phase:        s.relay.Phase().String(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Stats:        s.relay.Stats(),
	}
}

func (s *Stream) push(ctx context.Context, chunk string) (toolfilter.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return toolfilter.Result{}, ErrStreamFinished
	}
	s.lastActivity = time.Now()
	return s.relay.Push(ctx, chunk)
}

func (s *Stream) finish(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return "", ErrStreamFinished
	}
	s.finished = true
	s.lastActivity = time.Now()
	return s.relay.Finish(ctx)
}

func (s *Stream) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.relay.Reset()
	s.finished = false
	s.lastActivity = time.Now()
}

func (s *Stream) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Manager owns the streams opened over the HTTP API. Each stream's filter is
// only touched under that stream's lock.
type Manager struct {
	mu       sync.RWMutex
	streams  map[string]*Stream
	config   ManagerConfig
	opts     []Option
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a manager. opts are applied to every stream's relay.
func NewManager(cfg ManagerConfig, opts ...Option) *Manager {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	mgr := &Manager{
		streams: make(map[string]*Stream),
		config:  cfg,
		opts:    opts,
		stopCh:  make(chan struct{}),
	}

	if cfg.Timeout > 0 {
		mgr.wg.Add(1)
		go mgr.cleanupLoop()
	}
	return mgr
}

// Open creates a new stream and returns it
func (m *Manager) Open() *Stream {
	now := time.Now()
	id := uuid.New().String()
	stream := &Stream{
		ID:           id,
		CreatedAt:    now,
		relay:        New(id, Discard, m.opts...),
		lastActivity: now,
	}

	m.mu.Lock()
	m.streams[id] = stream
	m.mu.Unlock()

	logrus.Debugf("Stream opened: %s", id)
	return stream
}

// Get retrieves a stream by ID
func (m *Manager) Get(id string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stream, ok := m.streams[id]
	return stream, ok
}

// Push filters the next chunk of stream id.
func (m *Manager) Push(ctx context.Context, id, chunk string) (toolfilter.Result, error) {
	stream, ok := m.Get(id)
	if !ok {
		return toolfilter.Result{}, ErrStreamNotFound
	}
	return stream.push(ctx, chunk)
}

// Finish flushes stream id. The stream stays listed until closed or expired.
func (m *Manager) Finish(ctx context.Context, id string) (string, error) {
	stream, ok := m.Get(id)
	if !ok {
		return "", ErrStreamNotFound
	}
	return stream.finish(ctx)
}

// Reset clears stream id so it can carry a new logical stream.
func (m *Manager) Reset(id string) error {
	stream, ok := m.Get(id)
	if !ok {
		return ErrStreamNotFound
	}
	stream.reset()
	return nil
}

// Close removes stream id, finishing it first if needed.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	stream, ok := m.streams[id]
	delete(m.streams, id)
	m.mu.Unlock()

	if !ok {
		return ErrStreamNotFound
	}
	if _, err := stream.finish(ctx); err != nil && !errors.Is(err, ErrStreamFinished) {
		return err
	}
	logrus.Debugf("Stream closed: %s", id)
	return nil
}

// List returns snapshots of all streams, oldest first.
func (m *Manager) List() []StreamInfo {
	m.mu.RLock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	infos := make([]StreamInfo, 0, len(streams))
	for _, s := range streams {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Len returns the number of open streams.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Stop ends the cleanup loop and finishes every open stream.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[string]*Stream)
	m.mu.Unlock()

	for _, s := range streams {
		_, _ = s.finish(context.Background())
	}
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.expireIdle(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

// expireIdle closes streams idle for longer than the timeout.
func (m *Manager) expireIdle(now time.Time) int {
	m.mu.Lock()
	var expired []*Stream
	for id, s := range m.streams {
		if now.Sub(s.idleSince()) > m.config.Timeout {
			expired = append(expired, s)
			delete(m.streams, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		_, _ = s.finish(context.Background())
		logrus.Debugf("Stream expired: %s", s.ID)
	}
	return len(expired)
}
