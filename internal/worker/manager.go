package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"bollipi/internal/dialog"
	"bollipi/internal/models"
	"bollipi/internal/redis"
	"bollipi/internal/service/ai"
	"bollipi/internal/session"
	"bollipi/internal/voice"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrManagerClosed   = errors.New("session manager closed")
)

// Overridden in tests.
var (
	newSessionID = uuid.NewString
	isQuotaError = ai.IsQuotaExhausted
	reapInterval = time.Minute
)

type Config struct {
	Language    models.Language
	MaxRetries  int
	IdleTimeout time.Duration
	Workers     int
}

// Manager owns the live sessions. Engine calls from every session share one
// dispatcher; sessions without activity are closed after IdleTimeout.
type Manager struct {
	engine     Engine
	cfg        Config
	dispatcher *Dispatcher
	cache      *stateRedis
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	stop chan struct{}
	done chan struct{}
}

// NewManager starts the dispatcher and the idle reaper. cache may be nil.
func NewManager(engine Engine, cache *redis.Client, cfg Config) *Manager {
	if cfg.Language == "" {
		cfg.Language = models.LanguageHindi
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	m := &Manager{
		engine:     engine,
		cfg:        cfg,
		dispatcher: NewDispatcher(cfg.Workers),
		cache:      newStateCache(cache, cfg.IdleTimeout),
		now:        time.Now,
		sessions:   make(map[string]*Session),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.reap()
	return m
}

// Create starts a session. An empty lang uses the configured default.
func (m *Manager) Create(lang models.Language) (*Session, error) {
	if lang == "" {
		lang = m.cfg.Language
	}
	id := newSessionID()
	quota := &session.Quota{}
	turns := session.NewTurnLog()
	eng := &queuedEngine{dispatcher: m.dispatcher, sessionID: id, engine: m.engine}

	s := &Session{ID: id, Quota: quota, Turns: turns, now: m.now, lastSeen: m.now()}
	s.Voice = voice.NewAdapter(voice.Options{
		Language:     lang,
		Synthesizer:  eng,
		Quota:        quota,
		Turns:        turns,
		IsQuotaError: isQuotaError,
		OnTranscript: s.onTranscript,
		OnIdle:       s.onIdle,
	})
	s.Controller = dialog.NewController(dialog.Config{
		Language:   lang,
		MaxRetries: m.cfg.MaxRetries,
		Extractor:  eng,
		Voice:      s.Voice,
		Quota:      quota,
		Turns:      turns,
	})
	s.Controller.OnChange(func(snap dialog.Snapshot) {
		s.publish(snap)
		m.cache.saveSnapshot(id, snap)
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()
	debugLog("[manager] session %s created (%s)", id, lang)
	return s, nil
}

// Get returns a live session and marks it used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch()
	return s, nil
}

// LastSnapshot returns the last state mirrored for a session that is no
// longer live.
func (m *Manager) LastSnapshot(ctx context.Context, id string) (dialog.Snapshot, bool) {
	return m.cache.loadSnapshot(ctx, id)
}

// Close ends a session and forgets its mirrored state.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.closeSession(s)
	m.cache.dropSnapshot(id)
	return nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and stops the workers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	close(m.stop)
	<-m.done
	for _, s := range sessions {
		m.closeSession(s)
	}
	m.dispatcher.Close()
}

func (m *Manager) closeSession(s *Session) {
	m.dispatcher.CancelSession(s.ID)
	s.close()
	debugLog("[manager] session %s closed", s.ID)
}

func (m *Manager) reap() {
	defer close(m.done)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.expire()
		}
	}
}

// expire closes sessions idle for longer than IdleTimeout. Their last
// snapshot stays readable until the cache entry expires.
func (m *Manager) expire() []string {
	cutoff := m.now().Add(-m.cfg.IdleTimeout)
	var stale []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if seen, idle := s.idleSince(); idle && seen.Before(cutoff) {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		m.closeSession(s)
		ids = append(ids, s.ID)
	}
	if len(ids) > 0 {
		log.Printf("worker: expired %d idle sessions", len(ids))
	}
	return ids
}
