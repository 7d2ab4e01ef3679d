package session

import (
	"fmt"
	"sync"

	"framebufd/internal/cache"
	"framebufd/internal/config"
	"framebufd/internal/fetch"
	"framebufd/internal/logger"
)

// Manager owns one session per configured source, the shared frame cache and the
// download pool.
type Manager struct {
	mutex      sync.RWMutex
	sessions   map[string]*Session
	logger     logger.Logger
	cfg        *config.Config
	client     *fetch.Client
	downloader *fetch.Downloader
	frames     *cache.FrameCache
}

// NewManager creates a new session manager.
func NewManager(log logger.Logger, cfg *config.Config, client *fetch.Client) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		logger:   log,
		cfg:      cfg,
		client:   client,
	}
	m.downloader = fetch.NewDownloader(client, log, cfg.Playback.Workers, cfg.Playback.FetchConcurrency)
	m.frames = cache.New(log, cfg.Playback.CacheFrames, m.evict)
	return m
}

// Start creates and starts a session for every configured source so buffering begins
// before the first request.
func (m *Manager) Start() error {
	for _, src := range m.cfg.Sources {
		if _, err := m.GetOrCreateSession(src.ID); err != nil {
			return err
		}
	}
	return nil
}

// Stop gracefully shuts down the download pool and all active sessions.
func (m *Manager) Stop() {
	m.logger.Infof("Stopping session manager and all active sessions...")
	m.downloader.Stop()

	m.mutex.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mutex.RUnlock()

	for _, s := range sessions {
		s.Stop()
	}
	m.logger.Infof("Session manager stopped.")
}

// GetOrCreateSession retrieves an existing session or creates and starts a new one.
func (m *Manager) GetOrCreateSession(sourceID string) (*Session, error) {
	m.mutex.RLock()
	s, found := m.sessions[sourceID]
	m.mutex.RUnlock()
	if found {
		return s, nil
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	if s, found = m.sessions[sourceID]; found {
		return s, nil
	}

	src, ok := m.cfg.Source(sourceID)
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownSource, sourceID)
	}

	m.logger.Infof("No session found for source ID: %s. Creating a new one.", sourceID)
	s = newSession(src, m.cfg.Playback, m.logger, m.frames, m.client, m.downloader)
	m.sessions[sourceID] = s
	s.Start()
	m.logger.Infof("Successfully created and started new session for source: %s (%s)", src.Name, sourceID)
	return s, nil
}

// evict routes a cache eviction to the session owning the frame.
func (m *Manager) evict(key cache.FrameKey) {
	m.mutex.RLock()
	s, found := m.sessions[key.Source]
	m.mutex.RUnlock()
	if found {
		s.EvictFrame(key.Frame)
	}
}
