package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/neolens/backend/internal/analytics"
	"github.com/neolens/backend/internal/batch"
	"github.com/neolens/backend/internal/config"
	"github.com/neolens/backend/internal/models"
	"github.com/neolens/backend/internal/storage"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoValidFiles is returned when a run is requested with nothing to process.
	ErrNoValidFiles = errors.New("no valid files selected")
	// ErrSessionLimit is returned when every session slot holds an active run.
	ErrSessionLimit = errors.New("session limit reached")
)

// ExportFormat selects the encoding of an exported results document.
type ExportFormat string

const (
	FormatJSON    ExportFormat = "json"
	FormatMsgpack ExportFormat = "msgpack"
)

// Manager handles independent batch sessions, each owning one runner.
type Manager struct {
	sessions map[string]*SessionState
	mu       sync.RWMutex

	store    storage.Store
	analyzer batch.Analyzer
	log      *zap.Logger

	maxSessions   int
	keepAlive     time.Duration
	maxConcurrent int
	analytics     config.AnalyticsConfig
}

// SessionState holds a session's runner and the uploads backing its selection.
type SessionState struct {
	ID           string
	Runner       *batch.Runner
	FileIDs      []string
	CreatedAt    time.Time
	LastAccessed time.Time // Last time the session was accessed (for keep-alive)
}

// NewManager creates a session manager whose runners use the configured simulator.
func NewManager(cfg *config.AppConfig, store storage.Store, log *zap.Logger) *Manager {
	return NewManagerWithAnalyzer(cfg, store, batch.NewSimulator(cfg.SimConfig()), log)
}

// NewManagerWithAnalyzer creates a session manager with a specific analyzer.
func NewManagerWithAnalyzer(cfg *config.AppConfig, store storage.Store, analyzer batch.Analyzer, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions:      make(map[string]*SessionState),
		store:         store,
		analyzer:      analyzer,
		log:           log,
		maxSessions:   cfg.Sessions.MaxSessions,
		keepAlive:     time.Duration(cfg.Sessions.KeepAliveMinutes) * time.Minute,
		maxConcurrent: cfg.Batch.MaxConcurrent,
		analytics:     cfg.Analytics,
	}
}

// CreateSession opens a session and selects handles into it.
func (m *Manager) CreateSession(handles []models.FileHandle, fileIDs []string) (*models.RunSession, error) {
	id := uuid.New().String()
	now := time.Now()
	state := &SessionState{
		ID:           id,
		Runner:       batch.NewRunner(m.analyzer, m.log.With(zap.String("session", shortID(id)))),
		FileIDs:      fileIDs,
		CreatedAt:    now,
		LastAccessed: now,
	}
	// A fresh runner is never running, so Select cannot fail here
	_ = state.Runner.Select(handles)

	if err := m.insert(state); err != nil {
		return nil, err
	}

	m.log.Info("session created",
		zap.String("session", shortID(id)),
		zap.Int("files", len(handles)))
	return m.snapshot(state), nil
}

// Select replaces the session's candidate set. Uploads that no longer back the
// selection are released.
func (m *Manager) Select(id string, handles []models.FileHandle, fileIDs []string) (*models.RunSession, error) {
	state, err := m.touch(id)
	if err != nil {
		return nil, err
	}

	if err := state.Runner.Select(handles); err != nil {
		return nil, err
	}

	m.mu.Lock()
	previous := state.FileIDs
	state.FileIDs = fileIDs
	m.mu.Unlock()

	m.release(previous, fileIDs)
	return m.snapshot(state), nil
}

// StartProcess launches the session's run in the background. A non-positive
// maxConcurrent uses the configured default.
func (m *Manager) StartProcess(id string, maxConcurrent int) (*models.RunSession, error) {
	state, err := m.touch(id)
	if err != nil {
		return nil, err
	}

	if !hasValid(state.Runner.Files()) {
		return nil, ErrNoValidFiles
	}
	if maxConcurrent <= 0 {
		maxConcurrent = m.maxConcurrent
	}

	wait, err := state.Runner.Start(context.Background(), maxConcurrent)
	if err != nil {
		return nil, err
	}

	go m.awaitRun(id, wait)
	return m.snapshot(state), nil
}

func (m *Manager) awaitRun(id string, wait <-chan error) {
	// Recover from panics to prevent backend crash
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("run watcher panicked", zap.String("session", shortID(id)), zap.Any("panic", r))
		}
	}()

	start := time.Now()
	err := <-wait
	switch {
	case err == nil:
		m.log.Info("session run finished",
			zap.String("session", shortID(id)),
			zap.Duration("elapsed", time.Since(start)))
	case errors.Is(err, batch.ErrRunCanceled):
		m.log.Info("session run canceled", zap.String("session", shortID(id)))
	default:
		m.log.Warn("session run ended early", zap.String("session", shortID(id)), zap.Error(err))
	}
}

// Cancel abandons the session's run and resets it.
func (m *Manager) Cancel(id string) (*models.RunSession, error) {
	state, err := m.touch(id)
	if err != nil {
		return nil, err
	}
	state.Runner.Cancel()
	return m.snapshot(state), nil
}

// GetSession returns a session snapshot by ID.
func (m *Manager) GetSession(id string) (*models.RunSession, bool) {
	m.mu.RLock()
	state, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.snapshot(state), true
}

// Progress returns the session's aggregate progress.
func (m *Manager) Progress(id string) (models.Progress, bool) {
	m.mu.RLock()
	state, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return models.Progress{}, false
	}
	return state.Runner.Progress(), true
}

// Export encodes the session's results. The boolean reports whether anything
// has been produced yet; the document is encoded either way.
func (m *Manager) Export(id string, format ExportFormat) ([]byte, bool, error) {
	state, err := m.touch(id)
	if err != nil {
		return nil, false, err
	}

	doc := state.Runner.Results()
	var data []byte
	switch format {
	case FormatMsgpack:
		data, err = batch.EncodeMsgpack(doc)
	case FormatJSON, "":
		data, err = batch.EncodeJSON(doc)
	default:
		return nil, false, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, false, err
	}
	return data, !doc.Empty(), nil
}

// Summary aggregates the session's results so far.
func (m *Manager) Summary(ctx context.Context, id string) (*models.RunSummary, error) {
	state, err := m.touch(id)
	if err != nil {
		return nil, err
	}
	return analytics.Summarize(ctx, m.analytics, state.Runner.Results())
}

// Subscribe registers an event observer on the session's runner.
func (m *Manager) Subscribe(id string) (<-chan batch.Event, func(), error) {
	state, err := m.touch(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsubscribe := state.Runner.Subscribe(0)
	return ch, unsubscribe, nil
}

// TouchSession updates the LastAccessed timestamp for a session.
// This should be called whenever a session is actively being used
// to prevent it from being cleaned up.
func (m *Manager) TouchSession(id string) bool {
	_, err := m.touch(id)
	return err == nil
}

func (m *Manager) touch(id string) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	state.LastAccessed = time.Now()
	return state, nil
}

// DeleteSession cancels any run and drops the session with its uploads.
func (m *Manager) DeleteSession(id string) error {
	m.mu.Lock()
	state, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	m.dispose(state)
	m.log.Info("session deleted", zap.String("session", shortID(id)))
	return nil
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// insert adds state, evicting the least recently used idle sessions when the
// registry is full. The capacity check and the insert share one lock.
func (m *Manager) insert(state *SessionState) error {
	m.mu.Lock()
	var evicted []*SessionState
	if len(m.sessions) >= m.maxSessions {
		var idle []*SessionState
		for _, s := range m.sessions {
			if !s.Runner.Running() {
				idle = append(idle, s)
			}
		}
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].LastAccessed.Before(idle[j].LastAccessed)
		})

		toFree := len(m.sessions) - m.maxSessions + 1
		for _, s := range idle {
			if len(evicted) >= toFree {
				break
			}
			delete(m.sessions, s.ID)
			evicted = append(evicted, s)
		}
	}
	full := len(m.sessions) >= m.maxSessions
	if !full {
		m.sessions[state.ID] = state
	}
	m.mu.Unlock()

	for _, s := range evicted {
		m.dispose(s)
		m.log.Info("evicted idle session to free a slot", zap.String("session", shortID(s.ID)))
	}
	if full {
		return ErrSessionLimit
	}
	return nil
}

// CleanupOldSessions removes idle sessions not accessed within maxAge, but
// keeps anything accessed within the keep-alive window. It returns the number
// of sessions removed.
func (m *Manager) CleanupOldSessions(maxAge time.Duration) int {
	now := time.Now()
	cutoff := now.Add(-maxAge)
	keepAliveCutoff := now.Add(-m.keepAlive)

	m.mu.Lock()
	var expired []*SessionState
	for id, state := range m.sessions {
		if state.Runner.Running() {
			continue
		}
		if state.LastAccessed.After(keepAliveCutoff) {
			continue
		}
		if state.LastAccessed.Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, state)
		}
	}
	m.mu.Unlock()

	for _, state := range expired {
		m.dispose(state)
		m.log.Info("cleaned up aged session",
			zap.String("session", shortID(state.ID)),
			zap.Duration("idle", time.Since(state.LastAccessed).Round(time.Second)))
	}
	return len(expired)
}

// SweepOrphanUploads deletes stored uploads that no session references and
// that were stored more than grace ago. It returns the number deleted.
func (m *Manager) SweepOrphanUploads(grace time.Duration) int {
	if m.store == nil {
		return 0
	}
	infos, err := m.store.List(0)
	if err != nil {
		m.log.Warn("failed to list uploads", zap.Error(err))
		return 0
	}

	m.mu.RLock()
	owned := make(map[string]struct{})
	for _, state := range m.sessions {
		for _, id := range state.FileIDs {
			owned[id] = struct{}{}
		}
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-grace)
	var orphans []string
	for _, info := range infos {
		if _, ok := owned[info.ID]; ok || info.UploadedAt.After(cutoff) {
			continue
		}
		orphans = append(orphans, info.ID)
	}
	m.release(orphans, nil)
	return len(orphans)
}

func (m *Manager) dispose(state *SessionState) {
	state.Runner.Cancel()

	m.mu.RLock()
	ids := state.FileIDs
	m.mu.RUnlock()
	m.release(ids, nil)
}

// release deletes stored uploads in ids that are not in keep.
func (m *Manager) release(ids, keep []string) {
	if m.store == nil {
		return
	}
	kept := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		kept[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := kept[id]; ok {
			continue
		}
		if err := m.store.Delete(id); err != nil && !errors.Is(err, storage.ErrFileNotFound) {
			m.log.Warn("failed to release upload", zap.String("file", id), zap.Error(err))
		}
	}
}

func (m *Manager) snapshot(state *SessionState) *models.RunSession {
	m.mu.RLock()
	fileIDs := append([]string(nil), state.FileIDs...)
	m.mu.RUnlock()

	snap := state.Runner.Snapshot()
	return &models.RunSession{
		ID:          state.ID,
		Files:       snap.Files,
		Progress:    snap.Progress,
		ResultCount: len(snap.Results.Results),
		ErrorCount:  len(snap.Results.Errors),
		FileIDs:     fileIDs,
		CreatedAt:   state.CreatedAt,
	}
}

func hasValid(files []models.CandidateFile) bool {
	for _, f := range files {
		if f.Valid {
			return true
		}
	}
	return false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
