// Package session holds per-browser-session state for the vitals app: the
// key/value storage that backs it, the token store and the patient store.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Storage keys.
const (
	KeyAuthState       = "authState"
	KeyPatientState    = "patientState"
	KeyLaunchToken     = "launch_token"
	KeyIssuer          = "iss"
	KeyLaunchPatientID = "launch_patient_id"
	KeyState           = "auth_state"
)

// LaunchKeys are the transient keys written by each authorization flow
// restart.
var LaunchKeys = []string{KeyLaunchToken, KeyIssuer, KeyLaunchPatientID, KeyState}

// ErrNotFound is returned by Storage.Get when the key is absent or expired.
var ErrNotFound = errors.New("session: key not found")

// Storage is string key/value storage scoped to a session id. Every write
// extends the session's lifetime by the storage TTL.
type Storage interface {
	Get(ctx context.Context, sid, key string) (string, error)
	Set(ctx context.Context, sid, key, value string) error
	Remove(ctx context.Context, sid, key string) error
	Clear(ctx context.Context, sid string) error
}

// ---------------------------------------------------------------------------
// MemoryStorage
// ---------------------------------------------------------------------------

type memorySession struct {
	values    map[string]string
	expiresAt time.Time
}

// MemoryStorage keeps sessions in process memory. It is the default backend
// and only suitable for a single replica.
type MemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStorage creates an in-memory storage whose sessions expire ttl
// after their last write.
func NewMemoryStorage(ttl time.Duration) *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*memorySession),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryStorage) Get(_ context.Context, sid, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sid]
	if !ok || s.now().After(sess.expiresAt) {
		return "", ErrNotFound
	}
	v, ok := sess.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStorage) Set(_ context.Context, sid, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess, ok := s.sessions[sid]
	if !ok || now.After(sess.expiresAt) {
		sess = &memorySession{values: make(map[string]string)}
		s.sessions[sid] = sess
	}
	sess.values[key] = value
	sess.expiresAt = now.Add(s.ttl)
	return nil
}

func (s *MemoryStorage) Remove(_ context.Context, sid, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[sid]; ok {
		delete(sess.values, key)
	}
	return nil
}

func (s *MemoryStorage) Clear(_ context.Context, sid string) error {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartCleanup starts a background goroutine that drops expired sessions
// until ctx is cancelled.
func (s *MemoryStorage) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *MemoryStorage) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for sid, sess := range s.sessions {
		if now.After(sess.expiresAt) {
			delete(s.sessions, sid)
		}
	}
}
