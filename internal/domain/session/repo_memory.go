package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory. A single mutex serializes
// every write, which gives Rotate its single-winner guarantee. It is meant
// for development and tests; sessions do not survive a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*Session
	byToken map[string]uuid.UUID
	byOwner map[uuid.UUID]map[uuid.UUID]struct{}
	done    chan struct{}
	once    sync.Once
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[uuid.UUID]*Session),
		byToken: make(map[string]uuid.UUID),
		byOwner: make(map[uuid.UUID]map[uuid.UUID]struct{}),
		done:    make(chan struct{}),
	}
}

// StartEviction removes expired sessions every interval until Close is
// called, standing in for the TTL eviction of the other backends.
func (m *MemoryStore) StartEviction(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case now := <-ticker.C:
				_, _ = m.PurgeExpired(context.Background(), now)
			}
		}
	}()
}

// Close stops the eviction goroutine. Safe to call more than once.
func (m *MemoryStore) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(s)
}

func (m *MemoryStore) insertLocked(s *Session) error {
	if !s.ExpiresAt.After(s.CreatedAt) {
		return fmt.Errorf("insert session: expires_at must be after created_at")
	}
	if _, ok := m.byID[s.ID]; ok {
		return fmt.Errorf("insert session: duplicate id %s", s.ID)
	}
	if _, ok := m.byToken[s.RefreshTokenHash]; ok {
		return fmt.Errorf("insert session: duplicate refresh token")
	}
	cp := *s
	m.byID[s.ID] = &cp
	m.byToken[s.RefreshTokenHash] = s.ID
	owned := m.byOwner[s.OwnerID]
	if owned == nil {
		owned = make(map[uuid.UUID]struct{})
		m.byOwner[s.OwnerID] = owned
	}
	owned[s.ID] = struct{}{}
	return nil
}

func (m *MemoryStore) removeLocked(s *Session) {
	delete(m.byID, s.ID)
	delete(m.byToken, s.RefreshTokenHash)
	if owned := m.byOwner[s.OwnerID]; owned != nil {
		delete(owned, s.ID)
		if len(owned) == 0 {
			delete(m.byOwner, s.OwnerID)
		}
	}
}

func (m *MemoryStore) FindByToken(_ context.Context, tokenHash string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byToken[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListByOwner(_ context.Context, ownerID uuid.UUID, now time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for id := range m.byOwner[ownerID] {
		s := m.byID[id]
		if s.ActiveAt(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	m.removeLocked(s)
	return nil
}

func (m *MemoryStore) DeleteByToken(_ context.Context, tokenHash string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byToken[tokenHash]
	if !ok {
		return nil, ErrNotFound
	}
	s := m.byID[id]
	m.removeLocked(s)
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) DeleteAllByOwner(_ context.Context, ownerID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id := range m.byOwner[ownerID] {
		m.removeLocked(m.byID[id])
		n++
	}
	return n, nil
}

func (m *MemoryStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.byID {
		if !s.ActiveAt(now) {
			m.removeLocked(s)
			n++
		}
	}
	return n, nil
}

// Rotate runs build without holding the lock, then swaps the sessions only
// if the old token still belongs to the session that was read.
func (m *MemoryStore) Rotate(_ context.Context, oldTokenHash string, now time.Time, build BuildFunc) (*Session, error) {
	m.mu.Lock()
	id, ok := m.byToken[oldTokenHash]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	old := *m.byID[id]
	if !old.ActiveAt(now) {
		m.removeLocked(&old)
		m.mu.Unlock()
		return &old, ErrExpired
	}
	m.mu.Unlock()

	next, err := build(&old)
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byToken[oldTokenHash]; !ok || cur != old.ID {
		return nil, ErrNotFound
	}
	m.removeLocked(&old)
	if err := m.insertLocked(next); err != nil {
		_ = m.insertLocked(&old)
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	cp := *next
	return &cp, nil
}

// Len returns the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
