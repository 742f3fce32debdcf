package storage

import (
	"context"
	"sync"
	"time"

	"github.com/maneesh/permastore/internal/models"
)

// MemoryLinkStore is a process-local LinkStore.
// sync.Map gives per-key atomic inserts without a global lock.
type MemoryLinkStore struct {
	records sync.Map // token -> *models.LinkRecord
	now     func() time.Time
}

// NewMemoryLinkStore creates an empty in-memory link store
func NewMemoryLinkStore() *MemoryLinkStore {
	return &MemoryLinkStore{now: time.Now}
}

// Put stores refs under token
func (m *MemoryLinkStore) Put(ctx context.Context, token string, refs []models.ContentRef) error {
	if len(refs) == 0 {
		return ErrEmptyBatch
	}
	record := &models.LinkRecord{
		Token:     token,
		Refs:      models.CloneRefs(refs),
		CreatedAt: m.now().UTC(),
	}
	if _, loaded := m.records.LoadOrStore(token, record); loaded {
		return ErrDuplicateToken
	}
	return nil
}

// Get returns a copy of the record stored under token
func (m *MemoryLinkStore) Get(ctx context.Context, token string) (*models.LinkRecord, error) {
	v, ok := m.records.Load(token)
	if !ok {
		return nil, nil
	}
	record := v.(*models.LinkRecord)
	return &models.LinkRecord{
		Token:     record.Token,
		Refs:      models.CloneRefs(record.Refs),
		CreatedAt: record.CreatedAt,
	}, nil
}

// Delete removes token
func (m *MemoryLinkStore) Delete(ctx context.Context, token string) error {
	m.records.Delete(token)
	return nil
}

// Ping always succeeds
func (m *MemoryLinkStore) Ping(ctx context.Context) error {
	return nil
}

// batchSession is one uploader's batch. dead is set once the session has been
// removed from the map so late writers retry against a fresh session.
type batchSession struct {
	mu   sync.Mutex
	refs []models.ContentRef
	dead bool
}

// MemoryBatchStore is a process-local BatchStore with one lock per uploader
type MemoryBatchStore struct {
	sessions sync.Map // uploader id -> *batchSession
}

// NewMemoryBatchStore creates an empty in-memory batch store
func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{}
}

// lock returns the live session for uploaderID, locked. If create is false and
// no session exists it returns nil.
func (m *MemoryBatchStore) lock(uploaderID int64, create bool) *batchSession {
	for {
		var s *batchSession
		if create {
			v, _ := m.sessions.LoadOrStore(uploaderID, &batchSession{})
			s = v.(*batchSession)
		} else {
			v, ok := m.sessions.Load(uploaderID)
			if !ok {
				return nil
			}
			s = v.(*batchSession)
		}
		s.mu.Lock()
		if !s.dead {
			return s
		}
		s.mu.Unlock()
	}
}

// drop removes a locked session from the map
func (m *MemoryBatchStore) drop(uploaderID int64, s *batchSession) {
	s.dead = true
	m.sessions.CompareAndDelete(uploaderID, s)
}

// Append adds ref to the uploader's batch
func (m *MemoryBatchStore) Append(ctx context.Context, uploaderID int64, ref models.ContentRef) ([]models.ContentRef, error) {
	s := m.lock(uploaderID, true)
	defer s.mu.Unlock()

	s.refs = append(s.refs, ref)
	return models.CloneRefs(s.refs), nil
}

// Snapshot returns the uploader's batch
func (m *MemoryBatchStore) Snapshot(ctx context.Context, uploaderID int64) ([]models.ContentRef, error) {
	s := m.lock(uploaderID, false)
	if s == nil {
		return []models.ContentRef{}, nil
	}
	defer s.mu.Unlock()

	return models.CloneRefs(s.refs), nil
}

// Discard removes prefix from the front of the uploader's batch if it is still there
func (m *MemoryBatchStore) Discard(ctx context.Context, uploaderID int64, prefix []models.ContentRef) (bool, error) {
	if len(prefix) == 0 {
		return true, nil
	}
	s := m.lock(uploaderID, false)
	if s == nil {
		return false, nil
	}
	defer s.mu.Unlock()

	if !hasPrefix(s.refs, prefix) {
		return false, nil
	}
	if len(prefix) == len(s.refs) {
		s.refs = nil
		m.drop(uploaderID, s)
		return true, nil
	}
	s.refs = models.CloneRefs(s.refs[len(prefix):])
	return true, nil
}

func hasPrefix(refs, prefix []models.ContentRef) bool {
	if len(prefix) > len(refs) {
		return false
	}
	for i := range prefix {
		if refs[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Clear drops the uploader's batch
func (m *MemoryBatchStore) Clear(ctx context.Context, uploaderID int64) error {
	s := m.lock(uploaderID, false)
	if s == nil {
		return nil
	}
	defer s.mu.Unlock()

	s.refs = nil
	m.drop(uploaderID, s)
	return nil
}
