package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-broadcast/backend/internal/drift"
	"github.com/aura-broadcast/backend/internal/models"
)

type memEntry struct {
	mu      sync.Mutex
	session models.ViewerSession
}

// MemoryStore keeps sessions in process. Each session has its own mutex, so
// updates to different sessions never contend.
type MemoryStore struct {
	sessions sync.Map // uuid.UUID -> *memEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Create(_ context.Context, s *models.ViewerSession) error {
	if _, loaded := m.sessions.LoadOrStore(s.ID, &memEntry{session: copySession(*s)}); loaded {
		return ErrInvalidRequest
	}
	return nil
}

func (m *MemoryStore) entry(id uuid.UUID) (*memEntry, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*memEntry), true
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.ViewerSession, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	s := copySession(e.session)
	e.mu.Unlock()
	return &s, nil
}

func (m *MemoryStore) ApplyOffset(_ context.Context, id uuid.UUID, offset, epsilon float64, at time.Time) (OffsetUpdate, error) {
	e, ok := m.entry(id)
	if !ok {
		return OffsetUpdate{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.session.IsActive {
		return OffsetUpdate{}, ErrSessionNotFound
	}
	next, accepted := drift.Floor(e.session.CurrentOffsetSeconds, offset, epsilon)
	if !accepted {
		return OffsetUpdate{Offset: next}, nil
	}
	e.session.CurrentOffsetSeconds = next
	e.session.LastSyncAt = at
	return OffsetUpdate{Offset: next, Accepted: true}, nil
}

func (m *MemoryStore) Close(_ context.Context, id uuid.UUID, at time.Time) (*models.ViewerSession, error) {
	e, ok := m.entry(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	closeLocked(&e.session, at)
	s := copySession(e.session)
	return &s, nil
}

func (m *MemoryStore) ListActive(_ context.Context, contentRef string) ([]models.ViewerSession, error) {
	var out []models.ViewerSession
	m.sessions.Range(func(_, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		if e.session.IsActive && (contentRef == "" || e.session.ContentRef == contentRef) {
			out = append(out, copySession(e.session))
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) ListBySubject(_ context.Context, subjectID string, limit int) ([]models.ViewerSession, error) {
	var out []models.ViewerSession
	m.sessions.Range(func(_, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		if e.session.SubjectID == subjectID {
			out = append(out, copySession(e.session))
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ReapStale(_ context.Context, cutoff, at time.Time) (int, error) {
	n := 0
	m.sessions.Range(func(_, v any) bool {
		e := v.(*memEntry)
		e.mu.Lock()
		if e.session.IsActive && e.session.LastSyncAt.Before(cutoff) {
			closeLocked(&e.session, at)
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n, nil
}

func closeLocked(s *models.ViewerSession, at time.Time) {
	if !s.IsActive {
		return
	}
	s.IsActive = false
	ended := at
	s.EndedAt = &ended
}

// copySession detaches the pointer and map fields so callers cannot mutate stored state.
func copySession(s models.ViewerSession) models.ViewerSession {
	if s.EndedAt != nil {
		t := *s.EndedAt
		s.EndedAt = &t
	}
	if s.DeviceInfo != nil {
		info := make(map[string]any, len(s.DeviceInfo))
		for k, v := range s.DeviceInfo {
			info[k] = v
		}
		s.DeviceInfo = info
	}
	return s
}
