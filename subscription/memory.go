package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = &MemoryStore{}

// MemoryStore is a Store held in process memory. Writes are serialized by a
// single mutex, which gives Upsert the same atomicity as the database.
type MemoryStore struct {
	mu   sync.Mutex
	rows []*Subscription
	seq  time.Duration
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) stamp() time.Time {
	// strictly increasing so that newest-first ordering is deterministic
	m.seq++
	return time.Now().UTC().Add(m.seq)
}

func (m *MemoryStore) findLocked(match func(*Subscription) bool) *Subscription {
	var found *Subscription
	for _, row := range m.rows {
		if !match(row) {
			continue
		}
		if found == nil || row.CreatedAt.After(found.CreatedAt) {
			found = row
		}
	}
	return found
}

func clone(s *Subscription) *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.ExternalSubscriptionID != nil {
		c.ExternalSubscriptionID = stringPtr(*s.ExternalSubscriptionID)
	}
	if s.CourseID != nil {
		c.CourseID = stringPtr(*s.CourseID)
	}
	return &c
}

func byExternalID(externalID string) func(*Subscription) bool {
	return func(s *Subscription) bool {
		return s.ExternalSubscriptionID != nil && *s.ExternalSubscriptionID == externalID
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, externalID string, f Fields) (*Subscription, error) {
	if externalID == "" {
		return nil, fmt.Errorf("empty externalID is invalid")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.findLocked(byExternalID(externalID))
	now := m.stamp()
	if row == nil {
		row = &Subscription{
			ID:                     uuid.New().String(),
			ExternalSubscriptionID: stringPtr(externalID),
			CreatedAt:              now,
		}
		m.rows = append(m.rows, row)
	}
	f.applyTo(row)
	row.UpdatedAt = now
	return clone(row), nil
}

func (m *MemoryStore) Create(ctx context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ExternalSubscriptionID != nil && m.findLocked(byExternalID(*s.ExternalSubscriptionID)) != nil {
		return fmt.Errorf("duplicate external subscription id %s", *s.ExternalSubscriptionID)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := m.stamp()
	s.CreatedAt = now
	s.UpdatedAt = now
	m.rows = append(m.rows, clone(s))
	return nil
}

func (m *MemoryStore) FindByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.findLocked(byExternalID(externalID))), nil
}

func (m *MemoryStore) FindByExternalIDOrPaymentID(ctx context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row := m.findLocked(byExternalID(id)); row != nil {
		return clone(row), nil
	}
	return clone(m.findLocked(func(s *Subscription) bool {
		return s.ExternalPaymentID == id
	})), nil
}

func (m *MemoryStore) LinkExternalID(ctx context.Context, paymentID, externalID string) (*Subscription, error) {
	return m.link(externalID, func(s *Subscription) bool {
		return s.ExternalPaymentID == paymentID
	})
}

func (m *MemoryStore) ClaimPending(ctx context.Context, id, externalID string) (*Subscription, error) {
	return m.link(externalID, func(s *Subscription) bool {
		return s.ID == id
	})
}

func (m *MemoryStore) link(externalID string, match func(*Subscription) bool) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findLocked(byExternalID(externalID)) != nil {
		return nil, nil
	}
	row := m.findLocked(func(s *Subscription) bool {
		return s.ExternalSubscriptionID == nil && match(s)
	})
	if row == nil {
		return nil, nil
	}
	row.ExternalSubscriptionID = stringPtr(externalID)
	row.UpdatedAt = m.stamp()
	return clone(row), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]Subscription, 0, 1)
	for _, row := range m.rows {
		if row.UserID == userID {
			results = append(results, *clone(row))
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) FindActiveForCourse(ctx context.Context, userID, courseID string, now time.Time) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.findLocked(func(s *Subscription) bool {
		return s.UserID == userID &&
			s.CourseID != nil && *s.CourseID == courseID &&
			s.GrantsAccessAt(now)
	})), nil
}

// Len reports the number of rows
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
