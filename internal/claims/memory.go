package claims

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory is a Repository backed by maps. It returns copies, so callers
// cannot mutate stored state.
type InMemory struct {
	mu      sync.RWMutex
	claims  map[string]Claim
	docs    map[string]Document
	byClaim map[string][]string
	storage map[string]struct{}
}

var _ Repository = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		claims:  make(map[string]Claim),
		docs:    make(map[string]Document),
		byClaim: make(map[string][]string),
		storage: make(map[string]struct{}),
	}
}

func (m *InMemory) CreateClaim(_ context.Context, c Claim, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[c.ID]; ok {
		return ErrConflict
	}
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		if d.ClaimID != c.ID {
			return Invalid("documents", "document %s belongs to another claim", d.ID)
		}
		if _, ok := m.docs[d.ID]; ok {
			return ErrConflict
		}
		if _, ok := m.storage[d.StorageName]; ok {
			return ErrConflict
		}
		if _, ok := seen[d.StorageName]; ok {
			return ErrConflict
		}
		seen[d.StorageName] = struct{}{}
	}
	c.Documents = nil
	m.claims[c.ID] = c
	for _, d := range docs {
		m.putDocument(d)
	}
	return nil
}

func (m *InMemory) FindClaim(_ context.Context, id string) (Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[id]
	if !ok {
		return Claim{}, ErrNotFound
	}
	c.Documents = m.documentsLocked(id)
	return c, nil
}

func (m *InMemory) UpdateStatus(_ context.Context, id string, from, to Status, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrInvalidTransition
	}
	c.Status = to
	c.UpdatedAt = at
	m.claims[id] = c
	return nil
}

func (m *InMemory) ListClaims(_ context.Context, f Filter) ([]Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Claim, 0)
	for _, c := range m.claims {
		if f.Matches(c) {
			out = append(out, c)
		}
	}
	SortClaims(out)
	return f.ApplyLimit(out), nil
}

func (m *InMemory) FindDocument(_ context.Context, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return d, nil
}

func (m *InMemory) SaveDocument(_ context.Context, d Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[d.ClaimID]
	if !ok {
		return ErrNotFound
	}
	if err := CheckAttach(c.Status, len(m.byClaim[d.ClaimID])); err != nil {
		return err
	}
	if _, ok := m.docs[d.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.storage[d.StorageName]; ok {
		return ErrConflict
	}
	m.putDocument(d)
	return nil
}

func (m *InMemory) DocumentsForClaim(_ context.Context, claimID string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.claims[claimID]; !ok {
		return nil, ErrNotFound
	}
	return m.documentsLocked(claimID), nil
}

func (m *InMemory) putDocument(d Document) {
	m.docs[d.ID] = d
	m.byClaim[d.ClaimID] = append(m.byClaim[d.ClaimID], d.ID)
	m.storage[d.StorageName] = struct{}{}
}

func (m *InMemory) documentsLocked(claimID string) []Document {
	ids := m.byClaim[claimID]
	out := make([]Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.docs[id])
	}
	SortDocuments(out)
	return out
}

// SortDocuments orders by creation time, then id.
func SortDocuments(ds []Document) {
	sort.SliceStable(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}
