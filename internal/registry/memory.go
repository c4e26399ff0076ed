package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"subdomaind/internal/model"
)

// Memory is an in-process Store for tests and single-node development.
type Memory struct {
	mu          sync.RWMutex
	records     map[string]*model.SubdomainRecord
	transitions []model.Transition
	nextID      int64
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*model.SubdomainRecord),
		now:     time.Now,
	}
}

func (m *Memory) Create(_ context.Context, rec *model.SubdomainRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.Key()]; ok {
		return ErrLabelTaken
	}
	if m.labelTakenLocked(rec.Label, rec.TenantID) {
		return ErrLabelTaken
	}

	now := m.now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	m.records[rec.Key()] = rec.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, tenantID, label string) (*model.SubdomainRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[model.RecordKey(tenantID, label)]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Update(_ context.Context, rec *model.SubdomainRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.records[rec.Key()]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != rec.Version {
		return ErrConflict
	}
	// Leaving failed re-claims the label.
	if cur.Status == model.StatusFailed && rec.Status != model.StatusFailed &&
		m.labelTakenLocked(rec.Label, rec.TenantID) {
		return ErrLabelTaken
	}

	rec.Version++
	rec.UpdatedAt = m.now().UTC()
	m.records[rec.Key()] = rec.Clone()
	return nil
}

func (m *Memory) Delete(_ context.Context, tenantID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := model.RecordKey(tenantID, label)
	if _, ok := m.records[key]; !ok {
		return ErrNotFound
	}
	delete(m.records, key)
	return nil
}

func (m *Memory) ListByTenant(_ context.Context, tenantID string) ([]model.SubdomainRecord, error) {
	return m.filter(func(r *model.SubdomainRecord) bool { return r.TenantID == tenantID }), nil
}

func (m *Memory) ListByStatus(_ context.Context, statuses ...model.Status) ([]model.SubdomainRecord, error) {
	want := make(map[model.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	return m.filter(func(r *model.SubdomainRecord) bool { return want[r.Status] }), nil
}

func (m *Memory) ListDueForRenewal(_ context.Context, cutoff time.Time) ([]model.SubdomainRecord, error) {
	out := m.filter(func(r *model.SubdomainRecord) bool {
		return r.Status == model.StatusActive && r.CertificateExpiresAt != nil && r.CertificateExpiresAt.Before(cutoff)
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CertificateExpiresAt.Before(*out[j].CertificateExpiresAt)
	})
	return out, nil
}

func (m *Memory) LabelTaken(_ context.Context, label, tenantID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.labelTakenLocked(label, tenantID), nil
}

func (m *Memory) labelTakenLocked(label, tenantID string) bool {
	for _, r := range m.records {
		if r.Label == label && r.TenantID != tenantID && r.Status != model.StatusFailed {
			return true
		}
	}
	return false
}

func (m *Memory) LogTransition(_ context.Context, t *model.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	t.ID = m.nextID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now().UTC()
	}
	m.transitions = append(m.transitions, *t)
	return nil
}

func (m *Memory) Transitions(_ context.Context, tenantID, label string) ([]model.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Transition
	for _, t := range m.transitions {
		if t.TenantID == tenantID && t.Label == label {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *Memory) CountByStatus(_ context.Context) (map[model.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[model.Status]int)
	for _, r := range m.records {
		counts[r.Status]++
	}
	return counts, nil
}

func (m *Memory) filter(keep func(*model.SubdomainRecord) bool) []model.SubdomainRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.SubdomainRecord
	for _, r := range m.records {
		if keep(r) {
			out = append(out, *r.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Label < out[j].Label
	})
	return out
}
