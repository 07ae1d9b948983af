package repository

import (
	"context"
	"sync"

	"github.com/tutorhub/notification-engine/internal/domain"
)

// MockTemplateRepository is an in-memory TemplateRepository for tests.
type MockTemplateRepository struct {
	mu        sync.RWMutex
	templates map[string]*domain.Template

	GetErr error
}

func NewMockTemplateRepository() *MockTemplateRepository {
	return &MockTemplateRepository{templates: make(map[string]*domain.Template)}
}

func templateKey(name string, channel domain.Channel) string {
	return name + "|" + string(channel)
}

// Put stores a template for subsequent GetActive lookups.
func (m *MockTemplateRepository) Put(t *domain.Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *t
	m.templates[templateKey(t.Name, t.Channel)] = &clone
}

func (m *MockTemplateRepository) GetActive(_ context.Context, name string, channel domain.Channel) (*domain.Template, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[templateKey(name, channel)]
	if !ok || !t.IsActive {
		return nil, domain.ErrNotFound
	}
	clone := *t
	return &clone, nil
}

// MockPreferenceRepository is an in-memory PreferenceRepository for tests.
type MockPreferenceRepository struct {
	mu          sync.RWMutex
	preferences map[int64]map[domain.Type]*domain.Preference

	GetErr error
}

func NewMockPreferenceRepository() *MockPreferenceRepository {
	return &MockPreferenceRepository{
		preferences: make(map[int64]map[domain.Type]*domain.Preference),
	}
}

// Put stores a preference row for subsequent Get lookups.
func (m *MockPreferenceRepository) Put(p *domain.Preference) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.preferences[p.UserID] == nil {
		m.preferences[p.UserID] = make(map[domain.Type]*domain.Preference)
	}
	clone := *p
	m.preferences[p.UserID][p.Type] = &clone
}

func (m *MockPreferenceRepository) Get(_ context.Context, userID int64, t domain.Type) (*domain.Preference, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.preferences[userID][t]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *p
	return &clone, nil
}
