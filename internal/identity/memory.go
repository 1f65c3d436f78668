package identity

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Provider used for local development and tests.
// Emails are matched case-insensitively.
type Memory struct {
	mu      sync.Mutex
	byEmail map[string]Identity
	creates int

	// LinkBase prefixes generated verification links.
	LinkBase string
}

// NewMemory returns an empty in-memory provider.
func NewMemory() *Memory {
	return &Memory{
		byEmail:  make(map[string]Identity),
		LinkBase: "http://localhost/verify",
	}
}

func (m *Memory) CreateIdentity(_ context.Context, in NewIdentity) (*Identity, error) {
	key := strings.ToLower(in.Email)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if _, ok := m.byEmail[key]; ok {
		return nil, fmt.Errorf("create identity %s: %w", in.Email, ErrIdentityExists)
	}
	id := Identity{DurableID: uuid.NewString(), Email: in.Email, DisplayName: in.DisplayName}
	m.byEmail[key] = id
	return &id, nil
}

func (m *Memory) FindIdentityByEmail(_ context.Context, email string) (*Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, fmt.Errorf("find identity %s: %w", email, ErrIdentityNotFound)
	}
	return &id, nil
}

func (m *Memory) GenerateVerificationLink(_ context.Context, email string) (string, error) {
	m.mu.Lock()
	_, ok := m.byEmail[strings.ToLower(email)]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("verification link %s: %w", email, ErrIdentityNotFound)
	}
	return m.LinkBase + "?email=" + url.QueryEscape(email), nil
}

// ListIdentities returns every account in a single page ordered by email.
func (m *Memory) ListIdentities(_ context.Context, _ string, _ int) (*Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page := &Page{Identities: make([]Identity, 0, len(m.byEmail))}
	for _, id := range m.byEmail {
		page.Identities = append(page.Identities, id)
	}
	sort.Slice(page.Identities, func(i, j int) bool {
		return page.Identities[i].Email < page.Identities[j].Email
	})
	return page, nil
}

// Len reports how many identities exist.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byEmail)
}

// CreateCalls reports how many times CreateIdentity was invoked.
func (m *Memory) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}
