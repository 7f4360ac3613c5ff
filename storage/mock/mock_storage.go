// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/ambientlabs/mcp-gateway/storage"
)

// MockClientStore is a mock implementation of storage.ClientStore for testing.
// Every method delegates to an overridable function field so tests can inject
// failures, while the defaults behave like a small in-memory store.
type MockClientStore struct {
	mu      sync.RWMutex
	clients map[string]*storage.Client

	SaveClientFunc           func(ctx context.Context, client *storage.Client) error
	GetClientFunc            func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateClientSecretFunc func(ctx context.Context, clientID, clientSecret string) error
	ListClientsFunc          func(ctx context.Context) ([]*storage.Client, error)
	CheckIPLimitFunc         func(ctx context.Context, ip string, maxClientsPerIP int) error

	CallCounts map[string]int
}

// NewMockClientStore creates a new mock client store
func NewMockClientStore() *MockClientStore {
	m := &MockClientStore{
		clients:    make(map[string]*storage.Client),
		CallCounts: make(map[string]int),
	}

	m.SaveClientFunc = func(_ context.Context, client *storage.Client) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.clients[client.ClientID] = client
		return nil
	}

	m.GetClientFunc = func(_ context.Context, clientID string) (*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		client, ok := m.clients[clientID]
		if !ok {
			return nil, storage.ErrClientNotFound
		}
		return client, nil
	}

	m.ValidateClientSecretFunc = func(_ context.Context, clientID, clientSecret string) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		client, ok := m.clients[clientID]
		if !ok {
			return storage.ErrClientNotFound
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
			return storage.ErrClientSecretMismatch
		}
		return nil
	}

	m.ListClientsFunc = func(_ context.Context) ([]*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		clients := make([]*storage.Client, 0, len(m.clients))
		for _, client := range m.clients {
			clients = append(clients, client)
		}
		return clients, nil
	}

	m.CheckIPLimitFunc = func(_ context.Context, ip string, maxClientsPerIP int) error {
		m.mu.RLock()
		defer m.mu.RUnlock()
		count := 0
		for _, client := range m.clients {
			if client.RegistrationIP == ip {
				count++
			}
		}
		if maxClientsPerIP > 0 && count >= maxClientsPerIP {
			return storage.ErrIPLimitExceeded
		}
		return nil
	}

	return m
}

// SaveClient implements storage.ClientStore
func (m *MockClientStore) SaveClient(ctx context.Context, client *storage.Client) error {
	m.countCall("SaveClient")
	return m.SaveClientFunc(ctx, client)
}

// GetClient implements storage.ClientStore
func (m *MockClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.countCall("GetClient")
	return m.GetClientFunc(ctx, clientID)
}

// ValidateClientSecret implements storage.ClientStore
func (m *MockClientStore) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	m.countCall("ValidateClientSecret")
	return m.ValidateClientSecretFunc(ctx, clientID, clientSecret)
}

// ListClients implements storage.ClientStore
func (m *MockClientStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.countCall("ListClients")
	return m.ListClientsFunc(ctx)
}

// CheckIPLimit implements storage.ClientStore
func (m *MockClientStore) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	m.countCall("CheckIPLimit")
	return m.CheckIPLimitFunc(ctx, ip, maxClientsPerIP)
}

func (m *MockClientStore) countCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// ResetCallCounts resets all call counts
func (m *MockClientStore) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}

// MockCodeStore is a mock implementation of storage.CodeStore for testing
type MockCodeStore struct {
	mu    sync.Mutex
	codes map[string]*storage.AuthorizationCode

	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc     func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	ConsumeAuthorizationCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteAuthorizationCodeFunc  func(ctx context.Context, code string) error

	CallCounts map[string]int
}

// NewMockCodeStore creates a new mock authorization code store
func NewMockCodeStore() *MockCodeStore {
	m := &MockCodeStore{
		codes:      make(map[string]*storage.AuthorizationCode),
		CallCounts: make(map[string]int),
	}

	m.SaveAuthorizationCodeFunc = func(_ context.Context, code *storage.AuthorizationCode) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.codes[code.Code] = code
		return nil
	}

	m.GetAuthorizationCodeFunc = func(_ context.Context, code string) (*storage.AuthorizationCode, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		record, ok := m.codes[code]
		if !ok {
			return nil, storage.ErrCodeNotFound
		}
		return record, nil
	}

	// Single critical section: concurrent exchanges of one code have at
	// most one winner, matching the real stores.
	m.ConsumeAuthorizationCodeFunc = func(_ context.Context, code string) (*storage.AuthorizationCode, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		record, ok := m.codes[code]
		if !ok {
			return nil, storage.ErrCodeNotFound
		}
		if time.Now().After(record.ExpiresAt) {
			delete(m.codes, code)
			return nil, storage.ErrCodeNotFound
		}
		if record.Used {
			return record, storage.ErrCodeAlreadyUsed
		}
		record.Used = true
		return record, nil
	}

	m.DeleteAuthorizationCodeFunc = func(_ context.Context, code string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.codes, code)
		return nil
	}

	return m
}

// SaveAuthorizationCode implements storage.CodeStore
func (m *MockCodeStore) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.countCall("SaveAuthorizationCode")
	return m.SaveAuthorizationCodeFunc(ctx, code)
}

// GetAuthorizationCode implements storage.CodeStore
func (m *MockCodeStore) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.countCall("GetAuthorizationCode")
	return m.GetAuthorizationCodeFunc(ctx, code)
}

// ConsumeAuthorizationCode implements storage.CodeStore
func (m *MockCodeStore) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.countCall("ConsumeAuthorizationCode")
	return m.ConsumeAuthorizationCodeFunc(ctx, code)
}

// DeleteAuthorizationCode implements storage.CodeStore
func (m *MockCodeStore) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.countCall("DeleteAuthorizationCode")
	return m.DeleteAuthorizationCodeFunc(ctx, code)
}

func (m *MockCodeStore) countCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// ResetCallCounts resets all call counts
func (m *MockCodeStore) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}

// MockTokenStore is a mock implementation of storage.TokenStore for testing
type MockTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]*storage.AccessToken

	SaveAccessTokenFunc   func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc    func(ctx context.Context, token string) (*storage.AccessToken, error)
	RevokeAccessTokenFunc func(ctx context.Context, token string) error

	CallCounts map[string]int
}

// NewMockTokenStore creates a new mock token store
func NewMockTokenStore() *MockTokenStore {
	m := &MockTokenStore{
		tokens:     make(map[string]*storage.AccessToken),
		CallCounts: make(map[string]int),
	}

	m.SaveAccessTokenFunc = func(_ context.Context, token *storage.AccessToken) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.tokens[token.Token] = token
		return nil
	}

	m.GetAccessTokenFunc = func(_ context.Context, token string) (*storage.AccessToken, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		record, ok := m.tokens[token]
		if !ok {
			return nil, storage.ErrTokenNotFound
		}
		if time.Now().After(record.ExpiresAt) {
			return nil, storage.ErrTokenNotFound
		}
		return record, nil
	}

	m.RevokeAccessTokenFunc = func(_ context.Context, token string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.tokens, token)
		return nil
	}

	return m
}

// SaveAccessToken implements storage.TokenStore
func (m *MockTokenStore) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.countCall("SaveAccessToken")
	return m.SaveAccessTokenFunc(ctx, token)
}

// GetAccessToken implements storage.TokenStore
func (m *MockTokenStore) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	m.countCall("GetAccessToken")
	return m.GetAccessTokenFunc(ctx, token)
}

// RevokeAccessToken implements storage.TokenStore
func (m *MockTokenStore) RevokeAccessToken(ctx context.Context, token string) error {
	m.countCall("RevokeAccessToken")
	return m.RevokeAccessTokenFunc(ctx, token)
}

func (m *MockTokenStore) countCall(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// ResetCallCounts resets all call counts
func (m *MockTokenStore) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}
