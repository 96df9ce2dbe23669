// Package persistence provides storage interfaces for the message journal:
// every JSON-RPC message a session receives or sends, plus a summary
// written when the session closes.
package persistence

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

// Direction says which way a journaled message travelled.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Record is one journaled message.
type Record struct {
	ID        int64           `json:"id"`
	Direction Direction       `json:"direction"`
	Kind      string          `json:"kind"`
	Method    string          `json:"method,omitzero"`
	RequestID string          `json:"request_id,omitzero"`
	EventID   uint64          `json:"event_id,omitzero"` // zero unless sent over SSE
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// SessionSummary describes a session once it has closed.
type SessionSummary struct {
	ClientName      string    `json:"client_name,omitzero"`
	ClientVersion   string    `json:"client_version,omitzero"`
	ProtocolVersion string    `json:"protocol_version,omitzero"`
	Calls           int       `json:"calls"`
	Errors          int       `json:"errors"`
	Events          uint64    `json:"events"`
	CreatedAt       time.Time `json:"created_at"`
	ClosedAt        time.Time `json:"closed_at,omitzero"`
}

// Store defines the interface for persisting the journal.
type Store interface {
	// AddRecord appends a record to a session's journal and returns its ID.
	AddRecord(ctx context.Context, sessionID string, record Record) (int64, error)

	// GetAllRecords retrieves a session's records in the order they were added.
	GetAllRecords(ctx context.Context, sessionID string) ([]Record, error)

	// SaveSummary persists the summary of a session.
	SaveSummary(ctx context.Context, sessionID string, summary SessionSummary) error

	// LoadSummary retrieves a saved summary; unknown sessions yield the zero value.
	LoadSummary(ctx context.Context, sessionID string) (SessionSummary, error)

	// ListSessions returns all session IDs in the store, sorted.
	ListSessions(ctx context.Context) ([]string, error)

	// DeleteSession removes all data for a session.
	DeleteSession(ctx context.Context, sessionID string) error

	// Close closes the store and releases resources.
	Close() error
}

// sessionData holds data for a single session
type sessionData struct {
	records []Record
	nextID  int64
	summary SessionSummary
}

// MemoryStore provides an in-memory implementation of Store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*sessionData
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*sessionData),
	}
}

// AddRecord adds a new record to the in-memory store and returns its assigned ID.
func (m *MemoryStore) AddRecord(_ context.Context, sessionID string, record Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.getOrCreateSessionLocked(sessionID)
	record.ID = sess.nextID
	sess.nextID++
	sess.records = append(sess.records, record)
	return record.ID, nil
}

// getOrCreateSessionLocked gets or creates a session (mutex must be held)
func (m *MemoryStore) getOrCreateSessionLocked(sessionID string) *sessionData {
	if sess, ok := m.sessions[sessionID]; ok {
		return sess
	}
	sess := &sessionData{nextID: 1}
	m.sessions[sessionID] = sess
	return sess
}

// GetAllRecords returns a copy of all records for the session.
func (m *MemoryStore) GetAllRecords(_ context.Context, sessionID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(sess.records), nil
}

func (m *MemoryStore) SaveSummary(_ context.Context, sessionID string, summary SessionSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getOrCreateSessionLocked(sessionID).summary = summary
	return nil
}

func (m *MemoryStore) LoadSummary(_ context.Context, sessionID string) (SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[sessionID]; ok {
		return sess.summary, nil
	}
	return SessionSummary{}, nil
}

// ListSessions returns all session IDs in the store.
func (m *MemoryStore) ListSessions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		sessions = append(sessions, id)
	}
	slices.Sort(sessions)
	return sessions, nil
}

// DeleteSession removes all data for a session.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, sessionID)
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
