package sessionstore

import (
	"context"
	"sync"
)

type recordKey struct {
	tenantID    int64
	sessionName string
}

// InMemoryStore is a dev-only fallback when DB is not configured.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[recordKey]Record
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[recordKey]Record)}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Ensure creates a disconnected record if missing.
func (s *InMemoryStore) Ensure(ctx context.Context, tenantID int64, sessionName string) error {
	if !validRecordKey(tenantID, sessionName) {
		return ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{tenantID, sessionName}
	if _, ok := s.records[k]; !ok {
		s.records[k] = Record{TenantID: tenantID, SessionName: sessionName}
	}
	return nil
}

// Upsert replaces the record for (tenant, session).
func (s *InMemoryStore) Upsert(ctx context.Context, rec Record) error {
	if !validRecordKey(rec.TenantID, rec.SessionName) {
		return ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey{rec.TenantID, rec.SessionName}
	next := cloneRecord(rec)
	if next.LastConnection == nil {
		next.LastConnection = s.records[k].LastConnection
	}
	s.records[k] = next
	return nil
}

// Get returns a copy of the stored record.
func (s *InMemoryStore) Get(ctx context.Context, tenantID int64, sessionName string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	rec, ok := s.records[recordKey{tenantID, sessionName}]
	s.mu.Unlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func cloneRecord(r Record) Record {
	out := r
	if r.LastConnection != nil {
		t := *r.LastConnection
		out.LastConnection = &t
	}
	if r.Number != nil {
		n := *r.Number
		out.Number = &n
	}
	if r.PairingCode != nil {
		c := *r.PairingCode
		out.PairingCode = &c
	}
	return out
}
