// Package sessionstore persists the per-tenant session record kept in the business database.
package sessionstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a tenant session.
var ErrNotFound = errors.New("session record not found")

// ErrInvalidRecord is returned when a record lacks a tenant id or session name.
var ErrInvalidRecord = errors.New("sessionstore: tenant id and session name are required")

// Record mirrors one instancias_whatsapp row.
type Record struct {
	TenantID       int64
	SessionName    string
	Connected      bool
	LastConnection *time.Time
	Number         *string
	PairingCode    *string
}

// Store reads and upserts session records.
//
// Requirements:
//   - Ensure creates a disconnected record when none exists and never overwrites one
//   - Upsert is keyed by (tenant_id, session_name); a nil LastConnection keeps the stored one
type Store interface {
	Ensure(ctx context.Context, tenantID int64, sessionName string) error
	Upsert(ctx context.Context, rec Record) error
	Get(ctx context.Context, tenantID int64, sessionName string) (Record, error)
	Close() error
}

func validRecordKey(tenantID int64, sessionName string) bool {
	return tenantID > 0 && sessionName != ""
}
