package sessionstore

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordsTable = "instancias_whatsapp"

// PostgresStore is a Store backed by the business PostgreSQL database.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "public").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("sessionstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("sessionstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "public",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("sessionstore: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ensure inserts a disconnected record unless one already exists.
func (s *PostgresStore) Ensure(ctx context.Context, tenantID int64, sessionName string) error {
	if s == nil || s.pool == nil {
		return errors.New("sessionstore: nil store")
	}
	if !validRecordKey(tenantID, sessionName) {
		return ErrInvalidRecord
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, recordsTable)+` (empresa_id, nombre_sesion, conectado)
		 VALUES ($1, $2, false)
		 ON CONFLICT (empresa_id, nombre_sesion) DO NOTHING`,
		tenantID, sessionName,
	)
	return err
}

// Upsert writes the full record for (tenant, session).
func (s *PostgresStore) Upsert(ctx context.Context, rec Record) error {
	if s == nil || s.pool == nil {
		return errors.New("sessionstore: nil store")
	}
	if !validRecordKey(rec.TenantID, rec.SessionName) {
		return ErrInvalidRecord
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, recordsTable)+` (
		     empresa_id, nombre_sesion, conectado, ultima_conexion, numero_telefono, codigo_qr
		   ) VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (empresa_id, nombre_sesion) DO UPDATE
		    SET conectado       = EXCLUDED.conectado,
		        ultima_conexion = COALESCE(EXCLUDED.ultima_conexion, `+recordsTable+`.ultima_conexion),
		        numero_telefono = EXCLUDED.numero_telefono,
		        codigo_qr       = EXCLUDED.codigo_qr`,
		rec.TenantID, rec.SessionName, rec.Connected, rec.LastConnection, rec.Number, rec.PairingCode,
	)
	return err
}

// Get loads the record for (tenant, session).
func (s *PostgresStore) Get(ctx context.Context, tenantID int64, sessionName string) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, errors.New("sessionstore: nil store")
	}

	rec := Record{TenantID: tenantID, SessionName: sessionName}
	err := s.pool.QueryRow(ctx,
		`SELECT conectado, ultima_conexion, numero_telefono, codigo_qr
		   FROM `+pgIdent(s.schema, recordsTable)+`
		  WHERE empresa_id = $1 AND nombre_sesion = $2`,
		tenantID, sessionName,
	).Scan(&rec.Connected, &rec.LastConnection, &rec.Number, &rec.PairingCode)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
