package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the inventory persistence operations.
type Repository interface {
	UpsertModule(ctx context.Context, gateway, address, serial, firmware string, seen time.Time) error
	GetModule(ctx context.Context, gateway, address string) (*Module, error)
	ListModules(ctx context.Context) ([]Module, error)
	ListModulesByGateway(ctx context.Context, gateway string) ([]Module, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed inventory repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// UpsertModule records a serial number reply. first_seen is set on the
// first insert only; later replies update serial, firmware and last_seen.
func (r *SQLiteRepository) UpsertModule(ctx context.Context, gateway, address, serial, firmware string, seen time.Time) error {
	if gateway == "" || address == "" {
		return ErrInvalidModule
	}

	ts := seen.UTC().Format(time.RFC3339)
	const query = `INSERT INTO lcn_modules (gateway, address, serial, firmware, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (gateway, address) DO UPDATE SET
			serial = excluded.serial,
			firmware = excluded.firmware,
			last_seen = excluded.last_seen`
	if _, err := r.db.ExecContext(ctx, query, gateway, address, serial, firmware, ts, ts); err != nil {
		return fmt.Errorf("upserting module %s/%s: %w", gateway, address, err)
	}
	return nil
}

// GetModule returns a single module.
func (r *SQLiteRepository) GetModule(ctx context.Context, gateway, address string) (*Module, error) {
	const query = `SELECT gateway, address, serial, firmware, first_seen, last_seen
		FROM lcn_modules WHERE gateway = ? AND address = ?`
	m, err := scanModule(r.db.QueryRowContext(ctx, query, gateway, address))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrModuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting module %s/%s: %w", gateway, address, err)
	}
	return m, nil
}

// ListModules returns every module ordered by gateway and address.
func (r *SQLiteRepository) ListModules(ctx context.Context) ([]Module, error) {
	const query = `SELECT gateway, address, serial, firmware, first_seen, last_seen
		FROM lcn_modules ORDER BY gateway, address`
	return r.queryModules(ctx, query)
}

// ListModulesByGateway returns the modules seen behind one gateway.
func (r *SQLiteRepository) ListModulesByGateway(ctx context.Context, gateway string) ([]Module, error) {
	const query = `SELECT gateway, address, serial, firmware, first_seen, last_seen
		FROM lcn_modules WHERE gateway = ? ORDER BY address`
	return r.queryModules(ctx, query, gateway)
}

func (r *SQLiteRepository) queryModules(ctx context.Context, query string, args ...any) ([]Module, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying modules: %w", err)
	}
	defer rows.Close()

	var modules []Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning module row: %w", err)
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating module rows: %w", err)
	}
	return modules, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanModule(s scanner) (*Module, error) {
	var m Module
	var firstSeen, lastSeen string
	if err := s.Scan(&m.Gateway, &m.Address, &m.Serial, &m.Firmware, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	m.FirstSeen = parseTime(firstSeen)
	m.LastSeen = parseTime(lastSeen)
	return &m, nil
}

// parseTime parses an RFC 3339 column; malformed values yield the zero time.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
