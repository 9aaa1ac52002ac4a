// Package store is the durable key/value layer described in the
// provisioning orchestrator's state model: a {vmid -> lifecycle
// record} table and a {group -> desired_size} table, backed by an
// embedded single-file SQLite database so the provider survives a
// restart without an external dependency. Every method is a single
// atomic statement; the orchestrator's single-writer-per-group
// discipline is what gives the rest of the system read-your-writes,
// not locking inside this package.
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/beskarops/proxmox-ca-provider/internal/core"
)

// Store is a SQLite-backed implementation of the state store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and
// returns a Store. Call Init before any other method.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite + our single-writer discipline: one connection avoids lock contention entirely.
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive, for use as a
// readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const createVMState = `
CREATE TABLE IF NOT EXISTS vm_state (
	vmid INTEGER PRIMARY KEY,
	group_id TEXT NOT NULL,
	vm_name TEXT NOT NULL,
	state TEXT NOT NULL,
	pending_since INTEGER,
	updated_at INTEGER NOT NULL,
	last_error TEXT
)`

const createGroupSize = `
CREATE TABLE IF NOT EXISTS group_size (
	group_id TEXT PRIMARY KEY,
	desired_size INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`

const createGroupIndex = `CREATE INDEX IF NOT EXISTS idx_vm_state_group ON vm_state(group_id)`

// Init creates the schema if absent and applies additive migrations —
// it is safe to call against an existing database that predates the
// cleanup_storage/cleanup_volume columns.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range []string{createVMState, createGroupSize, createGroupIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return s.migrateAdditiveColumns(ctx)
}

// migrateAdditiveColumns adds cleanup_storage/cleanup_volume to
// vm_state if a prior schema version lacks them. Existing rows get
// NULL, which is exactly the "not yet captured" state those columns
// represent.
func (s *Store) migrateAdditiveColumns(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(vm_state)`)
	if err != nil {
		return fmt.Errorf("inspect vm_state schema: %w", err)
	}
	have := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, colType string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return fmt.Errorf("scan table_info row: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, col := range []string{"cleanup_storage", "cleanup_volume"} {
		if have[col] {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE vm_state ADD COLUMN %s TEXT`, col)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
	}
	return nil
}

// UpsertVMState atomically inserts or replaces the record for
// rec.VMID, stamping updated_at with now.
func (s *Store) UpsertVMState(ctx context.Context, rec core.VmStateRecord) error {
	now := core.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vm_state (vmid, group_id, vm_name, state, pending_since, updated_at, last_error, cleanup_storage, cleanup_volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(vmid) DO UPDATE SET
			group_id = excluded.group_id,
			vm_name = excluded.vm_name,
			state = excluded.state,
			pending_since = excluded.pending_since,
			updated_at = excluded.updated_at,
			last_error = excluded.last_error,
			cleanup_storage = excluded.cleanup_storage,
			cleanup_volume = excluded.cleanup_volume
	`, rec.VMID, rec.GroupID, rec.VMName, string(rec.State), rec.PendingSince, now, rec.LastError, rec.CleanupStorage, rec.CleanupVolume)
	if err != nil {
		return fmt.Errorf("upsert vm_state %d: %w", rec.VMID, err)
	}
	return nil
}

// GetVMState returns the persisted record for vmid, or nil if absent.
func (s *Store) GetVMState(ctx context.Context, vmid int) (*core.VmStateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT vmid, group_id, vm_name, state, pending_since, updated_at, last_error, cleanup_storage, cleanup_volume
		FROM vm_state WHERE vmid = ?`, vmid)
	rec, err := scanVMState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vm_state %d: %w", vmid, err)
	}
	return rec, nil
}

// ListGroupVMStates returns every persisted record for groupID,
// ordered by vmid ascending.
func (s *Store) ListGroupVMStates(ctx context.Context, groupID string) ([]core.VmStateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT vmid, group_id, vm_name, state, pending_since, updated_at, last_error, cleanup_storage, cleanup_volume
		FROM vm_state WHERE group_id = ? ORDER BY vmid ASC`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list vm_state for group %s: %w", groupID, err)
	}
	defer rows.Close()

	var out []core.VmStateRecord
	for rows.Next() {
		rec, err := scanVMState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm_state row: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// DeleteVMState removes the record for vmid. Deleting an absent row is
// not an error.
func (s *Store) DeleteVMState(ctx context.Context, vmid int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM vm_state WHERE vmid = ?`, vmid); err != nil {
		return fmt.Errorf("delete vm_state %d: %w", vmid, err)
	}
	return nil
}

// CountGroupVMStates counts records for groupID whose state is in states.
func (s *Store) CountGroupVMStates(ctx context.Context, groupID string, states []core.State) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(states))
	args := make([]interface{}, 0, len(states)+1)
	args = append(args, groupID)
	for i, st := range states {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	query := fmt.Sprintf(`SELECT COUNT(*) FROM vm_state WHERE group_id = ? AND state IN (%s)`, joinPlaceholders(placeholders))
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count vm_state for group %s: %w", groupID, err)
	}
	return n, nil
}

// GetDesiredSize returns the persisted desired size for groupID and
// whether a record existed.
func (s *Store) GetDesiredSize(ctx context.Context, groupID string) (int, bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT desired_size FROM group_size WHERE group_id = ?`, groupID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get desired size for group %s: %w", groupID, err)
	}
	return n, true, nil
}

// SetDesiredSize unconditionally upserts the desired size for groupID.
func (s *Store) SetDesiredSize(ctx context.Context, groupID string, n int) error {
	now := core.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_size (group_id, desired_size, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO UPDATE SET desired_size = excluded.desired_size, updated_at = excluded.updated_at
	`, groupID, n, now)
	if err != nil {
		return fmt.Errorf("set desired size for group %s: %w", groupID, err)
	}
	return nil
}

// SetDesiredSizeIfMissing inserts (groupID, n) only if no row yet
// exists; it never overwrites an existing value.
func (s *Store) SetDesiredSizeIfMissing(ctx context.Context, groupID string, n int) error {
	now := core.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_size (group_id, desired_size, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(group_id) DO NOTHING
	`, groupID, n, now)
	if err != nil {
		return fmt.Errorf("initialize desired size for group %s: %w", groupID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVMState(row rowScanner) (*core.VmStateRecord, error) {
	var rec core.VmStateRecord
	var state string
	if err := row.Scan(
		&rec.VMID, &rec.GroupID, &rec.VMName, &state,
		&rec.PendingSince, &rec.UpdatedAt, &rec.LastError,
		&rec.CleanupStorage, &rec.CleanupVolume,
	); err != nil {
		return nil, err
	}
	rec.State = core.State(state)
	return &rec, nil
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}
