package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"portalgate/internal/domain"
	"portalgate/internal/repository"
)

// Repository implements repository.Repository using SQLite
type Repository struct {
	db *sql.DB
}

var _ repository.Repository = (*Repository)(nil)

// New opens (creating if needed) the database at dbPath and migrates it.
// ":memory:" gives a private in-memory database.
func New(dbPath string) (*Repository, error) {
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	repo := &Repository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return repo, nil
}

func (r *Repository) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS equipment (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT,
		ip_address TEXT,
		data JSON NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		equipment_id TEXT NOT NULL,
		equipment_type TEXT NOT NULL,
		user_id TEXT NOT NULL,
		mac TEXT,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		data JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_equipment_type ON equipment(type);
	CREATE INDEX IF NOT EXISTS idx_sessions_equipment ON sessions(equipment_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_ended ON sessions(ended_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// ListEquipment returns the inventory ordered by id
func (r *Repository) ListEquipment(ctx context.Context) ([]domain.EquipmentDescriptor, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, name, ip_address, data FROM equipment ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query equipment: %w", err)
	}
	defer rows.Close()

	var out []domain.EquipmentDescriptor
	for rows.Next() {
		var row equipmentRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan equipment: %w", err)
		}
		desc, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, desc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating equipment: %w", err)
	}
	return out, nil
}

// GetEquipment returns one descriptor or repository.ErrNotFound
func (r *Repository) GetEquipment(ctx context.Context, id string) (*domain.EquipmentDescriptor, error) {
	var row equipmentRow
	err := r.db.QueryRowContext(ctx, `
		SELECT id, type, name, ip_address, data FROM equipment WHERE id = ?
	`, id).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("equipment %s: %w", id, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get equipment: %w", err)
	}
	desc, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

// UpsertEquipment inserts or replaces a descriptor. Invalid descriptors are
// rejected before they reach the database.
func (r *Repository) UpsertEquipment(ctx context.Context, desc domain.EquipmentDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	args, err := equipmentInsertArgs(desc)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO equipment (id, type, name, ip_address, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			ip_address = excluded.ip_address,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to upsert equipment: %w", err)
	}
	return nil
}

// DeleteEquipment removes a descriptor. Its ledger entries are kept.
func (r *Repository) DeleteEquipment(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM equipment WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete equipment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete equipment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("equipment %s: %w", id, repository.ErrNotFound)
	}
	return nil
}

// RecordSession inserts a session or updates it in place
func (r *Repository) RecordSession(ctx context.Context, s domain.Session) error {
	if s.SessionID == "" {
		return errors.New("session id is required")
	}
	args, err := sessionInsertArgs(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, equipment_id, equipment_type, user_id, mac, status, started_at, ended_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			mac = excluded.mac,
			ended_at = excluded.ended_at,
			data = excluded.data
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	return nil
}

// GetSession returns one ledger entry or repository.ErrNotFound
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	var row sessionRow
	err := r.db.QueryRowContext(ctx, `
		SELECT session_id, status, ended_at, data FROM sessions WHERE session_id = ?
	`, sessionID).Scan(row.scanArgs()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, repository.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns matching ledger entries, newest first
func (r *Repository) ListSessions(ctx context.Context, filter repository.SessionFilter) ([]domain.Session, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.EquipmentID != "" {
		where = append(where, "equipment_id = ?")
		args = append(args, filter.EquipmentID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT session_id, status, ended_at, data FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, session_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

// PruneSessions deletes terminal sessions that ended before cutoff
func (r *Repository) PruneSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?
	`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// equipmentRow mirrors the equipment table
type equipmentRow struct {
	id        string
	eqType    string
	name      sql.NullString
	ipAddress sql.NullString
	data      []byte
}

func (r *equipmentRow) scanArgs() []interface{} {
	return []interface{}{&r.id, &r.eqType, &r.name, &r.ipAddress, &r.data}
}

func (r *equipmentRow) toDomain() (domain.EquipmentDescriptor, error) {
	var desc domain.EquipmentDescriptor
	if err := json.Unmarshal(r.data, &desc); err != nil {
		return desc, fmt.Errorf("failed to unmarshal equipment %s: %w", r.id, err)
	}
	// indexed columns are the source of truth
	desc.ID = r.id
	desc.Type = domain.EquipmentType(r.eqType)
	desc.Name = nullToString(r.name)
	desc.IPAddress = nullToString(r.ipAddress)
	return desc, nil
}

func equipmentInsertArgs(desc domain.EquipmentDescriptor) ([]interface{}, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal equipment %s: %w", desc.ID, err)
	}
	return []interface{}{
		desc.ID,
		string(desc.Type),
		stringToNull(desc.Name),
		stringToNull(desc.IPAddress),
		string(data),
	}, nil
}

// sessionRow mirrors the columns read back from the ledger
type sessionRow struct {
	sessionID string
	status    string
	endedAt   sql.NullInt64
	data      []byte
}

func (r *sessionRow) scanArgs() []interface{} {
	return []interface{}{&r.sessionID, &r.status, &r.endedAt, &r.data}
}

func (r *sessionRow) toDomain() (domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(r.data, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal session %s: %w", r.sessionID, err)
	}
	s.SessionID = r.sessionID
	s.Status = domain.SessionStatus(r.status)
	s.EndTime = millisToTimePtr(r.endedAt)
	return s, nil
}

func sessionInsertArgs(s domain.Session) ([]interface{}, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session %s: %w", s.SessionID, err)
	}
	return []interface{}{
		s.SessionID,
		s.EquipmentID,
		string(s.EquipmentType),
		s.UserID,
		stringToNull(domain.NormalizeMAC(s.MAC)),
		string(s.Status),
		s.StartTime.UnixMilli(),
		timePtrToMillis(s.EndTime),
		string(data),
	}, nil
}
