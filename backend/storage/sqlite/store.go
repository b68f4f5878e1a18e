package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adwski/webrtc-mesh/backend/model"
	"github.com/adwski/webrtc-mesh/backend/storage"
	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

// Store keeps the durable roster and the store-and-forward queue in one
// SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string) (*Store, error) {
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection serializes writers and keeps :memory: a single database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS roster (
			room_id      TEXT NOT NULL,
			member_id    TEXT NOT NULL,
			display_name TEXT DEFAULT '',
			role         TEXT DEFAULT 'guest',
			last_seen    INTEGER NOT NULL,
			PRIMARY KEY (room_id, member_id)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create roster table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS signal_queue (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id    TEXT NOT NULL,
			member_id  TEXT NOT NULL,
			envelope   TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS signal_queue_recipient ON signal_queue (room_id, member_id, id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) FindMember(ctx context.Context, roomID, memberID string) (model.Member, error) {
	var (
		m        = model.Member{ID: memberID}
		role     string
		lastSeen int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name, role, last_seen FROM roster WHERE room_id = ? AND member_id = ?`,
		roomID, memberID,
	).Scan(&m.DisplayName, &role, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Member{}, storage.ErrMemberNotFound
	}
	if err != nil {
		return model.Member{}, fmt.Errorf("find member: %w", err)
	}
	m.Role = model.Role(role)
	m.LastSeen = time.Unix(0, lastSeen)
	return m, nil
}

func (s *Store) InsertMember(ctx context.Context, roomID string, m model.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO roster (room_id, member_id, display_name, role, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, member_id) DO UPDATE SET
			display_name = excluded.display_name,
			role = excluded.role,
			last_seen = excluded.last_seen`,
		roomID, m.ID, m.DisplayName, string(m.Role), s.now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}

func (s *Store) DeleteMember(ctx context.Context, roomID, memberID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM roster WHERE room_id = ? AND member_id = ?`, roomID, memberID,
	); err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}

func (s *Store) ListMembers(ctx context.Context, roomID string) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT member_id, display_name, role, last_seen FROM roster WHERE room_id = ? ORDER BY member_id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var (
			m        model.Member
			role     string
			lastSeen int64
		)
		if err := rows.Scan(&m.ID, &m.DisplayName, &role, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Role = model.Role(role)
		m.LastSeen = time.Unix(0, lastSeen)
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	if len(members) == 0 {
		return nil, storage.ErrRoomNotFound
	}
	return members, nil
}

func (s *Store) Touch(ctx context.Context, roomID, memberID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE roster SET last_seen = ? WHERE room_id = ? AND member_id = ?`,
		s.now().UnixNano(), roomID, memberID,
	)
	if err != nil {
		return fmt.Errorf("touch member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrMemberNotFound
	}
	return nil
}

func (s *Store) Sweep(ctx context.Context, before time.Time) ([]storage.MemberRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM roster WHERE last_seen < ? RETURNING room_id, member_id`,
		before.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("sweep roster: %w", err)
	}
	defer rows.Close()

	var swept []storage.MemberRef
	for rows.Next() {
		var ref storage.MemberRef
		if err := rows.Scan(&ref.RoomID, &ref.MemberID); err != nil {
			return nil, fmt.Errorf("scan swept member: %w", err)
		}
		swept = append(swept, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweep roster: %w", err)
	}
	return swept, nil
}

// Push appends env to the recipient queue, refreshes the queue expiry and
// trims it to the newest limit entries.
func (s *Store) Push(ctx context.Context, roomID, memberID string, env model.Envelope, limit int, ttl time.Duration) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin push: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM signal_queue WHERE room_id = ? AND member_id = ? AND expires_at <= ?`,
		roomID, memberID, now.UnixNano(),
	); err != nil {
		return fmt.Errorf("drop expired queue: %w", err)
	}
	expiresAt := now.Add(ttl).UnixNano()
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO signal_queue (room_id, member_id, envelope, expires_at) VALUES (?, ?, ?, ?)`,
		roomID, memberID, string(b), expiresAt,
	); err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE signal_queue SET expires_at = ? WHERE room_id = ? AND member_id = ?`,
		expiresAt, roomID, memberID,
	); err != nil {
		return fmt.Errorf("refresh queue expiry: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `
		DELETE FROM signal_queue WHERE room_id = ? AND member_id = ? AND id NOT IN (
			SELECT id FROM signal_queue WHERE room_id = ? AND member_id = ? ORDER BY id DESC LIMIT ?
		)`,
		roomID, memberID, roomID, memberID, limit,
	); err != nil {
		return fmt.Errorf("trim queue: %w", err)
	}
	return tx.Commit()
}

// Pop returns and clears the recipient queue in insertion order.
func (s *Store) Pop(ctx context.Context, roomID, memberID string) ([]model.Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin pop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT envelope FROM signal_queue WHERE room_id = ? AND member_id = ? AND expires_at > ? ORDER BY id`,
		roomID, memberID, s.now().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	var envs []model.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		var env model.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		envs = append(envs, env)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("read queue: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM signal_queue WHERE room_id = ? AND member_id = ?`, roomID, memberID,
	); err != nil {
		return nil, fmt.Errorf("clear queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pop: %w", err)
	}
	return envs, nil
}

// SweepQueues removes expired queue entries.
func (s *Store) SweepQueues(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM signal_queue WHERE expires_at <= ?`, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep queues: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
