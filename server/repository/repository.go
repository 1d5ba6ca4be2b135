package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/ponyo877/spectragate/server/domain"
	"github.com/ponyo877/spectragate/server/usecase"
)

const driverName = "sqlite3_spectragate"

var registerOnce sync.Once

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	resolution      TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL,
	connected_at    TIMESTAMP NULL,
	closed_at       TIMESTAMP NULL,
	close_reason    TEXT NULL,
	frames_received INTEGER NOT NULL DEFAULT 0,
	metrics_sent    INTEGER NOT NULL DEFAULT 0
)`

// Open opens the ledger database at path and creates its schema. ":memory:"
// keeps the ledger in process memory.
func Open(path string) (*sql.DB, error) {
	registerOnce.Do(func() {
		sql.Register(driverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				_, err := conn.Exec("PRAGMA busy_timeout = 5000", nil)
				return err
			},
		})
	})
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", path, err)
	}
	// one connection: sqlite serializes writers and ":memory:" is per connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return db, nil
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) usecase.Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateSession(record domain.SessionRecord) error {
	query := "INSERT INTO sessions (id, resolution, created_at) VALUES (?, ?, ?)"
	if _, err := r.db.Exec(query, record.ID, record.Resolution, record.CreatedAt.UTC()); err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("session %s already recorded: %w", record.ID, domain.ErrFailedPrecondition)
		}
		return fmt.Errorf("failed to insert session %s: %w", record.ID, err)
	}
	return nil
}

func (r *Repository) MarkConnected(id string, at time.Time) error {
	query := "UPDATE sessions SET connected_at = ? WHERE id = ?"
	res, err := r.db.Exec(query, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark session %s connected: %w", id, err)
	}
	return expectOne(res, id)
}

func (r *Repository) CloseSession(id, reason string, at time.Time, framesReceived, metricsSent uint64) error {
	query := `
		UPDATE sessions
		SET closed_at = ?, close_reason = ?, frames_received = ?, metrics_sent = ?
		WHERE id = ? AND closed_at IS NULL
	`
	res, err := r.db.Exec(query, at.UTC(), reason, int64(framesReceived), int64(metricsSent), id)
	if err != nil {
		return fmt.Errorf("failed to close session %s: %w", id, err)
	}
	return expectOne(res, id)
}

// ListSessions returns the newest sessions first.
func (r *Repository) ListSessions(limit int) ([]domain.SessionRecord, error) {
	query := `
		SELECT id, resolution, created_at, connected_at, closed_at, close_reason, frames_received, metrics_sent
		FROM sessions ORDER BY created_at DESC, id DESC LIMIT ?
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var results []domain.SessionRecord
	for rows.Next() {
		var rec domain.SessionRecord
		var connectedAt, closedAt sql.NullTime
		var reason sql.NullString
		var frames, metrics int64
		if err := rows.Scan(&rec.ID, &rec.Resolution, &rec.CreatedAt, &connectedAt, &closedAt, &reason, &frames, &metrics); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if connectedAt.Valid {
			rec.ConnectedAt = &connectedAt.Time
		}
		if closedAt.Valid {
			rec.ClosedAt = &closedAt.Time
		}
		rec.CloseReason = reason.String
		rec.FramesReceived = uint64(frames)
		rec.MetricsSent = uint64(metrics)
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over sessions: %w", err)
	}
	return results, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func isConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}
