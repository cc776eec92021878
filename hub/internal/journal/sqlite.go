package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite is the default journal backend, suitable for single-node
// deployments.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite journal at path. An empty path
// or ":memory:" yields a shared in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	if path == "" || path == ":memory:" {
		path = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	// modernc's driver serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent appends.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	j := &SQLite{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *SQLite) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS frames (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	uid        TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	data       BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_frames_uid_seq ON frames(uid, seq);
CREATE INDEX IF NOT EXISTS idx_frames_created_at ON frames(created_at);
`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (j *SQLite) Append(ctx context.Context, uid string, data []byte) (int64, error) {
	var seq int64
	err := j.db.QueryRowContext(ctx, `
		INSERT INTO frames (uid, seq, data, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM frames WHERE uid = ?), ?, ?)
		RETURNING seq`,
		uid, uid, data, time.Now().UTC(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append frame: %w", err)
	}
	return seq, nil
}

func (j *SQLite) List(ctx context.Context, uid string, afterSeq int64, limit int) ([]Frame, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, uid, seq, data, created_at
		FROM frames
		WHERE uid = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?`,
		uid, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()
	return scanFrames(rows)
}

func (j *SQLite) CountByUID(ctx context.Context) (map[string]int64, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT uid, COUNT(*) FROM frames GROUP BY uid`)
	if err != nil {
		return nil, fmt.Errorf("count frames: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var uid string
		var n int64
		if err := rows.Scan(&uid, &n); err != nil {
			return nil, fmt.Errorf("scan frame count: %w", err)
		}
		counts[uid] = n
	}
	return counts, rows.Err()
}

func (j *SQLite) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM frames WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge frames: %w", err)
	}
	return res.RowsAffected()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

func scanFrames(rows *sql.Rows) ([]Frame, error) {
	var frames []Frame
	for rows.Next() {
		var f Frame
		if err := rows.Scan(&f.ID, &f.UID, &f.Seq, &f.Data, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}
