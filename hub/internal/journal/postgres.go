package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres backs the journal with PostgreSQL for multi-node hub
// deployments.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to the database named by dsn and runs
// migrations.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres journal: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	j := &Postgres{db: db}
	if err := j.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Postgres) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS frames (
	id         BIGSERIAL PRIMARY KEY,
	uid        TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	data       BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_frames_uid_seq ON frames(uid, seq);
CREATE INDEX IF NOT EXISTS idx_frames_created_at ON frames(created_at);
`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

func (j *Postgres) Append(ctx context.Context, uid string, data []byte) (int64, error) {
	var seq int64
	err := j.db.QueryRowContext(ctx, `
		INSERT INTO frames (uid, seq, data, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM frames WHERE uid = $1), $2, now())
		RETURNING seq`,
		uid, data,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append frame: %w", err)
	}
	return seq, nil
}

func (j *Postgres) List(ctx context.Context, uid string, afterSeq int64, limit int) ([]Frame, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, uid, seq, data, created_at
		FROM frames
		WHERE uid = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`,
		uid, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()
	return scanFrames(rows)
}

func (j *Postgres) CountByUID(ctx context.Context) (map[string]int64, error) {
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

func (j *Postgres) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM frames WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge frames: %w", err)
	}
	return res.RowsAffected()
}

func (j *Postgres) Close() error {
	return j.db.Close()
}
