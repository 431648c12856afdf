package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

// SQLiteLocation stores records in a SQLite table whose primary key is the
// sequence number.
type SQLiteLocation struct {
	dsn string
	db  *sql.DB
}

// NewSQLiteLocation opens/creates a SQLite DB and ensures schema + PRAGMAs.
func NewSQLiteLocation(dsn string) (*SQLiteLocation, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS backups (
  seq         INTEGER PRIMARY KEY,
  created_at  INTEGER NOT NULL,
  hash        BLOB    NOT NULL,
  ciphertext  BLOB    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteLocation{dsn: dsn, db: db}, nil
}

func (s *SQLiteLocation) ID() string { return "sqlite:" + s.dsn }

func (s *SQLiteLocation) Write(ctx context.Context, r *Record) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO backups(seq, created_at, hash, ciphertext) VALUES(?, ?, ?, ?) ON CONFLICT(seq) DO NOTHING`,
		int64(r.Seq), r.CreatedAt.UnixNano(), r.ContentHash, r.Ciphertext)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (s *SQLiteLocation) Read(ctx context.Context, seq uint64) (*Record, error) {
	var createdAt int64
	r := &Record{Seq: seq, Location: s.ID()}
	err := s.db.QueryRowContext(ctx, `SELECT created_at, hash, ciphertext FROM backups WHERE seq = ?`, int64(seq)).
		Scan(&createdAt, &r.ContentHash, &r.Ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	r.CreatedAt = timeFromNanos(createdAt)
	return r, nil
}

func (s *SQLiteLocation) List(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq FROM backups ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var seqs []uint64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, uint64(seq))
	}
	return seqs, rows.Err()
}

func (s *SQLiteLocation) Close() error {
	return s.db.Close()
}
