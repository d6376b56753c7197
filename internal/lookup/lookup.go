// Package lookup serves localized code tables from a SQL database. Labels
// are chosen by the locale of the ambient run context, falling back to the
// base language and then to the language-neutral row.
package lookup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/sessionjobs/internal/runctx"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/text/language"
)

// ErrNotFound is returned by ByKey when no row exists for the key.
var ErrNotFound = errors.New("lookup row not found")

// Row is one localized entry of a code table.
type Row struct {
	Key  string `json:"key"`
	Text string `json:"text"`
}

// Service reads and writes lookup rows.
type Service struct {
	db *sql.DB
}

// Open connects to the sqlite database at dsn and creates the schema.
func Open(ctx context.Context, dsn string) (*Service, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open lookup database: %w", err)
	}
	// every connection to :memory: is a separate database
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	s := &Service{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Service) Close() error {
	return s.db.Close()
}

func (s *Service) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS lookup_rows (
		tbl  TEXT NOT NULL,
		key  TEXT NOT NULL,
		lang TEXT NOT NULL,
		text TEXT NOT NULL,
		PRIMARY KEY (tbl, key, lang)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create lookup schema: %w", err)
	}
	return nil
}

// Put stores the label of key in table for lang. language.Und marks the
// fallback label.
func (s *Service) Put(ctx context.Context, table, key string, lang language.Tag, text string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lookup_rows (tbl, key, lang, text) VALUES (?, ?, ?, ?)
		ON CONFLICT (tbl, key, lang) DO UPDATE SET text = excluded.text
	`, table, key, lang.String(), text)
	return err
}

// ByKey returns the row of key in the caller's locale.
func (s *Service) ByKey(ctx context.Context, table, key string) (Row, error) {
	rows, err := s.query(ctx, table, "key = ?", key, 1)
	if err != nil {
		return Row{}, err
	}
	if len(rows) == 0 {
		return Row{}, fmt.Errorf("%w: %s/%s", ErrNotFound, table, key)
	}
	return rows[0], nil
}

// ByText returns rows whose localized label matches pattern, where '*'
// matches any run of characters. maxRows <= 0 means no limit.
func (s *Service) ByText(ctx context.Context, table, pattern string, maxRows int) ([]Row, error) {
	like := strings.ReplaceAll(pattern, "*", "%")
	return s.query(ctx, table, "text LIKE ?", like, maxRows)
}

// All returns every row of table in the caller's locale.
func (s *Service) All(ctx context.Context, table string, maxRows int) ([]Row, error) {
	return s.query(ctx, table, "1 = ?", 1, maxRows)
}

// query picks one label per key, preferring the exact locale, then its base
// language, then the neutral row, and applies cond to the chosen labels.
func (s *Service) query(ctx context.Context, table, cond string, arg any, maxRows int) ([]Row, error) {
	exact, base := candidates(ctx)

	q := `
	SELECT key, text FROM (
		SELECT key, text, ROW_NUMBER() OVER (
			PARTITION BY key
			ORDER BY CASE lang WHEN ? THEN 0 WHEN ? THEN 1 ELSE 2 END
		) AS rk
		FROM lookup_rows
		WHERE tbl = ? AND lang IN (?, ?, 'und')
	)
	WHERE rk = 1 AND ` + cond + `
	ORDER BY text, key`
	args := []any{exact, base, table, exact, base, arg}
	if maxRows > 0 {
		q += ` LIMIT ?`
		args = append(args, maxRows)
	}

	rs, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup query on %s failed: %w", table, err)
	}
	defer rs.Close()

	var out []Row
	for rs.Next() {
		var r Row
		if err := rs.Scan(&r.Key, &r.Text); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rs.Err()
}

func candidates(ctx context.Context) (exact, base string) {
	tag := language.Und
	if rc := runctx.Current(ctx); rc != nil {
		tag = rc.Locale()
	}
	b, _ := tag.Base()
	return tag.String(), b.String()
}
