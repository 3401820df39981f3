// Package catalog is the relational store of processed issues, backed by
// SQLite.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/ivanvanderbyl/magreflow"
)

// Store implements magreflow.Catalog on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations. Use
// ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create database directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if path == ":memory:" {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrap(err, p)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	return s, nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS issues (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    slug             TEXT NOT NULL UNIQUE,
    issue_number     TEXT NOT NULL,
    publication_date TEXT NOT NULL,
    mode             TEXT NOT NULL,
    status           TEXT NOT NULL,
    content_url      TEXT NOT NULL,
    page_count       INTEGER NOT NULL DEFAULT 0,
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    issue_slug  TEXT NOT NULL REFERENCES issues(slug) ON DELETE CASCADE,
    page_number INTEGER NOT NULL,
    image_url   TEXT NOT NULL DEFAULT '',
    width       INTEGER NOT NULL DEFAULT 0,
    height      INTEGER NOT NULL DEFAULT 0,
    updated_at  TEXT NOT NULL,
    UNIQUE (issue_slug, page_number)
);

CREATE INDEX IF NOT EXISTS idx_pages_issue ON pages(issue_slug);
`
	_, err := s.db.Exec(ddl)
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// UpsertIssue inserts the issue or replaces the row with the same slug. The
// returned record carries the row id.
func (s *Store) UpsertIssue(ctx context.Context, rec magreflow.IssueRecord) (magreflow.IssueRecord, error) {
	if rec.Slug == "" {
		return rec, errors.New("issue slug is required")
	}
	ts := now()
	err := s.db.QueryRowContext(ctx, `
INSERT INTO issues (slug, issue_number, publication_date, mode, status, content_url, page_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slug) DO UPDATE SET
    issue_number     = excluded.issue_number,
    publication_date = excluded.publication_date,
    mode             = excluded.mode,
    status           = excluded.status,
    content_url      = excluded.content_url,
    page_count       = excluded.page_count,
    updated_at       = excluded.updated_at
RETURNING id`,
		rec.Slug, rec.IssueNumber, rec.PublicationDate, string(rec.Mode), rec.Status,
		rec.ContentURL, rec.PageCount, ts, ts,
	).Scan(&rec.ID)
	if err != nil {
		return rec, errors.Wrapf(err, "upsert issue %s", rec.Slug)
	}
	return rec, nil
}

// UpsertPage inserts the page or replaces the row with the same issue slug
// and page number. The issue row must exist.
func (s *Store) UpsertPage(ctx context.Context, rec magreflow.PageRecord) (magreflow.PageRecord, error) {
	if rec.IssueSlug == "" || rec.PageNumber < 1 {
		return rec, errors.Errorf("invalid page key (%q, %d)", rec.IssueSlug, rec.PageNumber)
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO pages (issue_slug, page_number, image_url, width, height, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(issue_slug, page_number) DO UPDATE SET
    image_url  = excluded.image_url,
    width      = excluded.width,
    height     = excluded.height,
    updated_at = excluded.updated_at
RETURNING id`,
		rec.IssueSlug, rec.PageNumber, rec.ImageURL, rec.Width, rec.Height, now(),
	).Scan(&rec.ID)
	if err != nil {
		return rec, errors.Wrapf(err, "upsert page %s/%d", rec.IssueSlug, rec.PageNumber)
	}
	return rec, nil
}

// Issue returns the issue row with the given slug, or sql.ErrNoRows.
func (s *Store) Issue(ctx context.Context, slug string) (magreflow.IssueRecord, error) {
	var rec magreflow.IssueRecord
	var mode string
	err := s.db.QueryRowContext(ctx, `
SELECT id, slug, issue_number, publication_date, mode, status, content_url, page_count
FROM issues WHERE slug = ?`, slug).Scan(
		&rec.ID, &rec.Slug, &rec.IssueNumber, &rec.PublicationDate, &mode,
		&rec.Status, &rec.ContentURL, &rec.PageCount,
	)
	if err != nil {
		return rec, err
	}
	rec.Mode = magreflow.Mode(mode)
	return rec, nil
}

// Pages returns the page rows of an issue ordered by page number.
func (s *Store) Pages(ctx context.Context, slug string) ([]magreflow.PageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, issue_slug, page_number, image_url, width, height
FROM pages WHERE issue_slug = ? ORDER BY page_number`, slug)
	if err != nil {
		return nil, errors.Wrap(err, "query pages")
	}
	defer rows.Close()

	var pages []magreflow.PageRecord
	for rows.Next() {
		var p magreflow.PageRecord
		if err := rows.Scan(&p.ID, &p.IssueSlug, &p.PageNumber, &p.ImageURL, &p.Width, &p.Height); err != nil {
			return nil, errors.Wrap(err, "scan page")
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// Count returns the number of rows in table ("issues" or "pages").
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	switch table {
	case "issues", "pages":
	default:
		return 0, errors.Errorf("unknown table %q", table)
	}
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n)
	return n, err
}

var _ magreflow.Catalog = (*Store)(nil)
