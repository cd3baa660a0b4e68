package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the local directory database.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL UNIQUE,
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			twitter TEXT NOT NULL DEFAULT '',
			linkedin TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			project_count INTEGER,
			joined_at_ms INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			profile_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS projects_profile_idx ON projects(profile_id, created_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init directory schema (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

// UpsertProfile inserts or replaces the profile for p.Handle and returns it
// with its id filled in.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p Profile) (Profile, error) {
	p.Handle = NormalizeHandle(p.Handle)
	if p.Handle == "" {
		return Profile{}, fmt.Errorf("upsert profile: empty handle")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	var count sql.NullInt64
	if p.ProjectCount != nil {
		count = sql.NullInt64{Int64: int64(*p.ProjectCount), Valid: true}
	}
	var joined int64
	if !p.JoinedAt.IsZero() {
		joined = p.JoinedAt.UnixMilli()
	}

	row := s.db.QueryRowContext(ctx, `
INSERT INTO profiles(id, handle, first_name, last_name, email, twitter, linkedin, location, project_count, joined_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(handle) DO UPDATE SET
	first_name = excluded.first_name,
	last_name = excluded.last_name,
	email = excluded.email,
	twitter = excluded.twitter,
	linkedin = excluded.linkedin,
	location = excluded.location,
	project_count = excluded.project_count,
	joined_at_ms = excluded.joined_at_ms,
	updated_at_ms = excluded.updated_at_ms
RETURNING id`,
		p.ID, p.Handle, p.FirstName, p.LastName, p.Email, p.Twitter, p.LinkedIn, p.Location, count, joined, time.Now().UnixMilli())
	if err := row.Scan(&p.ID); err != nil {
		return Profile{}, fmt.Errorf("upsert profile: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) AddProject(ctx context.Context, p Project) (Project, error) {
	if strings.TrimSpace(p.ProfileID) == "" {
		return Project{}, fmt.Errorf("add project: empty profile id")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO projects(id, profile_id, name, url, description, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)`, p.ID, p.ProfileID, p.Name, p.URL, p.Description, time.Now().UnixMilli())
	if err != nil {
		return Project{}, fmt.Errorf("add project: %w", err)
	}
	return p, nil
}

const profileColumns = `id, handle, first_name, last_name, email, twitter, linkedin, location, project_count, joined_at_ms`

func (s *SQLiteStore) Lookup(ctx context.Context, handle string) (*Profile, error) {
	h := NormalizeHandle(handle)
	if h == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE handle = ?`, h)
	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup profile: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) Projects(ctx context.Context, profileID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, profile_id, name, url, description
FROM projects
WHERE profile_id = ?
ORDER BY created_at_ms ASC, name ASC`, profileID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.ProfileID, &p.Name, &p.URL, &p.Description); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return out, nil
}

// Search matches term against names, handle and location. An empty term
// returns nothing.
func (s *SQLiteStore) Search(ctx context.Context, term string, limit int) ([]Profile, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	like := "%" + escapeLike(strings.ToLower(term)) + "%"
	rows, err := s.db.QueryContext(ctx, `
SELECT `+profileColumns+`
FROM profiles
WHERE lower(first_name || ' ' || last_name) LIKE ? ESCAPE '\'
	OR handle LIKE ? ESCAPE '\'
	OR lower(location) LIKE ? ESCAPE '\'
ORDER BY last_name ASC, first_name ASC
LIMIT ?`, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profiles: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (Profile, error) {
	var p Profile
	var count sql.NullInt64
	var joined int64
	if err := row.Scan(&p.ID, &p.Handle, &p.FirstName, &p.LastName, &p.Email, &p.Twitter, &p.LinkedIn, &p.Location, &count, &joined); err != nil {
		return Profile{}, err
	}
	if count.Valid {
		n := int(count.Int64)
		p.ProjectCount = &n
	}
	if joined > 0 {
		p.JoinedAt = time.UnixMilli(joined)
	}
	return p, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}
