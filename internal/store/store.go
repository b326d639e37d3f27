// Package store persists gateway state in SQLite: projects and their
// lifecycle states, user accounts, and custom domains with their
// certificates.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slipway-dev/slipway/internal/apierror"
	"github.com/slipway-dev/slipway/internal/project"
)

// Store wraps the SQLite database. Safe for concurrent use; WAL mode lets
// readers proceed alongside the single writer.
type Store struct {
	db *sql.DB
}

// Open opens (and if necessary creates) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writes internally; a single
	// connection avoids SQLITE_BUSY churn under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_name TEXT PRIMARY KEY,
    key_hash     TEXT NOT NULL UNIQUE,
    super_user   INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS projects (
    project_name   TEXT PRIMARY KEY,
    account_name   TEXT NOT NULL REFERENCES accounts(account_name),
    initial_key    TEXT NOT NULL,
    project_state  TEXT NOT NULL,
    last_active_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_projects_account ON projects(account_name);
CREATE TABLE IF NOT EXISTS custom_domains (
    fqdn         TEXT PRIMARY KEY,
    project_name TEXT NOT NULL REFERENCES projects(project_name),
    cert_chain   TEXT NOT NULL DEFAULT '',
    cert_key     TEXT NOT NULL DEFAULT '',
    not_after    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_domains_project ON custom_domains(project_name);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Project is one row of the projects table.
type Project struct {
	Name       project.Name
	Account    project.AccountName
	InitialKey string
	State      project.State
	LastActive time.Time
}

// CreateProject inserts a new project in its initial state. Returns
// KindProjectAlreadyExists when the name is taken.
func (s *Store) CreateProject(ctx context.Context, p Project) error {
	stateJSON, err := project.MarshalState(p.State)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (project_name, account_name, initial_key, project_state, last_active_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.Name.String(), p.Account.String(), p.InitialKey, string(stateJSON), p.LastActive.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return apierror.Newf(apierror.KindProjectAlreadyExists,
				"project %q already exists", p.Name)
		}
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject loads one project. Returns KindProjectNotFound when absent.
func (s *Store) GetProject(ctx context.Context, name project.Name) (Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_name, account_name, initial_key, project_state, last_active_at
		 FROM projects WHERE project_name = ?`, name.String())
	return scanProject(row)
}

// UpdateProjectState persists a new lifecycle state for the project.
func (s *Store) UpdateProjectState(ctx context.Context, name project.Name, st project.State) error {
	stateJSON, err := project.MarshalState(st)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET project_state = ? WHERE project_name = ?`,
		string(stateJSON), name.String())
	if err != nil {
		return fmt.Errorf("update project state: %w", err)
	}
	return requireRow(res, name)
}

// TouchProject records proxy traffic so the idle sweep leaves the project
// alone.
func (s *Store) TouchProject(ctx context.Context, name project.Name, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET last_active_at = ? WHERE project_name = ?`,
		at.Unix(), name.String())
	if err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return requireRow(res, name)
}

// ListProjects returns the projects owned by account, every project when
// account is empty.
func (s *Store) ListProjects(ctx context.Context, account project.AccountName) ([]Project, error) {
	query := `SELECT project_name, account_name, initial_key, project_state, last_active_at
	          FROM projects ORDER BY project_name`
	args := []any{}
	if account != "" {
		query = `SELECT project_name, account_name, initial_key, project_state, last_active_at
		         FROM projects WHERE account_name = ? ORDER BY project_name`
		args = append(args, account.String())
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	return collectProjects(rows)
}

// ListNonTerminal returns every project whose state still needs driving.
// Used at startup to resume interrupted work.
func (s *Store) ListNonTerminal(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_name, account_name, initial_key, project_state, last_active_at
		 FROM projects`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()
	all, err := collectProjects(rows)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if !p.State.IsTerminal() {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListIdleReady returns Ready projects whose last activity is older than
// cutoff.
func (s *Store) ListIdleReady(ctx context.Context, cutoff time.Time) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_name, account_name, initial_key, project_state, last_active_at
		 FROM projects WHERE last_active_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list idle projects: %w", err)
	}
	defer rows.Close()
	all, err := collectProjects(rows)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, p := range all {
		if p.State.Kind == project.Ready {
			out = append(out, p)
		}
	}
	return out, nil
}

func scanProject(row *sql.Row) (Project, error) {
	var p Project
	var name, account, stateJSON string
	var lastActive int64
	err := row.Scan(&name, &account, &p.InitialKey, &stateJSON, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, apierror.New(apierror.KindProjectNotFound, "project not found")
	}
	if err != nil {
		return Project{}, fmt.Errorf("scan project: %w", err)
	}
	p.Name = project.Name(name)
	p.Account = project.AccountName(account)
	p.LastActive = time.Unix(lastActive, 0).UTC()
	p.State, err = project.UnmarshalState([]byte(stateJSON))
	if err != nil {
		return Project{}, fmt.Errorf("project %s: %w", name, err)
	}
	return p, nil
}

func collectProjects(rows *sql.Rows) ([]Project, error) {
	var out []Project
	for rows.Next() {
		var p Project
		var name, account, stateJSON string
		var lastActive int64
		if err := rows.Scan(&name, &account, &p.InitialKey, &stateJSON, &lastActive); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Name = project.Name(name)
		p.Account = project.AccountName(account)
		p.LastActive = time.Unix(lastActive, 0).UTC()
		var err error
		p.State, err = project.UnmarshalState([]byte(stateJSON))
		if err != nil {
			return nil, fmt.Errorf("project %s: %w", name, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result, name project.Name) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apierror.Newf(apierror.KindProjectNotFound, "project %q not found", name)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the message;
	// matching the text avoids importing the driver's error types.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
