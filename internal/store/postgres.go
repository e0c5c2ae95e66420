package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq" // postgres driver
	"github.com/OWASP-BLT/BLT-Leaf/pkg/types"
)

// prColumns is the SELECT column order shared by scanPR callers.
const prColumns = "id, pr_url, repo_owner, repo_name, pr_number, title, state, " +
	"author_login, mergeable_state, files_changed, is_merged, is_draft, created_at, updated_at"

const schema = `
CREATE TABLE IF NOT EXISTS prs (
	id              BIGSERIAL PRIMARY KEY,
	pr_url          TEXT NOT NULL UNIQUE,
	repo_owner      TEXT NOT NULL,
	repo_name       TEXT NOT NULL,
	pr_number       INTEGER NOT NULL,
	title           TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL DEFAULT '',
	author_login    TEXT NOT NULL DEFAULT '',
	mergeable_state TEXT NOT NULL DEFAULT '',
	files_changed   INTEGER NOT NULL DEFAULT 0,
	is_merged       BOOLEAN NOT NULL DEFAULT FALSE,
	is_draft        BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore persists tracked pull requests in Postgres.
type PostgresStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

var _ PRStore = (*PostgresStore)(nil)

// NewPostgresStore opens a connection and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{
		db:      db,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Upsert inserts or refreshes a record keyed by PR URL.
func (s *PostgresStore) Upsert(ctx context.Context, pr *types.PullRequest) (*types.PullRequest, error) {
	query, args, err := s.builder.
		Insert("prs").
		Columns("pr_url", "repo_owner", "repo_name", "pr_number", "title", "state",
			"author_login", "mergeable_state", "files_changed", "is_merged", "is_draft", "updated_at").
		Values(pr.URL, pr.Owner, pr.Repo, pr.Number, pr.Title, pr.State,
			pr.Author, pr.MergeableState, pr.FilesChanged, pr.Merged, pr.Draft, pr.UpdatedAt).
		Suffix(`ON CONFLICT (pr_url) DO UPDATE SET
			title = EXCLUDED.title,
			state = EXCLUDED.state,
			author_login = EXCLUDED.author_login,
			mergeable_state = EXCLUDED.mergeable_state,
			files_changed = EXCLUDED.files_changed,
			is_merged = EXCLUDED.is_merged,
			is_draft = EXCLUDED.is_draft,
			updated_at = EXCLUDED.updated_at
			RETURNING id, created_at`).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build upsert: %w", err)
	}

	stored := *pr
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&stored.ID, &stored.CreatedAt); err != nil {
		return nil, fmt.Errorf("upsert pr: %w", err)
	}
	return &stored, nil
}

// Get returns the record with the given ID.
func (s *PostgresStore) Get(ctx context.Context, id int64) (*types.PullRequest, error) {
	return s.getWhere(ctx, sq.Eq{"id": id})
}

// GetByURL returns the record with the given PR URL.
func (s *PostgresStore) GetByURL(ctx context.Context, url string) (*types.PullRequest, error) {
	return s.getWhere(ctx, sq.Eq{"pr_url": url})
}

func (s *PostgresStore) getWhere(ctx context.Context, pred any) (*types.PullRequest, error) {
	query, args, err := s.builder.
		Select(prColumns).
		From("prs").
		Where(pred).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	pr, err := scanPR(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pr: %w", err)
	}
	return pr, nil
}

// List returns open, unmerged PRs, newest activity first.
func (s *PostgresStore) List(ctx context.Context, owner, repo string) ([]*types.PullRequest, error) {
	q := s.builder.
		Select(prColumns).
		From("prs").
		Where(sq.Eq{"is_merged": false, "state": "open"}).
		OrderBy("updated_at DESC", "id")
	if owner != "" && repo != "" {
		q = q.Where(sq.Eq{"repo_owner": owner, "repo_name": repo})
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prs []*types.PullRequest
	for rows.Next() {
		pr, err := scanPR(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pr: %w", err)
		}
		prs = append(prs, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return prs, nil
}

// Delete removes a record by ID.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	query, args, err := s.builder.Delete("prs").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("delete pr: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Repos lists distinct repositories with open PR counts.
func (s *PostgresStore) Repos(ctx context.Context) ([]RepoSummary, error) {
	query, args, err := s.builder.
		Select("repo_owner", "repo_name", "COUNT(*) AS pr_count").
		From("prs").
		Where(sq.Eq{"is_merged": false, "state": "open"}).
		GroupBy("repo_owner", "repo_name").
		OrderBy("repo_owner", "repo_name").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build repos: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []RepoSummary
	for rows.Next() {
		var summary RepoSummary
		if err := rows.Scan(&summary.Owner, &summary.Name, &summary.PRCount); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return repos, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanPR(row rowScanner) (*types.PullRequest, error) {
	var pr types.PullRequest
	err := row.Scan(
		&pr.ID, &pr.URL, &pr.Owner, &pr.Repo, &pr.Number, &pr.Title, &pr.State,
		&pr.Author, &pr.MergeableState, &pr.FilesChanged, &pr.Merged, &pr.Draft,
		&pr.CreatedAt, &pr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &pr, nil
}
