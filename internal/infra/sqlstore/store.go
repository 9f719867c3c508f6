// Package sqlstore provides a PostStore on database/sql, backed by
// PostgreSQL (pgx) or SQLite (modernc).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/domain"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("sqlstore")

// dialect captures what differs between the supported drivers.
type dialect struct {
	driver     string
	positional bool // $1, $2 instead of ?
	schema     []string
}

var dialects = map[string]dialect{
	"sqlite": {
		driver: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS categories (
				id TEXT PRIMARY KEY,
				slug TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS posts (
				id TEXT PRIMARY KEY,
				slug TEXT NOT NULL UNIQUE,
				title TEXT NOT NULL,
				summary TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL,
				category_id TEXT REFERENCES categories(id),
				author TEXT NOT NULL DEFAULT '',
				views INTEGER NOT NULL DEFAULT 0,
				published_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_posts_published ON posts(published_at DESC, id)`,
			`CREATE TABLE IF NOT EXISTS post_tags (
				post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
				tag TEXT NOT NULL,
				PRIMARY KEY (post_id, tag)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_post_tags_tag ON post_tags(tag)`,
		},
	},
	"postgres": {
		driver:     "pgx",
		positional: true,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS categories (
				id TEXT PRIMARY KEY,
				slug TEXT NOT NULL UNIQUE,
				name TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS posts (
				id TEXT PRIMARY KEY,
				slug TEXT NOT NULL UNIQUE,
				title TEXT NOT NULL,
				summary TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL,
				category_id TEXT REFERENCES categories(id),
				author TEXT NOT NULL DEFAULT '',
				views BIGINT NOT NULL DEFAULT 0,
				published_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_posts_published ON posts(published_at DESC, id)`,
			`CREATE TABLE IF NOT EXISTS post_tags (
				post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
				tag TEXT NOT NULL,
				PRIMARY KEY (post_id, tag)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_post_tags_tag ON post_tags(tag)`,
		},
	},
}

// Store is a PostStore over a SQL database. Timestamps are stored as unix
// microseconds and tags live in post_tags, lowercased.
type Store struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

// Open connects with the named driver ("postgres" or "sqlite"). An empty
// dsn selects a local default.
func Open(driver, dsn string) (*Store, error) {
	d, ok := dialects[strings.ToLower(driver)]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		switch d.driver {
		case "sqlite":
			dsn = "file:blog.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		default:
			dsn = "postgres://localhost:5432/blog?sslmode=disable"
		}
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, err
	}
	if d.driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, d: d, now: time.Now}, nil
}

// Init creates the schema when missing.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AddCategory inserts a category, assigning an ID when missing.
func (s *Store) AddCategory(ctx context.Context, c domain.Category) (domain.Category, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO categories (id, slug, name) VALUES (?, ?, ?)`), c.ID, c.Slug, c.Name)
	if err != nil {
		return c, fmt.Errorf("insert category %s: %w", c.Slug, err)
	}
	return c, nil
}

// AddPost inserts a post with its tags, assigning an ID and timestamps
// when missing.
func (s *Store) AddPost(ctx context.Context, p domain.Post) (*domain.Post, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = s.now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.PublishedAt
	}
	p.Tags = normalizeTags(p.Tags)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO posts
			(id, slug, title, summary, body, category_id, author, views, published_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			p.ID, p.Slug, p.Title, p.Summary, p.Body, nullable(p.CategoryID), p.Author, p.Views,
			p.PublishedAt.UnixMicro(), p.UpdatedAt.UnixMicro(),
		)
		if err != nil {
			return fmt.Errorf("insert post %s: %w", p.Slug, err)
		}
		return s.writeTags(ctx, tx, p.ID, p.Tags)
	})
	if err != nil {
		return nil, err
	}
	p.PublishedAt = fromMicro(p.PublishedAt.UnixMicro())
	p.UpdatedAt = fromMicro(p.UpdatedAt.UnixMicro())
	return &p, nil
}

const postSelect = `SELECT id, slug, title, summary, body, category_id, author, views, published_at, updated_at FROM posts`

func (s *Store) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	ctx, span := tracer.Start(ctx, "SQL.GetPost")
	defer span.End()
	span.SetAttributes(attribute.String("post.id", id))

	return s.getOne(ctx, "id", id)
}

func (s *Store) GetPostBySlug(ctx context.Context, slug string) (*domain.Post, error) {
	ctx, span := tracer.Start(ctx, "SQL.GetPostBySlug")
	defer span.End()
	span.SetAttributes(attribute.String("post.slug", slug))

	return s.getOne(ctx, "slug", slug)
}

func (s *Store) getOne(ctx context.Context, column, value string) (*domain.Post, error) {
	row := s.db.QueryRowContext(ctx, s.q(postSelect+" WHERE "+column+" = ?"), value)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "post", ID: value}
	}
	if err != nil {
		return nil, fmt.Errorf("query post: %w", err)
	}
	tags, err := s.loadTags(ctx, []string{p.ID})
	if err != nil {
		return nil, err
	}
	p.Tags = orEmpty(tags[p.ID])
	return p, nil
}

// ListPosts returns posts newest first, filtered by category and tag.
func (s *Store) ListPosts(ctx context.Context, q domain.PostQuery) (*domain.PostPage, error) {
	ctx, span := tracer.Start(ctx, "SQL.ListPosts")
	defer span.End()

	q = q.Normalize()
	span.SetAttributes(
		attribute.Int("query.page", q.Page),
		attribute.Int("query.page_size", q.PageSize),
	)

	var (
		where []string
		args  []any
	)
	if q.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, q.CategoryID)
	}
	if q.Tag != "" {
		where = append(where, "EXISTS (SELECT 1 FROM post_tags t WHERE t.post_id = posts.id AND t.tag = ?)")
		args = append(args, q.Tag)
	}
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	page := &domain.PostPage{Data: []domain.Post{}, Page: q.Page, PageSize: q.PageSize}
	if err := s.db.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM posts"+filter), args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count posts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(postSelect+filter+" ORDER BY published_at DESC, id ASC LIMIT ? OFFSET ?"),
		append(args, q.PageSize, q.Offset())...,
	)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	// Rows must be closed before loadTags: SQLite runs on one connection.
	ids := make([]string, 0, q.PageSize)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan post: %w", err)
		}
		page.Data = append(page.Data, *p)
		ids = append(ids, p.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}

	tags, err := s.loadTags(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range page.Data {
		page.Data[i].Tags = orEmpty(tags[page.Data[i].ID])
	}

	page.HasMore = q.Offset()+len(page.Data) < page.Total
	return page, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	ctx, span := tracer.Start(ctx, "SQL.ListCategories")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `SELECT c.id, c.slug, c.name, COUNT(p.id)
		FROM categories c LEFT JOIN posts p ON p.category_id = c.id
		GROUP BY c.id, c.slug, c.name
		ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	defer rows.Close()

	out := []domain.Category{}
	for rows.Next() {
		var c domain.Category
		if err := rows.Scan(&c.ID, &c.Slug, &c.Name, &c.Posts); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListTags(ctx context.Context) ([]domain.Tag, error) {
	ctx, span := tracer.Start(ctx, "SQL.ListTags")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `SELECT tag, COUNT(*) AS n FROM post_tags GROUP BY tag ORDER BY n DESC, tag`)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	out := []domain.Tag{}
	for rows.Next() {
		var t domain.Tag
		if err := rows.Scan(&t.Name, &t.Posts); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) IncrementViews(ctx context.Context, id string) (int64, error) {
	ctx, span := tracer.Start(ctx, "SQL.IncrementViews")
	defer span.End()
	span.SetAttributes(attribute.String("post.id", id))

	var views int64
	err := s.db.QueryRowContext(ctx, s.q(`UPDATE posts SET views = views + 1 WHERE id = ? RETURNING views`), id).Scan(&views)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &domain.ErrNotFound{Resource: "post", ID: id}
	}
	if err != nil {
		return 0, fmt.Errorf("increment views: %w", err)
	}
	return views, nil
}

func (s *Store) UpdatePost(ctx context.Context, id string, u domain.PostUpdate) (*domain.Post, error) {
	ctx, span := tracer.Start(ctx, "SQL.UpdatePost")
	defer span.End()
	span.SetAttributes(attribute.String("post.id", id))

	var updated *domain.Post
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := scanPost(tx.QueryRowContext(ctx, s.q(postSelect+" WHERE id = ?"), id))
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.ErrNotFound{Resource: "post", ID: id}
		}
		if err != nil {
			return fmt.Errorf("load post: %w", err)
		}

		u.Apply(p, s.now())
		_, err = tx.ExecContext(ctx, s.q(`UPDATE posts
			SET title = ?, summary = ?, body = ?, category_id = ?, updated_at = ?
			WHERE id = ?`),
			p.Title, p.Summary, p.Body, nullable(p.CategoryID), p.UpdatedAt.UnixMicro(), id,
		)
		if err != nil {
			return fmt.Errorf("update post: %w", err)
		}
		if u.Tags != nil {
			if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM post_tags WHERE post_id = ?`), id); err != nil {
				return fmt.Errorf("clear tags: %w", err)
			}
			if err := s.writeTags(ctx, tx, id, normalizeTags(p.Tags)); err != nil {
				return err
			}
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPost(ctx, updated.ID)
}

func (s *Store) writeTags(ctx context.Context, tx *sql.Tx, postID string, tags []string) error {
	for _, tag := range tags {
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO post_tags (post_id, tag) VALUES (?, ?)`), postID, tag); err != nil {
			return fmt.Errorf("insert tag %s: %w", tag, err)
		}
	}
	return nil
}

func (s *Store) loadTags(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT post_id, tag FROM post_tags WHERE post_id IN (`+marks+`) ORDER BY tag`), args...)
	if err != nil {
		return nil, fmt.Errorf("load tags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, tag string
		if err := rows.Scan(&id, &tag); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out[id] = append(out[id], tag)
	}
	return out, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// q rewrites ? placeholders to $N for drivers that need it.
func (s *Store) q(query string) string {
	if !s.d.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (*domain.Post, error) {
	var (
		p          domain.Post
		categoryID sql.NullString
		published  int64
		updated    int64
	)
	if err := row.Scan(&p.ID, &p.Slug, &p.Title, &p.Summary, &p.Body, &categoryID, &p.Author, &p.Views, &published, &updated); err != nil {
		return nil, err
	}
	p.CategoryID = categoryID.String
	p.PublishedAt = fromMicro(published)
	p.UpdatedAt = fromMicro(updated)
	p.Tags = []string{}
	return &p, nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromMicro(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
