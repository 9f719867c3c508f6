package sqlstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/domain"
	"github.com/boddenberg/blog-content-cache/internal/infra/sqlstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *sqlstore.Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "blog.db") + "?_pragma=foreign_keys(1)"
	s, err := sqlstore.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Init(context.Background()))
	return s
}

func seed(t *testing.T, s *sqlstore.Store) (domain.Category, []*domain.Post) {
	t.Helper()
	ctx := context.Background()
	eng, err := s.AddCategory(ctx, domain.Category{Slug: "engineering", Name: "Engineering"})
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var posts []*domain.Post
	for i, slug := range []string{"first", "second", "third"} {
		p, err := s.AddPost(ctx, domain.Post{
			Slug:        slug,
			Title:       slug,
			Body:        "body of " + slug,
			CategoryID:  eng.ID,
			Tags:        []string{"Go", "cache"},
			PublishedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
		posts = append(posts, p)
	}
	_, err = s.AddPost(ctx, domain.Post{Slug: "loose", Title: "Loose", Body: "x", PublishedAt: base.Add(-time.Hour)})
	require.NoError(t, err)
	return eng, posts
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := sqlstore.Open("mongo", "")
	assert.Error(t, err)
}

func TestStore_InitIsIdempotent(t *testing.T) {
	s := newSQLite(t)
	assert.NoError(t, s.Init(context.Background()))
	assert.NoError(t, s.Ping(context.Background()))
}

func TestStore_GetPost(t *testing.T) {
	s := newSQLite(t)
	_, posts := seed(t, s)
	ctx := context.Background()

	got, err := s.GetPost(ctx, posts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Slug)
	assert.Equal(t, []string{"cache", "go"}, got.Tags)
	assert.True(t, got.PublishedAt.Equal(posts[0].PublishedAt))

	bySlug, err := s.GetPostBySlug(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, posts[1].ID, bySlug.ID)

	_, err = s.GetPost(ctx, "missing")
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestStore_ListPosts(t *testing.T) {
	s := newSQLite(t)
	eng, _ := seed(t, s)
	ctx := context.Background()

	page, err := s.ListPosts(ctx, domain.PostQuery{PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "third", page.Data[0].Slug, "newest first")
	assert.True(t, page.HasMore)

	last, err := s.ListPosts(ctx, domain.PostQuery{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, last.Data, 2)
	assert.Equal(t, "loose", last.Data[1].Slug)
	assert.False(t, last.HasMore)
	assert.Empty(t, last.Data[1].Tags)

	byTag, err := s.ListPosts(ctx, domain.PostQuery{Tag: "GO"})
	require.NoError(t, err)
	assert.Equal(t, 3, byTag.Total)

	byCat, err := s.ListPosts(ctx, domain.PostQuery{CategoryID: eng.ID, Tag: "cache"})
	require.NoError(t, err)
	assert.Equal(t, 3, byCat.Total)
}

func TestStore_Taxonomy(t *testing.T) {
	s := newSQLite(t)
	seed(t, s)
	ctx := context.Background()

	cats, err := s.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, 3, cats[0].Posts)

	tags, err := s.ListTags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Tag{{Name: "cache", Posts: 3}, {Name: "go", Posts: 3}}, tags)
}

func TestStore_IncrementViews(t *testing.T) {
	s := newSQLite(t)
	_, posts := seed(t, s)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := s.IncrementViews(ctx, posts[0].ID)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	_, err := s.IncrementViews(ctx, "missing")
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestStore_UpdatePost(t *testing.T) {
	s := newSQLite(t)
	_, posts := seed(t, s)
	ctx := context.Background()

	title := "First, revised"
	tags := []string{"Release"}
	updated, err := s.UpdatePost(ctx, posts[0].ID, domain.PostUpdate{Title: &title, Tags: &tags})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, "body of first", updated.Body)
	assert.Equal(t, []string{"release"}, updated.Tags)
	assert.True(t, updated.UpdatedAt.After(posts[0].UpdatedAt))

	_, err = s.UpdatePost(ctx, "missing", domain.PostUpdate{Title: &title})
	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}
