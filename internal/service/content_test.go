package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/clock"
	"github.com/boddenberg/blog-content-cache/internal/domain"
	"github.com/boddenberg/blog-content-cache/internal/infra/dedup"
	"github.com/boddenberg/blog-content-cache/internal/infra/memstore"
	"github.com/boddenberg/blog-content-cache/internal/infra/observability"
	"github.com/boddenberg/blog-content-cache/internal/port"
	"github.com/boddenberg/blog-content-cache/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Mocks ---

// countingStore wraps a real store and counts calls per operation.
type countingStore struct {
	port.PostStore

	mu      sync.Mutex
	calls   map[string]int
	incrErr error

	// When set, the call signals on entered and waits for release.
	incrGate *gate
	slugGate *gate
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gate) pass() {
	if g == nil {
		return
	}
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
}

func newCountingStore(inner port.PostStore) *countingStore {
	return &countingStore{PostStore: inner, calls: make(map[string]int)}
}

func (c *countingStore) hit(op string) {
	c.mu.Lock()
	c.calls[op]++
	c.mu.Unlock()
}

func (c *countingStore) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingStore) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	c.hit("GetPost")
	return c.PostStore.GetPost(ctx, id)
}

func (c *countingStore) GetPostBySlug(ctx context.Context, slug string) (*domain.Post, error) {
	c.hit("GetPostBySlug")
	c.slugGate.pass()
	return c.PostStore.GetPostBySlug(ctx, slug)
}

func (c *countingStore) ListPosts(ctx context.Context, q domain.PostQuery) (*domain.PostPage, error) {
	c.hit("ListPosts")
	return c.PostStore.ListPosts(ctx, q)
}

func (c *countingStore) ListCategories(ctx context.Context) ([]domain.Category, error) {
	c.hit("ListCategories")
	return c.PostStore.ListCategories(ctx)
}

func (c *countingStore) ListTags(ctx context.Context) ([]domain.Tag, error) {
	c.hit("ListTags")
	return c.PostStore.ListTags(ctx)
}

func (c *countingStore) IncrementViews(ctx context.Context, id string) (int64, error) {
	c.hit("IncrementViews")
	c.incrGate.pass()
	if c.incrErr != nil {
		return 0, c.incrErr
	}
	return c.PostStore.IncrementViews(ctx, id)
}

// --- Helpers ---

var t0 = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *service.ContentService
	store   *countingStore
	mem     *memstore.Store
	clock   *clock.Fake
	metrics *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memstore.New()
	memstore.Seed(mem)
	store := newCountingStore(mem)
	clk := clock.NewFake(t0)
	metrics := observability.NewMetrics()

	svc, err := service.NewContentService(store, service.Options{
		PostTTL:       10 * time.Minute,
		ListTTL:       2 * time.Minute,
		TaxonomyTTL:   time.Hour,
		SweepInterval: 10 * time.Minute,
		Dedup: dedup.Options{
			ShortWindow: 5 * time.Second,
			LongHorizon: 30 * time.Minute,
			Mode:        dedup.SweepInline,
		},
		MaxConcurrency: 10,
		Clock:          clk,
	}, metrics, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	return &fixture{svc: svc, store: store, mem: mem, clock: clk, metrics: metrics}
}

func (f *fixture) postID(t *testing.T, slug string) string {
	t.Helper()
	p, err := f.mem.GetPostBySlug(context.Background(), slug)
	require.NoError(t, err)
	return p.ID
}

// --- Tests ---

func TestNewContentService_InvalidDedup(t *testing.T) {
	_, err := service.NewContentService(memstore.New(), service.Options{
		SweepInterval: time.Minute,
		Dedup:         dedup.Options{ShortWindow: time.Minute, LongHorizon: time.Second, Mode: dedup.SweepInline},
	}, observability.NewMetrics(), zap.NewNop())

	var cfgErr *dedup.ConfigError
	assert.True(t, errors.As(err, &cfgErr), "got %v", err)
}

func TestGetPost_CachesAndDedupsViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postID(t, "caching-content-reads")

	first, err := f.svc.GetPost(ctx, id, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, first.Counted)
	assert.Equal(t, int64(1), first.Post.Views)

	f.clock.Advance(time.Second)
	again, err := f.svc.GetPost(ctx, id, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, again.Counted, "refresh inside the window is not a view")
	assert.Equal(t, int64(1), again.Post.Views)

	other, err := f.svc.GetPost(ctx, id, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, other.Counted)
	assert.Equal(t, int64(2), other.Post.Views)

	f.clock.Advance(5 * time.Second)
	later, err := f.svc.GetPost(ctx, id, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, later.Counted)
	assert.Equal(t, int64(3), later.Post.Views)

	assert.Equal(t, 1, f.store.count("GetPost"), "post body served from cache")
	assert.Equal(t, 3, f.store.count("IncrementViews"))

	accepted, suppressed := f.metrics.ViewCounts("views")
	assert.Equal(t, float64(3), accepted)
	assert.Equal(t, float64(1), suppressed)
}

func TestGetPost_ReturnsCopies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postID(t, "release-notes")

	res, err := f.svc.GetPost(ctx, id, "a")
	require.NoError(t, err)
	res.Post.Title = "mutated"

	again, err := f.svc.GetPost(ctx, id, "a")
	require.NoError(t, err)
	assert.Equal(t, "Release notes", again.Post.Title)
}

func TestGetPost_IncrementFailureStillServes(t *testing.T) {
	f := newFixture(t)
	f.store.incrErr = errors.New("db down")
	id := f.postID(t, "counting-views-once")

	res, err := f.svc.GetPost(context.Background(), id, "a")
	require.NoError(t, err)
	assert.False(t, res.Counted)
	assert.Equal(t, int64(0), res.Post.Views)
	assert.Equal(t, "counting-views-once", res.Post.Slug)
}

func TestGetPost_NotFoundIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.GetPost(ctx, "missing", "a")
		var nf *domain.ErrNotFound
		require.True(t, errors.As(err, &nf))
	}
	assert.Equal(t, 2, f.store.count("GetPost"))
}

func TestGetPost_EmptyID(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetPost(context.Background(), " ", "a")

	var ve *domain.ErrValidation
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, 0, f.store.count("GetPost"))
}

func TestGetPost_ConcurrentColdReadsLoadOnce(t *testing.T) {
	f := newFixture(t)
	id := f.postID(t, "caching-content-reads")

	var wg sync.WaitGroup
	errs := make(chan error, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.GetPost(context.Background(), id, "same-reader")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.store.count("GetPost"))
	assert.Equal(t, 1, f.store.count("IncrementViews"), "one reader, one view")
}

func TestGetPostBySlug_PopulatesPostCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.GetPostBySlug(ctx, "release-notes", "a")
	require.NoError(t, err)
	assert.True(t, res.Counted)

	_, err = f.svc.GetPost(ctx, res.Post.ID, "b")
	require.NoError(t, err)
	_, err = f.svc.GetPostBySlug(ctx, "release-notes", "c")
	require.NoError(t, err)

	assert.Equal(t, 1, f.store.count("GetPostBySlug"))
	assert.Equal(t, 0, f.store.count("GetPost"))
}

func TestListPosts_CachedPerQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ListPosts(ctx, domain.PostQuery{Tag: "cache"})
	require.NoError(t, err)
	page, err := f.svc.ListPosts(ctx, domain.PostQuery{Tag: "CACHE ", Page: 1, PageSize: 20})
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, 1, f.store.count("ListPosts"), "equivalent queries share a key")

	_, err = f.svc.ListPosts(ctx, domain.PostQuery{Tag: "analytics"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.count("ListPosts"))

	f.clock.Advance(2*time.Minute + time.Second)
	_, err = f.svc.ListPosts(ctx, domain.PostQuery{Tag: "cache"})
	require.NoError(t, err)
	assert.Equal(t, 3, f.store.count("ListPosts"), "expired listing reloads")
}

func TestHome(t *testing.T) {
	f := newFixture(t)

	home, err := f.svc.Home(context.Background())
	require.NoError(t, err)
	assert.Len(t, home.Latest, 3)
	assert.Len(t, home.Categories, 2)
	assert.Len(t, home.Tags, 4)

	_, err = f.svc.Home(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.count("ListCategories"))
	assert.Equal(t, 1, f.store.count("ListTags"))
}

func TestUpdatePost_InvalidatesCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postID(t, "release-notes")

	_, err := f.svc.GetPostBySlug(ctx, "release-notes", "a")
	require.NoError(t, err)
	_, err = f.svc.ListPosts(ctx, domain.PostQuery{})
	require.NoError(t, err)
	_, err = f.svc.ListTags(ctx)
	require.NoError(t, err)

	title := "Release notes, March"
	tags := []string{"changelog", "release"}
	updated, err := f.svc.UpdatePost(ctx, id, domain.PostUpdate{Title: &title, Tags: &tags})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)

	res, err := f.svc.GetPostBySlug(ctx, "release-notes", "a")
	require.NoError(t, err)
	assert.Equal(t, title, res.Post.Title)

	page, err := f.svc.ListPosts(ctx, domain.PostQuery{})
	require.NoError(t, err)
	assert.Equal(t, title, page.Data[0].Title)

	tagList, err := f.svc.ListTags(ctx)
	require.NoError(t, err)
	assert.Len(t, tagList, 5)

	assert.Equal(t, 2, f.store.count("GetPostBySlug"))
	assert.Equal(t, 2, f.store.count("ListPosts"))
	assert.Equal(t, 2, f.store.count("ListTags"))
}

func TestUpdatePost_DuringViewIncrementKeepsEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postID(t, "release-notes")
	f.store.incrGate = newGate()

	done := make(chan *domain.ViewResult)
	go func() {
		res, err := f.svc.GetPost(ctx, id, "a")
		assert.NoError(t, err)
		done <- res
	}()
	<-f.store.incrGate.entered

	title := "Release notes v2"
	_, err := f.svc.UpdatePost(ctx, id, domain.PostUpdate{Title: &title})
	require.NoError(t, err)

	close(f.store.incrGate.release)
	res := <-done
	assert.True(t, res.Counted)

	again, err := f.svc.GetPost(ctx, id, "a")
	require.NoError(t, err)
	assert.Equal(t, "Release notes v2", again.Post.Title, "the edit must survive the view refresh")
	assert.Equal(t, int64(1), again.Post.Views)
}

func TestUpdatePost_DuringSlugLoadKeepsEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postID(t, "release-notes")
	f.store.slugGate = newGate()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.svc.GetPostBySlug(ctx, "release-notes", "a")
		assert.NoError(t, err)
	}()
	<-f.store.slugGate.entered

	title := "Release notes v2"
	_, err := f.svc.UpdatePost(ctx, id, domain.PostUpdate{Title: &title})
	require.NoError(t, err)

	close(f.store.slugGate.release)
	<-done

	res, err := f.svc.GetPost(ctx, id, "b")
	require.NoError(t, err)
	assert.Equal(t, "Release notes v2", res.Post.Title)
}

func TestUpdatePost_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postID(t, "release-notes")
	empty := ""

	tests := []struct {
		name  string
		u     domain.PostUpdate
		field string
	}{
		{"no fields", domain.PostUpdate{}, "body"},
		{"blank title", domain.PostUpdate{Title: &empty}, "title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UpdatePost(ctx, id, tt.u)
			var ve *domain.ErrValidation
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestUpdatePost_NotFound(t *testing.T) {
	f := newFixture(t)
	title := "x"
	_, err := f.svc.UpdatePost(context.Background(), "missing", domain.PostUpdate{Title: &title})

	var nf *domain.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestCacheStatsAndClear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.postID(t, "release-notes")

	_, err := f.svc.GetPost(ctx, id, "a")
	require.NoError(t, err)
	_, err = f.svc.GetPost(ctx, id, "a")
	require.NoError(t, err)

	report := f.svc.CacheStats()
	require.Len(t, report.Caches, 5)
	posts := report.Caches[0]
	assert.Equal(t, "posts", posts.Name)
	assert.Equal(t, uint64(1), posts.Hits)
	assert.Equal(t, uint64(1), posts.Misses)
	assert.Equal(t, 1, posts.Size)
	assert.Equal(t, 1, report.DedupRecords)
	assert.Equal(t, float64(1), report.ViewsAccepted)
	assert.Equal(t, float64(1), report.ViewsSuppressed)

	f.svc.ClearCaches()
	assert.Equal(t, 0, f.svc.CacheStats().Caches[0].Size)

	_, err = f.svc.GetPost(ctx, id, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, f.store.count("GetPost"))
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.svc.Ping(context.Background()))
}
