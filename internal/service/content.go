// Package service provides the business logic layer (use cases).
// ContentService serves blog reads through per-namespace TTL caches and
// counts post views through a dedup window.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/clock"
	"github.com/boddenberg/blog-content-cache/internal/domain"
	"github.com/boddenberg/blog-content-cache/internal/infra/cache"
	"github.com/boddenberg/blog-content-cache/internal/infra/dedup"
	"github.com/boddenberg/blog-content-cache/internal/infra/observability"
	"github.com/boddenberg/blog-content-cache/internal/infra/resilience"
	"github.com/boddenberg/blog-content-cache/internal/port"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("service/content")

var validate = validator.New()

// Cache namespaces, also used as metric labels.
const (
	nsPosts      = "posts"
	nsSlugs      = "slugs"
	nsLists      = "lists"
	nsCategories = "categories"
	nsTags       = "tags"

	viewsWindow = "views"

	homeLatest = 5
)

// Options configures a ContentService.
type Options struct {
	PostTTL     time.Duration
	ListTTL     time.Duration
	TaxonomyTTL time.Duration

	// SweepInterval drives the expired-entry sweep of every cache.
	SweepInterval time.Duration

	// Dedup configures the view window. Name, Clock, Recorder and Logger
	// are filled in by NewContentService.
	Dedup dedup.Options

	// MaxConcurrency bounds concurrent store calls.
	MaxConcurrency int

	Clock clock.Clock
}

// ContentService orchestrates store reads, caching and view counting.
type ContentService struct {
	store      port.PostStore
	posts      *cache.Cache[*domain.Post]
	slugs      *cache.Cache[string]
	lists      *cache.Cache[*domain.PostPage]
	categories *cache.Cache[[]domain.Category]
	tags       *cache.Cache[[]domain.Tag]
	views      *dedup.Window
	bulkhead   *resilience.Bulkhead
	clock      clock.Clock
	opts       Options
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewContentService builds the caches and the view window and starts their
// sweepers. Call Close to stop them.
func NewContentService(store port.PostStore, opts Options, metrics *observability.Metrics, logger *zap.Logger) (*ContentService, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 1
	}

	s := &ContentService{
		store:    store,
		bulkhead: resilience.NewBulkhead(opts.MaxConcurrency),
		clock:    opts.Clock,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
	}

	var err error
	if s.posts, err = newCache[*domain.Post](nsPosts, opts.PostTTL, opts, metrics, logger); err != nil {
		return nil, err
	}
	if s.slugs, err = newCache[string](nsSlugs, opts.PostTTL, opts, metrics, logger); err != nil {
		s.Close()
		return nil, err
	}
	if s.lists, err = newCache[*domain.PostPage](nsLists, opts.ListTTL, opts, metrics, logger); err != nil {
		s.Close()
		return nil, err
	}
	if s.categories, err = newCache[[]domain.Category](nsCategories, opts.TaxonomyTTL, opts, metrics, logger); err != nil {
		s.Close()
		return nil, err
	}
	if s.tags, err = newCache[[]domain.Tag](nsTags, opts.TaxonomyTTL, opts, metrics, logger); err != nil {
		s.Close()
		return nil, err
	}

	dopts := opts.Dedup
	dopts.Name = viewsWindow
	dopts.Clock = opts.Clock
	dopts.Recorder = metrics
	dopts.Logger = logger
	if s.views, err = dedup.New(dopts); err != nil {
		s.Close()
		return nil, fmt.Errorf("view window: %w", err)
	}

	return s, nil
}

func newCache[V any](name string, ttl time.Duration, opts Options, metrics *observability.Metrics, logger *zap.Logger) (*cache.Cache[V], error) {
	c, err := cache.New[V](cache.Options{
		Name:          name,
		DefaultTTL:    ttl,
		SweepInterval: opts.SweepInterval,
		Clock:         opts.Clock,
		Recorder:      metrics,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%s cache: %w", name, err)
	}
	return c, nil
}

func postKey(id string) string   { return "post:" + id }
func slugKey(slug string) string { return "slug:" + slug }

// ============================================================
// Reads
// ============================================================

// GetPost returns a post and counts the read as a view of clientID unless
// the same client viewed it within the dedup window.
func (s *ContentService) GetPost(ctx context.Context, id, clientID string) (*domain.ViewResult, error) {
	ctx, span := tracer.Start(ctx, "ContentService.GetPost")
	defer span.End()
	span.SetAttributes(attribute.String("post.id", id))

	p, err := s.loadPost(ctx, id)
	if err != nil {
		return nil, err
	}
	res := s.countView(ctx, p, clientID)
	span.SetAttributes(attribute.Bool("view.counted", res.Counted))
	return res, nil
}

// GetPostBySlug resolves slug through the slug cache, then behaves like
// GetPost.
func (s *ContentService) GetPostBySlug(ctx context.Context, slug, clientID string) (*domain.ViewResult, error) {
	ctx, span := tracer.Start(ctx, "ContentService.GetPostBySlug")
	defer span.End()
	span.SetAttributes(attribute.String("post.slug", slug))

	slug = strings.TrimSpace(slug)
	if slug == "" {
		return nil, &domain.ErrValidation{Field: "slug", Message: "slug is required"}
	}

	id, err := s.slugs.GetOrSet(ctx, slugKey(slug), func(ctx context.Context) (string, error) {
		gen := s.posts.Generation()
		p, err := withStore(ctx, s, "get_post_by_slug", func(ctx context.Context) (*domain.Post, error) {
			return s.store.GetPostBySlug(ctx, slug)
		})
		if err != nil {
			return "", err
		}
		s.posts.SetIfCurrent(gen, postKey(p.ID), p, s.opts.PostTTL)
		return p.ID, nil
	}, s.opts.PostTTL)
	if err != nil {
		return nil, err
	}

	p, err := s.loadPost(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.countView(ctx, p, clientID), nil
}

func (s *ContentService) loadPost(ctx context.Context, id string) (*domain.Post, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &domain.ErrValidation{Field: "id", Message: "post id is required"}
	}
	return s.posts.GetOrSet(ctx, postKey(id), func(ctx context.Context) (*domain.Post, error) {
		return withStore(ctx, s, "get_post", func(ctx context.Context) (*domain.Post, error) {
			return s.store.GetPost(ctx, id)
		})
	}, s.opts.PostTTL)
}

// countView returns a copy of p. When the view is accepted the store count
// is incremented and the view count of the cached post, if still cached,
// is raised to it; a failed increment is logged and the read still
// succeeds.
func (s *ContentService) countView(ctx context.Context, p *domain.Post, clientID string) *domain.ViewResult {
	res := &domain.ViewResult{Post: clonePost(p)}
	if clientID == "" {
		clientID = "anonymous"
	}
	if !s.views.ShouldAccept(dedup.SubjectKey(p.ID, clientID), s.clock.Now()) {
		return res
	}

	views, err := withStore(ctx, s, "increment_views", func(ctx context.Context) (int64, error) {
		return s.store.IncrementViews(ctx, p.ID)
	})
	if err != nil {
		s.logger.Warn("view not recorded",
			zap.String("post_id", p.ID),
			zap.Error(err),
		)
		return res
	}

	res.Counted = true
	res.Post.Views = views
	// The entry may have been invalidated or replaced since p was read.
	s.posts.Update(postKey(p.ID), func(cur *domain.Post) *domain.Post {
		if cur.Views >= views {
			return cur
		}
		next := clonePost(cur)
		next.Views = views
		return next
	})
	return res
}

// ListPosts returns a page of posts, cached per canonical query.
func (s *ContentService) ListPosts(ctx context.Context, q domain.PostQuery) (*domain.PostPage, error) {
	ctx, span := tracer.Start(ctx, "ContentService.ListPosts")
	defer span.End()

	q = q.Normalize()
	key := q.CacheKey()
	span.SetAttributes(attribute.String("cache.key", key))

	return s.lists.GetOrSet(ctx, key, func(ctx context.Context) (*domain.PostPage, error) {
		return withStore(ctx, s, "list_posts", func(ctx context.Context) (*domain.PostPage, error) {
			return s.store.ListPosts(ctx, q)
		})
	}, s.opts.ListTTL)
}

func (s *ContentService) ListCategories(ctx context.Context) ([]domain.Category, error) {
	ctx, span := tracer.Start(ctx, "ContentService.ListCategories")
	defer span.End()

	return s.categories.GetOrSet(ctx, "all", func(ctx context.Context) ([]domain.Category, error) {
		return withStore(ctx, s, "list_categories", s.store.ListCategories)
	}, s.opts.TaxonomyTTL)
}

func (s *ContentService) ListTags(ctx context.Context) ([]domain.Tag, error) {
	ctx, span := tracer.Start(ctx, "ContentService.ListTags")
	defer span.End()

	return s.tags.GetOrSet(ctx, "all", func(ctx context.Context) ([]domain.Tag, error) {
		return withStore(ctx, s, "list_tags", s.store.ListTags)
	}, s.opts.TaxonomyTTL)
}

// Home loads the landing page sections concurrently.
func (s *ContentService) Home(ctx context.Context) (*domain.HomePage, error) {
	ctx, span := tracer.Start(ctx, "ContentService.Home")
	defer span.End()

	start := time.Now()
	defer func() {
		s.metrics.RecordRequestDuration("home", time.Since(start))
	}()

	home := &domain.HomePage{}
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		page, err := s.ListPosts(gCtx, domain.PostQuery{Page: 1, PageSize: homeLatest})
		if err != nil {
			return fmt.Errorf("latest posts: %w", err)
		}
		home.Latest = page.Data
		return nil
	})
	g.Go(func() error {
		cats, err := s.ListCategories(gCtx)
		if err != nil {
			return fmt.Errorf("categories: %w", err)
		}
		home.Categories = cats
		return nil
	})
	g.Go(func() error {
		tags, err := s.ListTags(gCtx)
		if err != nil {
			return fmt.Errorf("tags: %w", err)
		}
		home.Tags = tags
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return home, nil
}

// ============================================================
// Writes
// ============================================================

// UpdatePost writes u and invalidates every cached view of the post:
// its id and slug entries, all listings, and the taxonomy when the
// category or tags changed.
func (s *ContentService) UpdatePost(ctx context.Context, id string, u domain.PostUpdate) (*domain.Post, error) {
	ctx, span := tracer.Start(ctx, "ContentService.UpdatePost")
	defer span.End()
	span.SetAttributes(attribute.String("post.id", id))

	if u.Empty() {
		return nil, &domain.ErrValidation{Field: "body", Message: "no fields to update"}
	}
	if err := validate.Struct(u); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, &domain.ErrValidation{Field: strings.ToLower(fe.Field()), Message: "failed " + fe.Tag()}
		}
		return nil, &domain.ErrValidation{Field: "body", Message: err.Error()}
	}

	p, err := withStore(ctx, s, "update_post", func(ctx context.Context) (*domain.Post, error) {
		return s.store.UpdatePost(ctx, id, u)
	})
	if err != nil {
		return nil, err
	}

	s.posts.Delete(postKey(id))
	s.slugs.Delete(slugKey(p.Slug))
	s.lists.Clear()
	if u.CategoryID != nil {
		s.categories.Clear()
	}
	if u.Tags != nil {
		s.tags.Clear()
	}

	s.logger.Info("post updated",
		zap.String("post_id", id),
		zap.String("slug", p.Slug),
	)
	return p, nil
}

// ============================================================
// Admin
// ============================================================

// CacheStats reports every cache namespace and the view window.
func (s *ContentService) CacheStats() *domain.CacheReport {
	report := &domain.CacheReport{DedupRecords: s.views.Len()}
	report.Caches = append(report.Caches,
		namespaceStats(nsPosts, s.posts.Stats()),
		namespaceStats(nsSlugs, s.slugs.Stats()),
		namespaceStats(nsLists, s.lists.Stats()),
		namespaceStats(nsCategories, s.categories.Stats()),
		namespaceStats(nsTags, s.tags.Stats()),
	)
	report.ViewsAccepted, report.ViewsSuppressed = s.metrics.ViewCounts(viewsWindow)
	report.Coalesced = s.metrics.CoalescedTotal(nsPosts, nsSlugs, nsLists, nsCategories, nsTags)
	return report
}

// ClearCaches drops every cached entry. Counters and the view window are
// kept.
func (s *ContentService) ClearCaches() {
	s.posts.Clear()
	s.slugs.Clear()
	s.lists.Clear()
	s.categories.Clear()
	s.tags.Clear()
	s.logger.Info("caches cleared")
}

// Ping checks the store.
func (s *ContentService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close stops every sweeper. Safe to call more than once.
func (s *ContentService) Close() {
	if s.posts != nil {
		s.posts.Dispose()
	}
	if s.slugs != nil {
		s.slugs.Dispose()
	}
	if s.lists != nil {
		s.lists.Dispose()
	}
	if s.categories != nil {
		s.categories.Dispose()
	}
	if s.tags != nil {
		s.tags.Dispose()
	}
	if s.views != nil {
		s.views.Dispose()
	}
}

// withStore runs one store call inside the bulkhead and records its
// duration and failures.
func withStore[T any](ctx context.Context, s *ContentService, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := s.bulkhead.Acquire(ctx); err != nil {
		return zero, &domain.ErrTimeout{Operation: op}
	}
	defer s.bulkhead.Release()

	start := time.Now()
	v, err := fn(ctx)
	s.metrics.RecordRequestDuration(op, time.Since(start))
	if err != nil {
		var nf *domain.ErrNotFound
		if !errors.As(err, &nf) {
			s.metrics.IncrStoreError(op)
			s.logger.Error("store call failed",
				zap.String("operation", op),
				zap.Error(err),
			)
		}
		return zero, err
	}
	return v, nil
}

func namespaceStats(name string, st cache.Stats) domain.CacheNamespaceStats {
	return domain.CacheNamespaceStats{
		Name:    name,
		Hits:    st.Hits,
		Misses:  st.Misses,
		Sets:    st.Sets,
		Deletes: st.Deletes,
		Size:    st.Size,
		HitRate: st.HitRate,
	}
}

func clonePost(p *domain.Post) *domain.Post {
	c := *p
	c.Tags = append([]string{}, p.Tags...)
	return &c
}
