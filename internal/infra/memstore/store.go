// Package memstore is an in-process PostStore used for local development
// and tests.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/domain"

	"github.com/google/uuid"
)

// Store keeps posts and categories in maps guarded by one mutex.
type Store struct {
	mu         sync.RWMutex
	posts      map[string]*domain.Post
	bySlug     map[string]string
	categories map[string]domain.Category
	now        func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		posts:      make(map[string]*domain.Post),
		bySlug:     make(map[string]string),
		categories: make(map[string]domain.Category),
		now:        time.Now,
	}
}

// AddCategory inserts or replaces a category.
func (s *Store) AddCategory(c domain.Category) domain.Category {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.categories[c.ID] = c
	return c
}

// AddPost inserts a post, assigning an ID and timestamps when missing.
func (s *Store) AddPost(p domain.Post) *domain.Post {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.PublishedAt.IsZero() {
		p.PublishedAt = s.now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.PublishedAt
	}
	stored := clonePost(&p)
	s.posts[p.ID] = stored
	s.bySlug[p.Slug] = p.ID
	return clonePost(stored)
}

func (s *Store) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "post", ID: id}
	}
	return clonePost(p), nil
}

func (s *Store) GetPostBySlug(ctx context.Context, slug string) (*domain.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySlug[slug]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "post", ID: slug}
	}
	return clonePost(s.posts[id]), nil
}

// ListPosts returns posts newest first, filtered by category and tag.
func (s *Store) ListPosts(ctx context.Context, q domain.PostQuery) (*domain.PostPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q = q.Normalize()

	s.mu.RLock()
	matched := make([]*domain.Post, 0, len(s.posts))
	for _, p := range s.posts {
		if q.CategoryID != "" && p.CategoryID != q.CategoryID {
			continue
		}
		if q.Tag != "" && !hasTag(p, q.Tag) {
			continue
		}
		matched = append(matched, p)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].PublishedAt.Equal(matched[j].PublishedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].PublishedAt.After(matched[j].PublishedAt)
	})

	page := &domain.PostPage{
		Data:     []domain.Post{},
		Total:    len(matched),
		Page:     q.Page,
		PageSize: q.PageSize,
	}
	start := q.Offset()
	for i := start; i < len(matched) && i < start+q.PageSize; i++ {
		page.Data = append(page.Data, *clonePost(matched[i]))
	}
	s.mu.RUnlock()

	page.HasMore = start+len(page.Data) < page.Total
	return page, nil
}

func (s *Store) ListCategories(ctx context.Context) ([]domain.Category, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, p := range s.posts {
		counts[p.CategoryID]++
	}
	out := make([]domain.Category, 0, len(s.categories))
	for _, c := range s.categories {
		c.Posts = counts[c.ID]
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListTags(ctx context.Context) ([]domain.Tag, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, p := range s.posts {
		for _, t := range p.Tags {
			counts[strings.ToLower(t)]++
		}
	}
	out := make([]domain.Tag, 0, len(counts))
	for name, n := range counts {
		out = append(out, domain.Tag{Name: name, Posts: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Posts == out[j].Posts {
			return out[i].Name < out[j].Name
		}
		return out[i].Posts > out[j].Posts
	})
	return out, nil
}

func (s *Store) IncrementViews(ctx context.Context, id string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return 0, &domain.ErrNotFound{Resource: "post", ID: id}
	}
	p.Views++
	return p.Views, nil
}

func (s *Store) UpdatePost(ctx context.Context, id string, u domain.PostUpdate) (*domain.Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "post", ID: id}
	}
	u.Apply(p, s.now())
	return clonePost(p), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func hasTag(p *domain.Post, tag string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func clonePost(p *domain.Post) *domain.Post {
	c := *p
	c.Tags = append([]string{}, p.Tags...)
	return &c
}
