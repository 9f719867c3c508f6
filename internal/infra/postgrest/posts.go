package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/domain"
	"github.com/boddenberg/blog-content-cache/internal/infra/resilience"

	"go.opentelemetry.io/otel/attribute"
)

const postColumns = "id,slug,title,summary,body,category_id,tags,author,views,published_at,updated_at"

// postRow maps the posts table. Nullable text columns decode to "".
type postRow struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Summary     *string   `json:"summary"`
	Body        string    `json:"body"`
	CategoryID  *string   `json:"category_id"`
	Tags        []string  `json:"tags"`
	Author      *string   `json:"author"`
	Views       int64     `json:"views"`
	PublishedAt time.Time `json:"published_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (r postRow) toDomain() domain.Post {
	p := domain.Post{
		ID:          r.ID,
		Slug:        r.Slug,
		Title:       r.Title,
		Summary:     deref(r.Summary),
		Body:        r.Body,
		CategoryID:  deref(r.CategoryID),
		Tags:        r.Tags,
		Author:      deref(r.Author),
		Views:       r.Views,
		PublishedAt: r.PublishedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if p.Tags == nil {
		p.Tags = []string{}
	}
	return p
}

func (c *Client) GetPost(ctx context.Context, id string) (*domain.Post, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.GetPost")
	defer span.End()
	span.SetAttributes(attribute.String("post.id", id))

	return c.getOne(ctx, "id", id)
}

func (c *Client) GetPostBySlug(ctx context.Context, slug string) (*domain.Post, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.GetPostBySlug")
	defer span.End()
	span.SetAttributes(attribute.String("post.slug", slug))

	return c.getOne(ctx, "slug", slug)
}

func (c *Client) getOne(ctx context.Context, column, value string) (*domain.Post, error) {
	path := fmt.Sprintf("posts?select=%s&%s=eq.%s&limit=1", postColumns, column, url.QueryEscape(value))

	var post *domain.Post
	err := c.call(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, path, nil, "")
		if err != nil {
			return err
		}
		var rows []postRow
		if err := json.Unmarshal(resp.body, &rows); err != nil {
			return resilience.Permanent(fmt.Errorf("decode post: %w", err))
		}
		if len(rows) == 0 {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "post", ID: value})
		}
		p := rows[0].toDomain()
		post = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

// ListPosts pages through posts newest first. The total comes from the
// Content-Range header requested with count=exact.
func (c *Client) ListPosts(ctx context.Context, q domain.PostQuery) (*domain.PostPage, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.ListPosts")
	defer span.End()

	q = q.Normalize()
	span.SetAttributes(
		attribute.Int("query.page", q.Page),
		attribute.Int("query.page_size", q.PageSize),
	)

	params := url.Values{}
	params.Set("select", postColumns)
	params.Set("order", "published_at.desc,id.asc")
	params.Set("limit", strconv.Itoa(q.PageSize))
	params.Set("offset", strconv.Itoa(q.Offset()))
	if q.CategoryID != "" {
		params.Set("category_id", "eq."+q.CategoryID)
	}
	if q.Tag != "" {
		params.Set("tags", "cs.{"+q.Tag+"}")
	}
	path := "posts?" + params.Encode()

	page := &domain.PostPage{Data: []domain.Post{}, Page: q.Page, PageSize: q.PageSize}
	err := c.call(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, path, nil, "count=exact")
		if err != nil {
			return err
		}
		var rows []postRow
		if err := json.Unmarshal(resp.body, &rows); err != nil {
			return resilience.Permanent(fmt.Errorf("decode posts: %w", err))
		}
		page.Data = page.Data[:0]
		for _, r := range rows {
			page.Data = append(page.Data, r.toDomain())
		}
		page.Total = resp.total
		if page.Total < 0 {
			page.Total = q.Offset() + len(rows)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	page.HasMore = q.Offset()+len(page.Data) < page.Total
	return page, nil
}

// ListCategories reads the category_stats view (categories joined with
// their post counts).
func (c *Client) ListCategories(ctx context.Context) ([]domain.Category, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.ListCategories")
	defer span.End()

	var cats []domain.Category
	err := c.call(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, "category_stats?select=id,slug,name,posts&order=name.asc", nil, "")
		if err != nil {
			return err
		}
		cats = []domain.Category{}
		if err := json.Unmarshal(resp.body, &cats); err != nil {
			return resilience.Permanent(fmt.Errorf("decode categories: %w", err))
		}
		return nil
	})
	return cats, err
}

// ListTags reads the tag_stats view, most used first.
func (c *Client) ListTags(ctx context.Context) ([]domain.Tag, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.ListTags")
	defer span.End()

	var tags []domain.Tag
	err := c.call(ctx, func() error {
		resp, err := c.do(ctx, http.MethodGet, "tag_stats?select=name,posts&order=posts.desc,name.asc", nil, "")
		if err != nil {
			return err
		}
		tags = []domain.Tag{}
		if err := json.Unmarshal(resp.body, &tags); err != nil {
			return resilience.Permanent(fmt.Errorf("decode tags: %w", err))
		}
		return nil
	})
	return tags, err
}

// IncrementViews calls the increment_post_views function, which returns the
// new count or null for an unknown post. Never retried.
func (c *Client) IncrementViews(ctx context.Context, id string) (int64, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.IncrementViews")
	defer span.End()
	span.SetAttributes(attribute.String("post.id", id))

	var views int64
	err := c.callOnce(ctx, func() error {
		resp, err := c.do(ctx, http.MethodPost, "rpc/increment_post_views", map[string]string{"post_id": id}, "")
		if err != nil {
			return err
		}
		var n *int64
		if err := json.Unmarshal(resp.body, &n); err != nil {
			return resilience.Permanent(fmt.Errorf("decode view count: %w", err))
		}
		if n == nil {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "post", ID: id})
		}
		views = *n
		return nil
	})
	return views, err
}

// UpdatePost patches the non-nil fields and returns the stored row.
func (c *Client) UpdatePost(ctx context.Context, id string, u domain.PostUpdate) (*domain.Post, error) {
	ctx, span := tracer.Start(ctx, "PostgREST.UpdatePost")
	defer span.End()
	span.SetAttributes(attribute.String("post.id", id))

	patch := map[string]any{"updated_at": time.Now().UTC()}
	if u.Title != nil {
		patch["title"] = *u.Title
	}
	if u.Summary != nil {
		patch["summary"] = *u.Summary
	}
	if u.Body != nil {
		patch["body"] = *u.Body
	}
	if u.CategoryID != nil {
		patch["category_id"] = *u.CategoryID
	}
	if u.Tags != nil {
		patch["tags"] = *u.Tags
	}

	path := fmt.Sprintf("posts?id=eq.%s&select=%s", url.QueryEscape(id), postColumns)

	var post *domain.Post
	err := c.call(ctx, func() error {
		resp, err := c.do(ctx, http.MethodPatch, path, patch, "return=representation")
		if err != nil {
			return err
		}
		var rows []postRow
		if err := json.Unmarshal(resp.body, &rows); err != nil {
			return resilience.Permanent(fmt.Errorf("decode post: %w", err))
		}
		if len(rows) == 0 {
			return resilience.Permanent(&domain.ErrNotFound{Resource: "post", ID: id})
		}
		p := rows[0].toDomain()
		post = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

// Ping issues a one-row read outside the breaker.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "posts?select=id&limit=1", nil, "")
	return err
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
