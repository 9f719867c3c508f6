// Package domain defines the content entities served by the blog API.
// These models are independent of the store backend.
package domain

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ============================================================
// Content
// ============================================================

// Post is a published article.
type Post struct {
	ID          string    `json:"id"`
	Slug        string    `json:"slug"`
	Title       string    `json:"title"`
	Summary     string    `json:"summary,omitempty"`
	Body        string    `json:"body"`
	CategoryID  string    `json:"category_id,omitempty"`
	Tags        []string  `json:"tags"`
	Author      string    `json:"author,omitempty"`
	Views       int64     `json:"views"`
	PublishedAt time.Time `json:"published_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Category groups posts.
type Category struct {
	ID    string `json:"id"`
	Slug  string `json:"slug"`
	Name  string `json:"name"`
	Posts int    `json:"posts"`
}

// Tag is a free-form label on posts.
type Tag struct {
	Name  string `json:"name"`
	Posts int    `json:"posts"`
}

// PostQuery filters and paginates post listings.
type PostQuery struct {
	CategoryID string
	Tag        string
	Page       int
	PageSize   int
}

// Normalize fills defaults and clamps the page size.
func (q PostQuery) Normalize() PostQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
	q.CategoryID = strings.TrimSpace(q.CategoryID)
	q.Tag = strings.ToLower(strings.TrimSpace(q.Tag))
	return q
}

// CacheKey is a canonical representation of the query, stable across
// parameter order, used to key cached listings.
func (q PostQuery) CacheKey() string {
	q = q.Normalize()
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("size", strconv.Itoa(q.PageSize))
	if q.CategoryID != "" {
		v.Set("category", q.CategoryID)
	}
	if q.Tag != "" {
		v.Set("tag", q.Tag)
	}
	return "posts?" + v.Encode()
}

// Offset returns the zero-based index of the first row of the page.
func (q PostQuery) Offset() int {
	q = q.Normalize()
	return (q.Page - 1) * q.PageSize
}

// PostUpdate carries the editable fields of a post. Nil fields are left
// unchanged.
type PostUpdate struct {
	Title      *string   `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Summary    *string   `json:"summary,omitempty" validate:"omitempty,max=500"`
	Body       *string   `json:"body,omitempty" validate:"omitempty,min=1"`
	CategoryID *string   `json:"category_id,omitempty"`
	Tags       *[]string `json:"tags,omitempty" validate:"omitempty,max=10,dive,min=1,max=50"`
}

// Empty reports whether the update changes nothing.
func (u PostUpdate) Empty() bool {
	return u.Title == nil && u.Summary == nil && u.Body == nil && u.CategoryID == nil && u.Tags == nil
}

// Apply writes the non-nil fields of u onto p.
func (u PostUpdate) Apply(p *Post, now time.Time) {
	if u.Title != nil {
		p.Title = *u.Title
	}
	if u.Summary != nil {
		p.Summary = *u.Summary
	}
	if u.Body != nil {
		p.Body = *u.Body
	}
	if u.CategoryID != nil {
		p.CategoryID = *u.CategoryID
	}
	if u.Tags != nil {
		p.Tags = append([]string(nil), (*u.Tags)...)
	}
	p.UpdatedAt = now
}

// PostPage is a page of a post listing.
type PostPage struct {
	Data     []Post `json:"data"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	HasMore  bool   `json:"has_more"`
}

// HomePage aggregates what the landing page renders.
type HomePage struct {
	Latest     []Post     `json:"latest"`
	Categories []Category `json:"categories"`
	Tags       []Tag      `json:"tags"`
}

// ViewResult is a post read together with whether it counted as a new view.
type ViewResult struct {
	Post    *Post `json:"post"`
	Counted bool  `json:"counted"`
}

func (p *Post) String() string {
	return fmt.Sprintf("post(%s %q)", p.ID, p.Slug)
}
