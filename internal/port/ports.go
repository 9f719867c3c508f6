// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the service
// layer from concrete store implementations.
package port

import (
	"context"

	"github.com/boddenberg/blog-content-cache/internal/domain"
)

// PostStore is the document store behind the content API. Implemented by
// the memory, PostgREST and SQL adapters.
type PostStore interface {
	// Reads
	GetPost(ctx context.Context, id string) (*domain.Post, error)
	GetPostBySlug(ctx context.Context, slug string) (*domain.Post, error)
	ListPosts(ctx context.Context, q domain.PostQuery) (*domain.PostPage, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	ListTags(ctx context.Context) ([]domain.Tag, error)

	// Writes
	IncrementViews(ctx context.Context, id string) (int64, error)
	UpdatePost(ctx context.Context, id string, u domain.PostUpdate) (*domain.Post, error)

	// Health
	Ping(ctx context.Context) error
}
