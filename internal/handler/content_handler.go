package handler

import (
	"net"
	"net/http"

	"github.com/boddenberg/blog-content-cache/internal/domain"
	"github.com/boddenberg/blog-content-cache/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Public reads
// ============================================================

func homeHandler(svc *service.ContentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/home")
		defer span.End()

		home, err := svc.Home(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, home)
	}
}

// listPostsHandler serves GET /v1/posts?category=&tag=&page=&page_size=
func listPostsHandler(svc *service.ContentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/posts")
		defer span.End()

		page, pageSize := parsePagination(r)
		q := domain.PostQuery{
			CategoryID: r.URL.Query().Get("category"),
			Tag:        r.URL.Query().Get("tag"),
			Page:       page,
			PageSize:   pageSize,
		}

		result, err := svc.ListPosts(ctx, q)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func getPostHandler(svc *service.ContentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/posts/{postId}")
		defer span.End()

		postID := chi.URLParam(r, "postId")
		span.SetAttributes(attribute.String("post.id", postID))

		res, err := svc.GetPost(ctx, postID, clientID(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func getPostBySlugHandler(svc *service.ContentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/posts/slug/{slug}")
		defer span.End()

		slug := chi.URLParam(r, "slug")
		span.SetAttributes(attribute.String("post.slug", slug))

		res, err := svc.GetPostBySlug(ctx, slug, clientID(r))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func listCategoriesHandler(svc *service.ContentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/categories")
		defer span.End()

		cats, err := svc.ListCategories(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": cats})
	}
}

func listTagsHandler(svc *service.ContentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/tags")
		defer span.End()

		tags, err := svc.ListTags(ctx)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": tags})
	}
}

// clientID identifies the reader for view dedup: the remote IP as resolved
// by middleware.RealIP, without the port.
func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
