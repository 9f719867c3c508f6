package handler

import (
	"encoding/json"
	"net/http"

	"github.com/boddenberg/blog-content-cache/internal/domain"
	"github.com/boddenberg/blog-content-cache/internal/service"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ============================================================
// Admin
// ============================================================

func updatePostHandler(svc *service.ContentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /v1/admin/posts/{postId}")
		defer span.End()

		postID := chi.URLParam(r, "postId")
		span.SetAttributes(
			attribute.String("post.id", postID),
			attribute.String("admin.subject", AdminSubjectFromContext(ctx)),
		)

		var u domain.PostUpdate
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&u); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		post, err := svc.UpdatePost(ctx, postID, u)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		logger.Info("admin: post updated",
			zap.String("post_id", postID),
			zap.String("admin", AdminSubjectFromContext(ctx)),
		)
		writeJSON(w, http.StatusOK, post)
	}
}

func cacheStatsHandler(svc *service.ContentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.CacheStats())
	}
}

func clearCacheHandler(svc *service.ContentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc.ClearCaches()
		logger.Info("admin: caches cleared", zap.String("admin", AdminSubjectFromContext(r.Context())))
		writeJSON(w, http.StatusOK, domain.SuccessResponse{Message: "caches cleared"})
	}
}
