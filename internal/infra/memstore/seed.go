package memstore

import (
	"time"

	"github.com/boddenberg/blog-content-cache/internal/domain"
)

// Seed fills s with a small demo catalogue so the API has something to serve
// when no real store is configured.
func Seed(s *Store) {
	engineering := s.AddCategory(domain.Category{Slug: "engineering", Name: "Engineering"})
	notes := s.AddCategory(domain.Category{Slug: "notes", Name: "Notes"})

	base := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	posts := []domain.Post{
		{
			Slug:       "caching-content-reads",
			Title:      "Caching content reads",
			Summary:    "Keeping hot queries off the database.",
			Body:       "Most page loads ask the same questions. Answer them once.",
			CategoryID: engineering.ID,
			Tags:       []string{"cache", "performance"},
		},
		{
			Slug:       "counting-views-once",
			Title:      "Counting views once",
			Summary:    "A refresh is not a new reader.",
			Body:       "Views are deduplicated per reader inside a short window.",
			CategoryID: engineering.ID,
			Tags:       []string{"analytics"},
		},
		{
			Slug:       "release-notes",
			Title:      "Release notes",
			Body:       "Small fixes and a faster home page.",
			CategoryID: notes.ID,
			Tags:       []string{"changelog"},
		},
	}
	for i, p := range posts {
		p.Author = "editorial"
		p.PublishedAt = base.Add(time.Duration(i) * 24 * time.Hour)
		s.AddPost(p)
	}
}
