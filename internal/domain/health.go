package domain

// ============================================================
// Health & Cache API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
	Error       string `json:"error,omitempty"`
}

// CacheNamespaceStats mirrors cache.Stats for one namespace.
type CacheNamespaceStats struct {
	Name    string  `json:"name"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Deletes uint64  `json:"deletes"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hitRate"`
}

// CacheReport is returned by GET /v1/admin/cache/stats.
type CacheReport struct {
	Caches       []CacheNamespaceStats `json:"caches"`
	DedupRecords int                   `json:"dedupRecords"`
	// Exported counters read back from the Prometheus registry.
	ViewsAccepted   float64 `json:"viewsAccepted"`
	ViewsSuppressed float64 `json:"viewsSuppressed"`
	Coalesced       float64 `json:"coalesced"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
