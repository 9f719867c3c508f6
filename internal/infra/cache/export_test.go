package cache

// InjectMalformed stores a nil entry under key so sweep handling of
// corrupt entries can be exercised.
func InjectMalformed[V any](c *Cache[V], key string) {
	c.mu.Lock()
	c.items[key] = nil
	c.mu.Unlock()
}
