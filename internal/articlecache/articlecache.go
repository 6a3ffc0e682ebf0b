// Package articlecache holds the most recently ingested articles in memory
// so the QA pipeline's context-fetch step can draw on them without issuing a
// live scrape on the request path.
package articlecache

import (
	"sync"

	"github.com/syriaqa/qapipeline/domain"
)

// Cache is a fixed-capacity, most-recent-first buffer of articles. Reads and
// writes are both short, guarded by a single mutex.
type Cache struct {
	mu    sync.Mutex
	items []domain.Article
	cap   int
}

// New builds a Cache holding at most capacity articles.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	return &Cache{cap: capacity}
}

// AddAll prepends articles, evicting the oldest entries beyond capacity.
func (c *Cache) AddAll(articles []domain.Article) {
	if len(articles) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(articles, c.items...)
	if len(c.items) > c.cap {
		c.items = c.items[:c.cap]
	}
}

// Recent returns up to limit of the most recently added articles.
func (c *Cache) Recent(limit int) []domain.Article {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit > len(c.items) {
		limit = len(c.items)
	}
	out := make([]domain.Article, limit)
	copy(out, c.items[:limit])
	return out
}

// Len reports the current number of cached articles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
