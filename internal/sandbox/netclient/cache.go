package netclient

import (
	"context"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// PageCache serves repeated GETs of the same page from memory. Analyses in
// serve and batch mode navigate to the same bait origin over and over.
type PageCache struct {
	next  Client
	pages *expirable.LRU[string, *Response]
}

// NewPageCache wraps next. Only successful GETs are cached.
func NewPageCache(next Client, size int, ttl time.Duration) *PageCache {
	if size <= 0 {
		size = 64
	}
	return &PageCache{
		next:  next,
		pages: expirable.NewLRU[string, *Response](size, nil, ttl),
	}
}

func (c *PageCache) Do(ctx context.Context, req *Request) (*Response, error) {
	cacheable := req.Method == "" || req.Method == http.MethodGet
	if cacheable {
		if resp, ok := c.pages.Get(req.URL); ok {
			return resp.clone(), nil
		}
	}

	resp, err := c.next.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if cacheable && resp.Status == http.StatusOK {
		c.pages.Add(req.URL, resp.clone())
	}
	return resp, nil
}

// Len reports the number of cached pages.
func (c *PageCache) Len() int {
	return c.pages.Len()
}

func (r *Response) clone() *Response {
	out := *r
	out.Header = r.Header.Clone()
	return &out
}
