package client

import (
	"net/http"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
)

// newCachingHTTPClient wraps base in an HTTP cache so repeated job fetches
// revalidate with If-None-Match instead of transferring unchanged bodies.
// An empty cacheDir keeps the cache in memory.
func newCachingHTTPClient(base http.RoundTripper, cacheDir string) *http.Client {
	var cache httpcache.Cache = httpcache.NewMemoryCache()
	if cacheDir != "" {
		cache = diskcache.New(cacheDir)
	}

	transport := httpcache.NewTransport(cache)
	transport.Transport = base

	return &http.Client{
		Transport: transport,
	}
}
