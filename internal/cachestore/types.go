package cachestore

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrNotFound is returned when writing to a cache whose name was deleted.
	ErrNotFound = errors.New("cache not found")
	// ErrUncacheable is returned by Put for responses that can never match,
	// such as those carrying "Vary: *".
	ErrUncacheable = errors.New("response cannot be cached")
	// ErrClosed is returned by every operation on a closed Store.
	ErrClosed = errors.New("cache store closed")
)

// ResponseType classifies a network response the way a browser does.
type ResponseType string

const (
	TypeBasic  ResponseType = "basic"
	TypeCORS   ResponseType = "cors"
	TypeOpaque ResponseType = "opaque"
	TypeError  ResponseType = "error"
)

// Response is a stored (or storable) response snapshot.
type Response struct {
	URL        string
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Type       ResponseType
	StoredAt   int64 // unix seconds
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a deep copy, so the copy can be stored while the original is
// written to the caller.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Header = cloneHeader(r.Header)
	if r.Body != nil {
		out.Body = make([]byte, len(r.Body))
		copy(out.Body, r.Body)
	}
	return &out
}

// entry is what gets encoded under a request key.
type entry struct {
	// Vary holds the request header values named by the response Vary header.
	Vary     http.Header
	Response *Response
}

// Storage is the set of named caches owned by the application.
type Storage interface {
	// Open returns the cache with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys returns the names of all caches.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a cache and every entry in it. It reports whether the
	// cache existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache is one named request→response store. Every write is atomic on its
// own; PutAll is atomic as a whole.
type Cache interface {
	Name() string
	Match(ctx context.Context, r *http.Request) (*Response, bool, error)
	Put(ctx context.Context, r *http.Request, res *Response) error
	// PutAll stores all pairs or none. reqs and res must have equal length.
	PutAll(ctx context.Context, reqs []*http.Request, res []*Response) error
	Delete(ctx context.Context, r *http.Request) (bool, error)
	// Keys returns the request keys stored in the cache.
	Keys(ctx context.Context) ([]string, error)
}

// Key returns the normalized request key: upper-cased method and the
// absolute URL without fragment.
func Key(r *http.Request) string {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	u := *r.URL
	u.Fragment = ""
	u.RawFragment = ""
	return strings.ToUpper(method) + " " + u.String()
}

// varyNames lists the request headers a stored response varies on.
// Accept-Encoding is left out: bodies are stored decoded, so every encoding
// a client accepts is served by the same entry.
func varyNames(h http.Header) []string {
	var out []string
	for _, v := range h.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			part = http.CanonicalHeaderKey(strings.TrimSpace(part))
			if part != "" && part != "Accept-Encoding" {
				out = append(out, part)
			}
		}
	}
	return out
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
