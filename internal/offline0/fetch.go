package offline0

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offline0/internal/cachestore"
)

// Fetcher is the network collaborator: it returns a response snapshot or
// fails. Error statuses are responses, not failures.
type Fetcher interface {
	Fetch(ctx context.Context, r *http.Request) (*cachestore.Response, error)
}

// HTTPFetcher fetches over HTTP and classifies responses relative to the
// application origin.
type HTTPFetcher struct {
	client *http.Client
	origin string
}

func NewHTTPFetcher(origin *url.URL, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: timeout},
		origin: originOf(origin),
	}
}

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *http.Request) (*cachestore.Response, error) {
	// need to specifically set body to nil on the outgoing request if content is zero length
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if body != nil {
		req.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	res := &cachestore.Response{
		URL:        resp.Request.URL.String(),
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     cloneHeader(resp.Header),
		Body:       b,
		Type:       f.classify(resp),
	}
	res.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		res.Header.Del(h)
	}
	return res, nil
}

// classify mirrors the browser's response tainting: same origin is basic,
// cross-origin with an Access-Control-Allow-Origin header is cors, anything
// else is opaque.
func (f *HTTPFetcher) classify(resp *http.Response) cachestore.ResponseType {
	if originOf(resp.Request.URL) == f.origin {
		return cachestore.TypeBasic
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return cachestore.TypeCORS
	}
	return cachestore.TypeOpaque
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
