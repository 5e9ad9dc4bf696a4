package offline0

import (
	"net/http"
	"net/url"
	"strings"

	"offline0/internal/cachestore"
)

// Outcomes recorded on a FetchEvent and exposed in the X-Offline0 header.
const (
	OutcomeCache    = "cache"
	OutcomeNetwork  = "network"
	OutcomeFallback = "fallback"
	OutcomeOffline  = "offline"
	OutcomeBypass   = "bypass"
	OutcomeRejected = "rejected"
)

const offlineBody = "Ressource non disponible hors ligne"

// FetchEvent is one intercepted request.
type FetchEvent struct {
	// Request always carries an absolute URL.
	Request *http.Request
	// Navigate is set for top-level document loads.
	Navigate bool

	outcome string
}

// NewFetchEvent wraps an incoming request. Relative request targets (the
// reverse-proxy form) resolve against origin; absolute targets (the forward-
// proxy form) are kept as they are.
func NewFetchEvent(r *http.Request, origin *url.URL) *FetchEvent {
	u := *r.URL
	if !u.IsAbs() {
		u = *origin.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	req := r.Clone(r.Context())
	req.URL = &u
	req.Host = u.Host
	req.RequestURI = ""

	mode := r.Header.Get("Sec-Fetch-Mode")
	return &FetchEvent{
		Request:  req,
		Navigate: mode == "navigate" || (mode == "" && r.Header.Get("Sec-Fetch-Dest") == "document"),
	}
}

// Origin returns scheme://host of the request target.
func (e *FetchEvent) Origin() string {
	return originOf(e.Request.URL)
}

func (e *FetchEvent) SameOrigin(origin *url.URL) bool {
	return e.Origin() == originOf(origin)
}

// AcceptsHTML reports whether the Accept header asks for an HTML document.
func (e *FetchEvent) AcceptsHTML() bool {
	return strings.Contains(e.Request.Header.Get("Accept"), "text/html")
}

// Outcome is how the strategy answered, empty until it did.
func (e *FetchEvent) Outcome() string { return e.outcome }

func (e *FetchEvent) record(outcome string) { e.outcome = outcome }

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// offlineResponse is served when every fallback is exhausted.
func offlineResponse(u string) *cachestore.Response {
	return &cachestore.Response{
		URL:        u,
		Status:     http.StatusServiceUnavailable,
		StatusText: "Service Unavailable",
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(offlineBody),
		Type:       cachestore.TypeBasic,
	}
}
