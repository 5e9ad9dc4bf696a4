package offline0

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"offline0/internal/cachestore"
)

func init() {
	log.Logger = zerolog.Nop()
}

var errOffline = errors.New("network unreachable")

var testOrigin = mustURL("https://tresorerie.example/app/")

func mustURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func abs(ref string) string {
	return testOrigin.ResolveReference(mustURL(ref)).String()
}

// fakeFetcher answers from a fixed table. Unknown URLs get a 404.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*cachestore.Response
	failures  map[string]error
	offline   bool
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: map[string]*cachestore.Response{},
		failures:  map[string]error{},
		calls:     map[string]int{},
	}
}

func (f *fakeFetcher) serve(u string, status int, body string, typ cachestore.ResponseType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[u] = &cachestore.Response{
		URL:    u,
		Status: status,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		Type:   typ,
	}
}

// serveAll makes every manifest entry answer 200 with its URL as body.
func (f *fakeFetcher) serveAll(entries []string) {
	for _, e := range entries {
		u := abs(e)
		typ := cachestore.TypeBasic
		if originOf(mustURL(u)) != originOf(testOrigin) {
			typ = cachestore.TypeCORS
		}
		f.serve(u, http.StatusOK, u, typ)
	}
}

func (f *fakeFetcher) fail(u string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[u] = err
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeFetcher) count(method, u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method+" "+u]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) Fetch(_ context.Context, r *http.Request) (*cachestore.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := r.URL.String()
	f.calls[r.Method+" "+u]++
	if f.offline {
		return nil, errOffline
	}
	if err, ok := f.failures[u]; ok {
		return nil, err
	}
	if res, ok := f.responses[u]; ok {
		return res.Clone(), nil
	}
	return &cachestore.Response{URL: u, Status: http.StatusNotFound, Header: http.Header{}, Type: cachestore.TypeBasic}, nil
}

// countingStorage counts every call that reaches the store.
type countingStorage struct {
	cachestore.Storage
	ops atomic.Int64
}

func (s *countingStorage) Open(ctx context.Context, name string) (cachestore.Cache, error) {
	s.ops.Add(1)
	c, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &countingCache{Cache: c, ops: &s.ops}, nil
}

func (s *countingStorage) Has(ctx context.Context, name string) (bool, error) {
	s.ops.Add(1)
	return s.Storage.Has(ctx, name)
}

func (s *countingStorage) Keys(ctx context.Context) ([]string, error) {
	s.ops.Add(1)
	return s.Storage.Keys(ctx)
}

func (s *countingStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.ops.Add(1)
	return s.Storage.Delete(ctx, name)
}

type countingCache struct {
	cachestore.Cache
	ops     *atomic.Int64
	matches atomic.Int64
}

func (c *countingCache) Match(ctx context.Context, r *http.Request) (*cachestore.Response, bool, error) {
	c.ops.Add(1)
	c.matches.Add(1)
	return c.Cache.Match(ctx, r)
}

func (c *countingCache) Put(ctx context.Context, r *http.Request, res *cachestore.Response) error {
	c.ops.Add(1)
	return c.Cache.Put(ctx, r, res)
}

func (c *countingCache) PutAll(ctx context.Context, reqs []*http.Request, res []*cachestore.Response) error {
	c.ops.Add(1)
	return c.Cache.PutAll(ctx, reqs, res)
}

func (c *countingCache) Delete(ctx context.Context, r *http.Request) (bool, error) {
	c.ops.Add(1)
	return c.Cache.Delete(ctx, r)
}

func (c *countingCache) Keys(ctx context.Context) ([]string, error) {
	c.ops.Add(1)
	return c.Cache.Keys(ctx)
}

// undeletableStorage refuses to delete one cache name.
type undeletableStorage struct {
	cachestore.Storage
	name string
}

func (s *undeletableStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.name {
		return false, errors.New("disk is read-only")
	}
	return s.Storage.Delete(ctx, name)
}

type fakeClient struct {
	id string

	mu       sync.Mutex
	messages []Message
	failures int
}

func (c *fakeClient) ID() string { return c.id }

func (c *fakeClient) Post(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return errors.New("client gone")
	}
	c.messages = append(c.messages, msg)
	return nil
}

func (c *fakeClient) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.messages...)
}

// fakeHost records agent callbacks.
type fakeHost struct {
	mu       sync.Mutex
	skipped  int
	claimed  int
	clients  []Client
	matchErr error
	onClaim  func()
}

func (h *fakeHost) SkipWaiting(context.Context, *Agent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipped++
	return nil
}

func (h *fakeHost) Claim(context.Context, *Agent) error {
	h.mu.Lock()
	h.claimed++
	onClaim := h.onClaim
	h.mu.Unlock()
	if onClaim != nil {
		onClaim()
	}
	return nil
}

func (h *fakeHost) MatchAll(context.Context, *Agent) ([]Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients, h.matchErr
}

func newTestAgent(t *testing.T, storage cachestore.Storage, network Fetcher, version string, mutate func(*AgentConfig)) *Agent {
	t.Helper()
	cfg := AgentConfig{
		CacheName: "tresorerie-familiale-" + version,
		Origin:    testOrigin,
		Manifest:  append([]string(nil), DefaultManifest...),
		SyncTags:  []string{SyncTagPaiements},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewAgent(cfg, storage, network)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func cacheKeys(t *testing.T, s cachestore.Storage, name string) []string {
	t.Helper()
	c, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := c.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(keys)
	return keys
}

func manifestKeys(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, http.MethodGet+" "+abs(e))
	}
	sort.Strings(out)
	return out
}

func storeNames(t *testing.T, s cachestore.Storage) []string {
	t.Helper()
	names, err := s.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	return names
}
