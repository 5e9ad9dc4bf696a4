package cachestore

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

func backends(t *testing.T) map[string]*Store {
	t.Helper()

	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatal(err)
	}
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	stores := map[string]*Store{
		"memory":  NewMemory(),
		"leveldb": NewLevelDB(db),
		"sqlite":  sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			s.Close()
		}
	})
	return stores
}

func get(t *testing.T, url string) *http.Request {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func textResponse(body string) *Response {
	return &Response{
		Status: 200,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte(body),
		Type:   TypeBasic,
	}
}

func TestOpenListDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"app-v1.0.0", "app-v1.1.0"} {
				if _, err := s.Open(ctx, n); err != nil {
					t.Fatal(err)
				}
			}
			// opening twice is not an error and does not duplicate
			if _, err := s.Open(ctx, "app-v1.0.0"); err != nil {
				t.Fatal(err)
			}

			names, err := s.Keys(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(names, []string{"app-v1.0.0", "app-v1.1.0"}) {
				t.Fatalf("names = %v", names)
			}

			ok, err := s.Delete(ctx, "app-v1.0.0")
			if err != nil || !ok {
				t.Fatalf("delete = %v, %v", ok, err)
			}
			ok, err = s.Delete(ctx, "app-v1.0.0")
			if err != nil || ok {
				t.Fatalf("second delete = %v, %v", ok, err)
			}
			has, err := s.Has(ctx, "app-v1.0.0")
			if err != nil || has {
				t.Fatalf("has after delete = %v, %v", has, err)
			}
			has, err = s.Has(ctx, "app-v1.1.0")
			if err != nil || !has {
				t.Fatalf("has current = %v, %v", has, err)
			}
		})
	}
}

func TestPutMatch(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "app-v1")
			if err != nil {
				t.Fatal(err)
			}
			req := get(t, "https://app.example/index.html#top")
			if err := c.Put(ctx, req, textResponse("hello")); err != nil {
				t.Fatal(err)
			}

			res, ok, err := c.Match(ctx, get(t, "https://app.example/index.html"))
			if err != nil || !ok {
				t.Fatalf("match = %v, %v", ok, err)
			}
			if string(res.Body) != "hello" || res.Status != 200 || res.Header.Get("Content-Type") != "text/plain" {
				t.Fatalf("unexpected response %+v", res)
			}
			if res.StoredAt == 0 {
				t.Error("StoredAt not set")
			}

			if _, ok, _ := c.Match(ctx, get(t, "https://app.example/other.html")); ok {
				t.Error("unexpected hit for other url")
			}

			post, _ := http.NewRequest(http.MethodPost, "https://app.example/index.html", nil)
			if _, ok, _ := c.Match(ctx, post); ok {
				t.Error("POST must not match a GET entry")
			}

			keys, err := c.Keys(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(keys, []string{"GET https://app.example/index.html"}) {
				t.Fatalf("keys = %v", keys)
			}

			ok, err = c.Delete(ctx, req)
			if err != nil || !ok {
				t.Fatalf("delete entry = %v, %v", ok, err)
			}
			if _, ok, _ := c.Match(ctx, req); ok {
				t.Error("entry still present after delete")
			}
		})
	}
}

func TestPutAllIsAtomic(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "app-v1")
			if err != nil {
				t.Fatal(err)
			}
			reqs := []*http.Request{get(t, "https://app.example/a"), get(t, "https://app.example/b")}
			vary := textResponse("b")
			vary.Header.Set("Vary", "*")

			err = c.PutAll(ctx, reqs, []*Response{textResponse("a"), vary})
			if !errors.Is(err, ErrUncacheable) {
				t.Fatalf("err = %v, want ErrUncacheable", err)
			}
			keys, _ := c.Keys(ctx)
			if len(keys) != 0 {
				t.Fatalf("partial write: %v", keys)
			}

			if err := c.PutAll(ctx, reqs, []*Response{textResponse("a"), textResponse("b")}); err != nil {
				t.Fatal(err)
			}
			keys, _ = c.Keys(ctx)
			if len(keys) != 2 {
				t.Fatalf("keys = %v", keys)
			}
		})
	}
}

func TestWriteToDeletedCache(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "app-v1")
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Put(ctx, get(t, "https://app.example/a"), textResponse("a")); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Delete(ctx, "app-v1"); err != nil {
				t.Fatal(err)
			}
			err = c.Put(ctx, get(t, "https://app.example/b"), textResponse("b"))
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("err = %v, want ErrNotFound", err)
			}

			// re-creating the name starts empty
			c, err = s.Open(ctx, "app-v1")
			if err != nil {
				t.Fatal(err)
			}
			keys, _ := c.Keys(ctx)
			if len(keys) != 0 {
				t.Fatalf("keys survived delete: %v", keys)
			}
		})
	}
}

func TestMatchHonoursVary(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "app-v1")
			if err != nil {
				t.Fatal(err)
			}
			req := get(t, "https://app.example/data.json")
			req.Header.Set("Accept-Language", "fr")
			res := textResponse("bonjour")
			res.Header.Set("Vary", "accept-language")
			if err := c.Put(ctx, req, res); err != nil {
				t.Fatal(err)
			}

			fr := get(t, "https://app.example/data.json")
			fr.Header.Set("Accept-Language", "fr")
			if _, ok, _ := c.Match(ctx, fr); !ok {
				t.Error("expected hit with same Accept-Language")
			}
			en := get(t, "https://app.example/data.json")
			en.Header.Set("Accept-Language", "en")
			if _, ok, _ := c.Match(ctx, en); ok {
				t.Error("expected miss with different Accept-Language")
			}
		})
	}
}

func TestMatchIgnoresAcceptEncoding(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "app-v1")
			if err != nil {
				t.Fatal(err)
			}
			// install-time requests carry no headers
			res := textResponse("body{}")
			res.Header.Set("Vary", "Accept-Encoding, Accept-Language")
			if err := c.PutAll(ctx, []*http.Request{get(t, "https://cdn.example/app.css")}, []*Response{res}); err != nil {
				t.Fatal(err)
			}

			browser := get(t, "https://cdn.example/app.css")
			browser.Header.Set("Accept-Encoding", "gzip, deflate, br")
			if _, ok, err := c.Match(ctx, browser); !ok || err != nil {
				t.Fatalf("browser request missed: ok=%v err=%v", ok, err)
			}
			browser.Header.Set("Accept-Language", "fr")
			if _, ok, _ := c.Match(ctx, browser); ok {
				t.Error("expected miss with different Accept-Language")
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := textResponse("body")
	cp := orig.Clone()
	cp.Body[0] = 'B'
	cp.Header.Set("Content-Type", "text/html")
	if string(orig.Body) != "body" || orig.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("clone aliases original: %+v", orig)
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c, err := s.Open(ctx, "app-v1")
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Close(); err != nil {
				t.Fatal(err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("second close: %v", err)
			}
			if _, err := s.Open(ctx, "app-v2"); !errors.Is(err, ErrClosed) {
				t.Fatalf("open err = %v, want ErrClosed", err)
			}
			if _, err := s.Keys(ctx); !errors.Is(err, ErrClosed) {
				t.Fatalf("keys err = %v, want ErrClosed", err)
			}
			if err := c.Put(ctx, get(t, "https://app.example/a"), textResponse("a")); !errors.Is(err, ErrClosed) {
				t.Fatalf("put err = %v, want ErrClosed", err)
			}
			if _, _, err := c.Match(ctx, get(t, "https://app.example/a")); !errors.Is(err, ErrClosed) {
				t.Fatalf("match err = %v, want ErrClosed", err)
			}
		})
	}
}
