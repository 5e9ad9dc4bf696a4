package cachestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// record is one encoded entry waiting to be written.
type record struct {
	key   string
	value []byte
}

// backend is the raw byte store behind a Store. Implementations must be safe
// for concurrent use, and write must apply all records or none.
type backend interface {
	createCache(ctx context.Context, name string) error
	hasCache(ctx context.Context, name string) (bool, error)
	cacheNames(ctx context.Context) ([]string, error)
	deleteCache(ctx context.Context, name string) (bool, error)

	get(ctx context.Context, name, key string) ([]byte, bool, error)
	// write fails with ErrNotFound when the cache does not exist.
	write(ctx context.Context, name string, recs []record) error
	remove(ctx context.Context, name, key string) (bool, error)
	entryKeys(ctx context.Context, name string) ([]string, error)

	close() error
}

// Store implements Storage on top of one backend.
type Store struct {
	b      backend
	closed atomic.Bool
}

func (s *Store) Open(ctx context.Context, name string) (Cache, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.b.createCache(ctx, name); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &namedCache{name: name, b: s.b, s: s}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.b.hasCache(ctx, name)
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.b.cacheNames(ctx)
}

func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	return s.b.deleteCache(ctx, name)
}

// Close releases the underlying database, if any. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.b.close()
}

type namedCache struct {
	name string
	b    backend
	s    *Store
}

func (c *namedCache) Name() string { return c.name }

func (c *namedCache) Match(ctx context.Context, r *http.Request) (*Response, bool, error) {
	if c.s.closed.Load() {
		return nil, false, ErrClosed
	}
	raw, ok, err := c.b.get(ctx, c.name, Key(r))
	if err != nil || !ok {
		return nil, false, err
	}
	var ent entry
	if err := decodeGob(raw, &ent); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", Key(r), err)
	}
	for name, want := range ent.Vary {
		if r.Header.Get(name) != firstOrEmpty(want) {
			return nil, false, nil
		}
	}
	return ent.Response, true, nil
}

func (c *namedCache) Put(ctx context.Context, r *http.Request, res *Response) error {
	rec, err := encodeRecord(r, res)
	if err != nil {
		return err
	}
	if c.s.closed.Load() {
		return ErrClosed
	}
	return c.b.write(ctx, c.name, []record{rec})
}

func (c *namedCache) PutAll(ctx context.Context, reqs []*http.Request, res []*Response) error {
	if len(reqs) != len(res) {
		return fmt.Errorf("put all: %d requests, %d responses", len(reqs), len(res))
	}
	recs := make([]record, 0, len(reqs))
	for i := range reqs {
		rec, err := encodeRecord(reqs[i], res[i])
		if err != nil {
			return err
		}
		recs = append(recs, rec)
	}
	if c.s.closed.Load() {
		return ErrClosed
	}
	return c.b.write(ctx, c.name, recs)
}

func (c *namedCache) Delete(ctx context.Context, r *http.Request) (bool, error) {
	if c.s.closed.Load() {
		return false, ErrClosed
	}
	return c.b.remove(ctx, c.name, Key(r))
}

func (c *namedCache) Keys(ctx context.Context) ([]string, error) {
	if c.s.closed.Load() {
		return nil, ErrClosed
	}
	return c.b.entryKeys(ctx, c.name)
}

func encodeRecord(r *http.Request, res *Response) (record, error) {
	key := Key(r)
	if res == nil {
		return record{}, fmt.Errorf("put %s: nil response", key)
	}
	ent := entry{Response: res.Clone()}
	if ent.Response.StoredAt == 0 {
		ent.Response.StoredAt = time.Now().Unix()
	}
	for _, name := range varyNames(res.Header) {
		if name == "*" {
			return record{}, fmt.Errorf("put %s: vary *: %w", key, ErrUncacheable)
		}
		if ent.Vary == nil {
			ent.Vary = http.Header{}
		}
		ent.Vary.Set(name, r.Header.Get(name))
	}
	b, err := encodeGob(ent)
	if err != nil {
		return record{}, fmt.Errorf("encode %s: %w", key, err)
	}
	return record{key: key, value: b}, nil
}

func firstOrEmpty(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
