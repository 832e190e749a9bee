package filestore

import (
	"context"
	"io"
	"sync"

	"github.com/featherbutt/dolt-annex/pkg/filekey"
)

// CAS is a thin adapter over a Store plus a chosen key Format. Its put
// variants accept an optional explicit key; when omitted, the key is
// computed from the bytes before handing off to the underlying Store. It
// also owns an optional batching toggle: each write increments a pending
// counter, and once that counter reaches the configured batch size the
// underlying Store is flushed and the counter resets.
type CAS struct {
	Store  Store
	Format filekey.Format

	mu        sync.Mutex
	batchSize int
	pending   int
}

func NewCAS(store Store, format filekey.Format) *CAS {
	return &CAS{Store: store, Format: format}
}

func (c *CAS) tick(ctx context.Context) error {
	c.mu.Lock()
	size := c.batchSize
	if size > 0 {
		c.pending++
	}
	flush := size > 0 && c.pending >= size
	if flush {
		c.pending = 0
	}
	c.mu.Unlock()

	if flush {
		return c.Store.Flush(ctx)
	}
	return nil
}

// Batch scopes a batch size for the duration of fn, flushing and
// restoring the previous batch size on exit regardless of how fn returns.
func (c *CAS) Batch(ctx context.Context, size int, fn func() error) error {
	c.mu.Lock()
	prev := c.batchSize
	c.batchSize = size
	c.pending = 0
	c.mu.Unlock()

	err := fn()

	c.mu.Lock()
	c.batchSize = prev
	c.pending = 0
	c.mu.Unlock()

	if flushErr := c.Store.Flush(ctx); flushErr != nil && err == nil {
		err = flushErr
	}
	return err
}

func (c *CAS) PutFileBytes(ctx context.Context, b []byte, key filekey.Key) (filekey.Key, error) {
	if key == "" {
		key = c.Format.FromBytes(b, "")
	}
	if err := c.Store.PutFileBytes(ctx, b, key); err != nil {
		return "", err
	}
	return key, c.tick(ctx)
}

func (c *CAS) PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) (filekey.Key, error) {
	if key == "" {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", err
		}
		return c.PutFileBytes(ctx, data, "")
	}
	if err := c.Store.PutFileObject(ctx, r, key); err != nil {
		return "", err
	}
	return key, c.tick(ctx)
}

func (c *CAS) PutFile(ctx context.Context, path string, key filekey.Key) (filekey.Key, error) {
	if key == "" {
		computed, err := c.Format.FromFile(path, "")
		if err != nil {
			return "", err
		}
		key = computed
	}
	if err := c.Store.PutFile(ctx, path, key); err != nil {
		return "", err
	}
	return key, c.tick(ctx)
}

func (c *CAS) GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error) {
	return c.Store.GetFileObject(ctx, key)
}

func (c *CAS) Exists(ctx context.Context, key filekey.Key) (bool, error) {
	return c.Store.Exists(ctx, key)
}
