package filestore

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
)

// MemoryFS is an in-memory Store, intended for tests and for the
// "empty" leaf of a UnionFS during construction.
type MemoryFS struct {
	mu    sync.RWMutex
	files map[filekey.Key][]byte
}

var _ Store = (*MemoryFS)(nil)

func NewMemoryFS() *MemoryFS {
	return &MemoryFS{files: make(map[filekey.Key][]byte)}
}

func (m *MemoryFS) PutFile(ctx context.Context, path string, key filekey.Key) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	return m.PutFileBytes(ctx, data, key)
}

func (m *MemoryFS) PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "reading input stream").WithComponent("memoryfs").WithCause(err)
	}
	return m.PutFileBytes(ctx, data, key)
}

func (m *MemoryFS) PutFileBytes(ctx context.Context, b []byte, key filekey.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[key]; ok {
		return annexerr.New(annexerr.AlreadyExists, "key already present").
			WithComponent("memoryfs").WithDetail("key", string(key))
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	m.files[key] = cp
	return nil
}

func (m *MemoryFS) GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[key]
	if !ok {
		return nil, annexerr.New(annexerr.NotFound, "key not found").
			WithComponent("memoryfs").WithDetail("key", string(key))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryFS) Stat(ctx context.Context, key filekey.Key) (FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[key]
	if !ok {
		return FileInfo{}, annexerr.New(annexerr.NotFound, "key not found").WithComponent("memoryfs")
	}
	return FileInfo{Size: int64(len(data))}, nil
}

func (m *MemoryFS) Exists(ctx context.Context, key filekey.Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.files[key]
	return ok, nil
}

func (m *MemoryFS) PossiblyExists(ctx context.Context, key filekey.Key) (Existence, error) {
	exists, err := m.Exists(ctx, key)
	if err != nil {
		return No, err
	}
	if exists {
		return Yes, nil
	}
	return No, nil
}

func (m *MemoryFS) Flush(ctx context.Context) error { return nil }

func (m *MemoryFS) Open(ctx context.Context) (Handle, error) {
	return nopHandle{}, nil
}
