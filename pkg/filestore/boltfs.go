package filestore

import (
	"bytes"
	"context"
	"io"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	bolt "go.etcd.io/bbolt"
)

var filesBucket = []byte("files")

// BoltFS is the embedded ordered key-value backend: file-key bytes are
// the bucket key, payload bytes are the value.
type BoltFS struct {
	Path string
	db   *bolt.DB
}

var _ Store = (*BoltFS)(nil)

func NewBoltFS(path string) *BoltFS {
	return &BoltFS{Path: path}
}

func (b *BoltFS) Open(ctx context.Context) (Handle, error) {
	db, err := bolt.Open(b.Path, 0o644, nil)
	if err != nil {
		return nil, annexerr.New(annexerr.Fatal, "opening bolt database").WithComponent("boltfs").WithCause(err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(filesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, annexerr.New(annexerr.Fatal, "creating files bucket").WithCause(err)
	}
	b.db = db
	return boltHandle{b}, nil
}

type boltHandle struct{ b *BoltFS }

func (h boltHandle) Close() error { return h.b.Close() }

func (b *BoltFS) PutFile(ctx context.Context, path string, key filekey.Key) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	return b.PutFileBytes(ctx, data, key)
}

func (b *BoltFS) PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "reading input stream").WithCause(err)
	}
	return b.PutFileBytes(ctx, data, key)
}

func (b *BoltFS) PutFileBytes(ctx context.Context, data []byte, key filekey.Key) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(filesBucket)
		if bucket.Get(key.Bytes()) != nil {
			return annexerr.New(annexerr.AlreadyExists, "key already present").
				WithComponent("boltfs").WithDetail("key", string(key))
		}
		return bucket.Put(key.Bytes(), data)
	})
}

func (b *BoltFS) GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get(key.Bytes())
		if v == nil {
			return annexerr.New(annexerr.NotFound, "key not found").
				WithComponent("boltfs").WithDetail("key", string(key))
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *BoltFS) Stat(ctx context.Context, key filekey.Key) (FileInfo, error) {
	var size int64
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get(key.Bytes())
		if v == nil {
			return annexerr.New(annexerr.NotFound, "key not found").WithComponent("boltfs")
		}
		size = int64(len(v))
		return nil
	})
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Size: size}, nil
}

func (b *BoltFS) Exists(ctx context.Context, key filekey.Key) (bool, error) {
	var exists bool
	err := b.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(filesBucket).Get(key.Bytes()) != nil
		return nil
	})
	return exists, err
}

func (b *BoltFS) PossiblyExists(ctx context.Context, key filekey.Key) (Existence, error) {
	exists, err := b.Exists(ctx, key)
	if err != nil {
		return No, err
	}
	if exists {
		return Yes, nil
	}
	return No, nil
}

func (b *BoltFS) Flush(ctx context.Context) error {
	return nil
}

func (b *BoltFS) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
