package filestore

import (
	"context"
	"io"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
)

// UnionFS layers an ordered list of child stores. Writes always go to the
// first child. Reads try every child in order, consulting PossiblyExists
// before the authoritative Exists, and return bytes from the first child
// that actually has the key.
type UnionFS struct {
	Children []Store
}

var _ Store = (*UnionFS)(nil)

func NewUnionFS(children ...Store) *UnionFS {
	return &UnionFS{Children: children}
}

func (u *UnionFS) writer() Store {
	return u.Children[0]
}

func (u *UnionFS) PutFile(ctx context.Context, path string, key filekey.Key) error {
	return u.writer().PutFile(ctx, path, key)
}

func (u *UnionFS) PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) error {
	return u.writer().PutFileObject(ctx, r, key)
}

func (u *UnionFS) PutFileBytes(ctx context.Context, b []byte, key filekey.Key) error {
	return u.writer().PutFileBytes(ctx, b, key)
}

// findChild locates the first child that has key, consulting the cheap
// PossiblyExists check before paying for an authoritative Exists.
func (u *UnionFS) findChild(ctx context.Context, key filekey.Key) (Store, error) {
	for _, child := range u.Children {
		maybe, err := child.PossiblyExists(ctx, key)
		if err != nil {
			return nil, err
		}
		switch maybe {
		case No:
			continue
		case Yes:
			return child, nil
		default: // Maybe
			exists, err := child.Exists(ctx, key)
			if err != nil {
				return nil, err
			}
			if exists {
				return child, nil
			}
		}
	}
	return nil, nil
}

func (u *UnionFS) GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error) {
	child, err := u.findChild(ctx, key)
	if err != nil {
		return nil, err
	}
	if child == nil {
		return nil, annexerr.New(annexerr.NotFound, "key not found in any child").
			WithComponent("unionfs").WithDetail("key", string(key))
	}
	return child.GetFileObject(ctx, key)
}

func (u *UnionFS) Stat(ctx context.Context, key filekey.Key) (FileInfo, error) {
	child, err := u.findChild(ctx, key)
	if err != nil {
		return FileInfo{}, err
	}
	if child == nil {
		return FileInfo{}, annexerr.New(annexerr.NotFound, "key not found in any child").WithComponent("unionfs")
	}
	return child.Stat(ctx, key)
}

func (u *UnionFS) Exists(ctx context.Context, key filekey.Key) (bool, error) {
	child, err := u.findChild(ctx, key)
	if err != nil {
		return false, err
	}
	return child != nil, nil
}

func (u *UnionFS) PossiblyExists(ctx context.Context, key filekey.Key) (Existence, error) {
	for _, child := range u.Children {
		maybe, err := child.PossiblyExists(ctx, key)
		if err != nil {
			return No, err
		}
		if maybe != No {
			return Maybe, nil
		}
	}
	return No, nil
}

func (u *UnionFS) Flush(ctx context.Context) error {
	for _, child := range u.Children {
		if err := child.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (u *UnionFS) Open(ctx context.Context) (Handle, error) {
	handles := make([]Handle, 0, len(u.Children))
	for _, child := range u.Children {
		h, err := child.Open(ctx)
		if err != nil {
			for _, opened := range handles {
				opened.Close()
			}
			return nil, err
		}
		handles = append(handles, h)
	}
	return unionHandle{u: u, handles: handles}, nil
}

type unionHandle struct {
	u       *UnionFS
	handles []Handle
}

func (h unionHandle) Close() error {
	var firstErr error
	for _, handle := range h.handles {
		if err := handle.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := h.u.Flush(context.Background()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
