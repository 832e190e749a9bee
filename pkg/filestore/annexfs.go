package filestore

import (
	"context"
	"crypto/md5" //nolint:gosec // locator hash, not a content digest; see package doc
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
)

// AnnexFS is the reference local backend: a hashed two-level directory
// tree under root, keyed by an MD5 locator hash of the file key's bytes.
// The locator hash is historic and explicitly non-cryptographic; it
// exists only to fan keys out across directories, not to authenticate
// content. A deprecated single-file-per-directory layout is consulted as
// a read-only fallback for data written before the current layout.
type AnnexFS struct {
	Root string
}

var _ Store = (*AnnexFS)(nil)

func NewAnnexFS(root string) *AnnexFS {
	return &AnnexFS{Root: root}
}

// locatorHash returns the hex MD5 digest used to place key within the
// directory tree. Never used for content verification.
func locatorHash(key filekey.Key) string {
	sum := md5.Sum(key.Bytes()) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// KeyPath returns the current on-disk path for key:
// root/<md5[0:3]>/<md5[3:6]>/<key>.
func (a *AnnexFS) KeyPath(key filekey.Key) string {
	h := locatorHash(key)
	return filepath.Join(a.Root, h[0:3], h[3:6], string(key))
}

// deprecatedKeyPath returns the legacy per-key-directory layout:
// root/<md5[0:3]>/<md5[3:6]>/<key>/<key>.
func (a *AnnexFS) deprecatedKeyPath(key filekey.Key) string {
	h := locatorHash(key)
	return filepath.Join(a.Root, h[0:3], h[3:6], string(key), string(key))
}

func (a *AnnexFS) PutFile(ctx context.Context, path string, key filekey.Key) error {
	dst := a.KeyPath(key)
	if _, err := os.Stat(dst); err == nil {
		return annexerr.New(annexerr.AlreadyExists, "key already present").
			WithComponent("annexfs").WithDetail("key", string(key))
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return annexerr.New(annexerr.Fatal, "creating destination directory").WithCause(err)
	}
	if err := os.Rename(path, dst); err != nil {
		// Cross-device rename: fall back to copy-then-remove.
		if copyErr := copyThenRemove(path, dst); copyErr != nil {
			return annexerr.New(annexerr.Fatal, "moving file into annex").WithCause(copyErr)
		}
	}
	return nil
}

func copyThenRemove(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := streamCopy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func (a *AnnexFS) PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) error {
	dst := a.KeyPath(key)
	if _, err := os.Stat(dst); err == nil {
		return annexerr.New(annexerr.AlreadyExists, "key already present").
			WithComponent("annexfs").WithDetail("key", string(key))
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return annexerr.New(annexerr.Fatal, "creating destination directory").WithCause(err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "creating destination file").WithCause(err)
	}
	if _, err := streamCopy(out, r); err != nil {
		out.Close()
		os.Remove(dst)
		return annexerr.New(annexerr.Fatal, "writing file contents").WithCause(err)
	}
	return out.Close()
}

func (a *AnnexFS) PutFileBytes(ctx context.Context, b []byte, key filekey.Key) error {
	dst := a.KeyPath(key)
	if _, err := os.Stat(dst); err == nil {
		return annexerr.New(annexerr.AlreadyExists, "key already present").
			WithComponent("annexfs").WithDetail("key", string(key))
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return annexerr.New(annexerr.Fatal, "creating destination directory").WithCause(err)
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return annexerr.New(annexerr.Fatal, "writing file contents").WithCause(err)
	}
	return nil
}

func (a *AnnexFS) GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error) {
	f, err := os.Open(a.KeyPath(key))
	if err == nil {
		info, statErr := f.Stat()
		if statErr == nil && !info.IsDir() {
			return f, nil
		}
		// A directory at the current path is the deprecated layout's
		// per-key directory.
		f.Close()
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, annexerr.New(annexerr.Fatal, "opening file").WithCause(err)
	}
	// Deprecated-layout read fallback.
	f, err = os.Open(a.deprecatedKeyPath(key))
	if err != nil {
		return nil, annexerr.New(annexerr.NotFound, "key not found in current or deprecated layout").
			WithComponent("annexfs").WithDetail("key", string(key))
	}
	return f, nil
}

func (a *AnnexFS) Stat(ctx context.Context, key filekey.Key) (FileInfo, error) {
	info, err := os.Stat(a.KeyPath(key))
	if err != nil || info.IsDir() {
		info, err = os.Stat(a.deprecatedKeyPath(key))
		if err != nil {
			return FileInfo{}, annexerr.New(annexerr.NotFound, "key not found").WithComponent("annexfs")
		}
	}
	return FileInfo{Size: info.Size()}, nil
}

// Exists checks only the current layout: the deprecated directory is a
// read-only migration fallback, not part of the authoritative key space.
func (a *AnnexFS) Exists(ctx context.Context, key filekey.Key) (bool, error) {
	info, err := os.Stat(a.KeyPath(key))
	return err == nil && !info.IsDir(), nil
}

func (a *AnnexFS) PossiblyExists(ctx context.Context, key filekey.Key) (Existence, error) {
	exists, _ := a.Exists(ctx, key)
	if exists {
		return Yes, nil
	}
	return Maybe, nil
}

func (a *AnnexFS) Flush(ctx context.Context) error { return nil }

func (a *AnnexFS) Open(ctx context.Context) (Handle, error) {
	if err := os.MkdirAll(a.Root, 0o755); err != nil {
		return nil, annexerr.New(annexerr.Fatal, fmt.Sprintf("creating root %s", a.Root)).WithCause(err)
	}
	return nopHandle{}, nil
}
