package sftpserver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/pkg/sftp"
)

// keySegment strips the directory prefix the client presents and
// returns just the trailing path segment, which is the part the
// filestore's key format parses.
func keySegment(clientPath string) string {
	return filepath.Base(clientPath)
}

// Fileread implements sftp.FileReader: open-for-read. The requested
// object is copied into a local temp file so the returned handle can
// satisfy io.ReaderAt (SFTP reads are randomly addressed), then served
// from there; the temp file is removed once the client has read enough
// to close the handle.
func (s *Server) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	key, ok := s.Format.TryParse([]byte(keySegment(r.Filepath)))
	if !ok {
		return nil, annexerr.New(annexerr.NotFound, "path does not name a valid key").
			WithComponent("sftpserver").WithDetail("path", r.Filepath)
	}

	ctx := context.Background()
	src, err := s.Filestore.GetFileObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(s.SandboxDir, "sftp-read-*")
	if err != nil {
		return nil, annexerr.New(annexerr.Fatal, "staging read").WithComponent("sftpserver").WithCause(err)
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, annexerr.New(annexerr.Fatal, "staging read").WithComponent("sftpserver").WithCause(err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &readHandle{File: tmp}, nil
}

// readHandle deletes its backing temp file once the SFTP library closes
// it (it checks the returned ReaderAt for io.Closer).
type readHandle struct{ *os.File }

func (h *readHandle) Close() error {
	name := h.File.Name()
	err := h.File.Close()
	os.Remove(name)
	return err
}

// Filewrite implements sftp.FileWriter: open-for-create. The declared
// key is parsed from the path up front so AlreadyExists can be reported
// immediately; the actual key verification happens on Close, once the
// client has sent every byte.
func (s *Server) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	segment := keySegment(r.Filepath)
	declared, ok := s.Format.TryParse([]byte(segment))
	if !ok {
		return nil, annexerr.New(annexerr.Fatal, "client declared an unparseable key").
			WithComponent("sftpserver").WithDetail("path", r.Filepath)
	}

	ctx := context.Background()
	exists, err := s.Filestore.Exists(ctx, declared)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, annexerr.New(annexerr.AlreadyExists, "key already present").
			WithComponent("sftpserver").WithDetail("key", string(declared))
	}

	if err := os.MkdirAll(s.SandboxDir, 0o755); err != nil {
		return nil, annexerr.New(annexerr.Fatal, "preparing sandbox directory").WithComponent("sftpserver").WithCause(err)
	}
	tmp, err := os.CreateTemp(s.SandboxDir, "sftp-write-*")
	if err != nil {
		return nil, annexerr.New(annexerr.Fatal, "staging write").WithComponent("sftpserver").WithCause(err)
	}

	return &writeHandle{
		File:      tmp,
		declared:  declared,
		extension: declared.Extension(),
		srv:       s,
	}, nil
}

// writeHandle stages an upload in a temp file under the session
// sandbox; Close is where declared-vs-computed key verification and the
// move into the Filestore happen.
type writeHandle struct {
	*os.File
	declared  filekey.Key
	extension string
	srv       *Server
}

// Close recomputes the key from the staged bytes, compares it to what
// the client declared in the path, and only on a match moves the file
// into the Filestore. A mismatch discards the temp file and returns a
// KeyMismatch error, leaving the Filestore untouched.
func (w *writeHandle) Close() error {
	tmpPath := w.File.Name()
	if err := w.File.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	computed, err := w.srv.Format.FromFile(tmpPath, w.extension)
	if err != nil {
		os.Remove(tmpPath)
		return annexerr.New(annexerr.Fatal, "hashing staged upload").WithComponent("sftpserver").WithCause(err)
	}
	if !filekey.Equal(computed, w.declared) {
		os.Remove(tmpPath)
		return annexerr.New(annexerr.KeyMismatch, "declared key does not match uploaded bytes").
			WithComponent("sftpserver").
			WithDetail("declared", string(w.declared)).
			WithDetail("computed", string(computed))
	}

	if err := w.srv.Filestore.PutFile(context.Background(), tmpPath, w.declared); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Filecmd implements sftp.FileCmder. Only Mkdir and Rmdir succeed, as
// no-ops, so clients that insist on creating directory prefixes before
// uploading don't fail outright; everything else (Rename, Remove,
// Setstat, Symlink, Link) is Unsupported.
func (s *Server) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Mkdir", "Rmdir":
		return nil
	default:
		return sftp.ErrSSHFxOpUnsupported
	}
}

// Filelist implements sftp.FileLister: Stat and Lstat return a single
// synthetic entry (a key's size, or a virtual directory for any path
// segment that doesn't parse as a key); List (directory scan) is
// Unsupported, since a content-addressed store has no enumerable
// directory structure to expose.
func (s *Server) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "Stat", "Lstat":
		segment := keySegment(r.Filepath)
		key, ok := s.Format.TryParse([]byte(segment))
		if !ok {
			return singleEntryLister{fileInfo{name: segment, isDir: true}}, nil
		}
		info, err := s.Filestore.Stat(context.Background(), key)
		if err != nil {
			return nil, err
		}
		return singleEntryLister{fileInfo{name: segment, size: info.Size}}, nil
	default:
		return nil, sftp.ErrSSHFxOpUnsupported
	}
}

// fileInfo is the minimal os.FileInfo this server ever reports: a size
// for regular files, no detail beyond regular-vs-directory, and no
// user/group information.
type fileInfo struct {
	name  string
	size  int64
	isDir bool
}

func (f fileInfo) Name() string       { return f.name }
func (f fileInfo) Size() int64        { return f.size }
func (f fileInfo) Mode() os.FileMode {
	if f.isDir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (f fileInfo) ModTime() time.Time { return time.Time{} }
func (f fileInfo) IsDir() bool        { return f.isDir }
func (f fileInfo) Sys() interface{}   { return nil }

// singleEntryLister implements sftp.ListerAt for the one-entry Stat/
// Lstat case.
type singleEntryLister struct{ entry os.FileInfo }

func (l singleEntryLister) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset > 0 || len(dst) == 0 {
		return 0, io.EOF
	}
	dst[0] = l.entry
	return 1, io.EOF
}
