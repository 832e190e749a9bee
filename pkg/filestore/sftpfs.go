package filestore

import (
	"bytes"
	"context"
	"io"
	"net"
	"path"
	"strconv"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/featherbutt/dolt-annex/pkg/retry"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SftpFileStore speaks SFTP to a peer. The use of SFTP as a protocol is
// largely historical: it lets a client with plain SSH access to a remote
// host reach that host's AnnexFS directory tree directly, without
// requiring the dolt-annex SFTP server (pkg/sftpserver) to be running.
// Because it reuses AnnexFS's path layout, a plain SFTP server exposing
// the peer's root is a valid counterparty. A single connection transfers
// one file at a time; the sync engine is responsible for not assuming
// concurrent transfers over one SftpFileStore.
type SftpFileStore struct {
	Host            string
	Port            int
	User            string
	Path            string
	AuthMethods     []ssh.AuthMethod
	HostKeyCallback ssh.HostKeyCallback

	// Retryer covers the initial dial; a peer that is restarting
	// shouldn't fail the whole sync. Nil means a single attempt.
	Retryer *retry.Retryer

	sshConn *ssh.Client
	client  *sftp.Client
}

var _ Store = (*SftpFileStore)(nil)

// KeyPath computes the relative remote path for key, copied from
// AnnexFS's layout so this client can address either a dolt-annex server
// or a bare AnnexFS root exposed over SFTP.
func (s *SftpFileStore) KeyPath(key filekey.Key) string {
	h := locatorHash(key)
	return path.Join(".", h[0:3], h[3:6], string(key))
}

func (s *SftpFileStore) remotePath(key filekey.Key) string {
	return path.Join(s.Path, s.KeyPath(key))
}

func (s *SftpFileStore) Open(ctx context.Context) (Handle, error) {
	port := s.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(port))
	cfg := &ssh.ClientConfig{
		User:            s.User,
		Auth:            s.AuthMethods,
		HostKeyCallback: s.HostKeyCallback,
	}
	dial := func(ctx context.Context) error {
		conn, err := ssh.Dial("tcp", addr, cfg)
		if err != nil {
			return annexerr.New(annexerr.Transient, "dialing SFTP peer").WithComponent("sftpfs").WithCause(err)
		}
		client, err := sftp.NewClient(conn)
		if err != nil {
			conn.Close()
			return annexerr.New(annexerr.Transient, "starting SFTP session").WithComponent("sftpfs").WithCause(err)
		}
		s.sshConn = conn
		s.client = client
		return nil
	}

	var err error
	if s.Retryer != nil {
		err = s.Retryer.DoWithContext(ctx, dial)
	} else {
		err = dial(ctx)
	}
	if err != nil {
		return nil, err
	}
	return sftpHandle{s}, nil
}

type sftpHandle struct{ s *SftpFileStore }

func (h sftpHandle) Close() error {
	h.s.client.Close()
	return h.s.sshConn.Close()
}

func (s *SftpFileStore) PutFile(ctx context.Context, path string, key filekey.Key) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	return s.PutFileBytes(ctx, data, key)
}

func (s *SftpFileStore) PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) error {
	remote := s.remotePath(key)
	exists, err := s.existsPath(remote)
	if err != nil {
		return err
	}
	if exists {
		return annexerr.New(annexerr.AlreadyExists, "key already present on remote").
			WithComponent("sftpfs").WithDetail("key", string(key))
	}
	if err := s.client.MkdirAll(parentDir(remote)); err != nil {
		return annexerr.New(annexerr.Transient, "creating remote directory").WithCause(err)
	}
	out, err := s.client.Create(remote)
	if err != nil {
		return annexerr.New(annexerr.Transient, "creating remote file").WithCause(err)
	}
	defer out.Close()
	if _, err := streamCopy(out, r); err != nil {
		return annexerr.New(annexerr.Transient, "uploading file").WithCause(err)
	}
	return nil
}

func (s *SftpFileStore) PutFileBytes(ctx context.Context, b []byte, key filekey.Key) error {
	return s.PutFileObject(ctx, bytes.NewReader(b), key)
}

func (s *SftpFileStore) GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error) {
	remote := s.remotePath(key)
	exists, err := s.existsPath(remote)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, annexerr.New(annexerr.NotFound, "key not found on remote").
			WithComponent("sftpfs").WithDetail("key", string(key))
	}
	f, err := s.client.Open(remote)
	if err != nil {
		return nil, annexerr.New(annexerr.Transient, "opening remote file").WithCause(err)
	}
	return f, nil
}

func (s *SftpFileStore) existsPath(remote string) (bool, error) {
	_, err := s.client.Stat(remote)
	if err == nil {
		return true, nil
	}
	return false, nil
}

func (s *SftpFileStore) Stat(ctx context.Context, key filekey.Key) (FileInfo, error) {
	info, err := s.client.Stat(s.remotePath(key))
	if err != nil {
		return FileInfo{}, annexerr.New(annexerr.NotFound, "key not found on remote").WithComponent("sftpfs")
	}
	return FileInfo{Size: info.Size()}, nil
}

func (s *SftpFileStore) Exists(ctx context.Context, key filekey.Key) (bool, error) {
	return s.existsPath(s.remotePath(key))
}

func (s *SftpFileStore) PossiblyExists(ctx context.Context, key filekey.Key) (Existence, error) {
	return Maybe, nil
}

func (s *SftpFileStore) Flush(ctx context.Context) error { return nil }

func parentDir(p string) string {
	return path.Dir(p)
}
