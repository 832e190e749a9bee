// Package sftpserver exposes a Filestore to remote peers over SFTP,
// restricted to a fixed operation whitelist: OPEN, READ, WRITE, CLOSE,
// STAT, FSTAT, LSTAT, and no-op MKDIR/RMDIR. Every other operation
// answers Unsupported. Authentication is public-key only; write handles
// verify the uploaded bytes' computed key against the declared key
// before the upload is accepted into the Filestore.
package sftpserver

import (
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/featherbutt/dolt-annex/pkg/filestore"
	"github.com/featherbutt/dolt-annex/pkg/utils"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Server serves one Filestore's key space over SFTP.
type Server struct {
	Filestore         filestore.Store
	Format            filekey.Format
	HostKey           ssh.Signer
	AuthorizedKeysDir string
	SandboxDir        string
	Log               *utils.Logger

	mu         sync.RWMutex
	authorized map[string]ssh.PublicKey // fingerprint -> key
	sessionSeq int
}

// NewServer builds a Server. LoadAuthorizedKeys must be called (directly
// or via ListenAndServe) before any connection is accepted.
func NewServer(store filestore.Store, format filekey.Format, sandboxDir string, log *utils.Logger) *Server {
	return &Server{
		Filestore:  store,
		Format:     format,
		SandboxDir: sandboxDir,
		Log:        log,
		authorized: make(map[string]ssh.PublicKey),
	}
}

// LoadAuthorizedKeys reads every file in dir, parsing the OpenSSH-format
// authorized keys it holds (one or more per file; parsing a file stops
// at its first unparsable entry), and fingerprints each with SHA256 over
// the raw marshaled key bytes. Unknown fingerprints are rejected at
// connection time.
func (s *Server) LoadAuthorizedKeys(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "reading authorized_keys directory").
			WithComponent("sftpserver").WithCause(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return annexerr.New(annexerr.Fatal, "reading authorized key file").
				WithComponent("sftpserver").WithDetail("file", e.Name()).WithCause(err)
		}
		for len(data) > 0 {
			key, _, _, rest, err := ssh.ParseAuthorizedKey(data)
			if err != nil {
				break
			}
			s.authorized[ssh.FingerprintSHA256(key)] = key
			data = rest
		}
	}
	s.AuthorizedKeysDir = dir
	return nil
}

// authPublicKey is the ssh.ServerConfig.PublicKeyCallback: it accepts a
// connection iff the presented key's SHA256 fingerprint matches one
// loaded from AuthorizedKeysDir.
func (s *Server) authPublicKey(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	fingerprint := ssh.FingerprintSHA256(key)
	s.mu.RLock()
	_, ok := s.authorized[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return nil, annexerr.New(annexerr.AuthFailed, "unrecognized public key").
			WithComponent("sftpserver").WithDetail("fingerprint", fingerprint)
	}
	return &ssh.Permissions{Extensions: map[string]string{"fingerprint": fingerprint}}, nil
}

func (s *Server) sshConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{PublicKeyCallback: s.authPublicKey}
	cfg.AddHostKey(s.HostKey)
	return cfg
}

// ListenAndServe accepts TCP connections at addr, negotiates SSH, and
// serves one SFTP subsystem session per channel. When AuthorizedKeysDir
// is set, the keys in it are loaded before listening. It blocks until
// the listener errors or is closed.
func (s *Server) ListenAndServe(addr string) error {
	if s.AuthorizedKeysDir != "" {
		if err := s.LoadAuthorizedKeys(s.AuthorizedKeysDir); err != nil {
			return err
		}
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "listening for SFTP connections").
			WithComponent("sftpserver").WithCause(err)
	}
	defer listener.Close()

	if s.Log != nil {
		s.Log.Info("sftp server listening on %s", addr)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			return annexerr.New(annexerr.Transient, "accepting SFTP connection").
				WithComponent("sftpserver").WithCause(err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig())
	if err != nil {
		if s.Log != nil {
			s.Log.Warn("sftp: ssh handshake failed: %v", err)
		}
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.serveChannel(channel, requests)
	}
}

func (s *Server) serveChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		isSubsystem := req.Type == "subsystem" && len(req.Payload) >= 4 && string(req.Payload[4:]) == "sftp"
		req.Reply(isSubsystem, nil)
		if !isSubsystem {
			continue
		}

		s.mu.Lock()
		s.sessionSeq++
		session := s.sessionSeq
		s.mu.Unlock()

		handlers := sftp.Handlers{
			FileGet:  s,
			FilePut:  s,
			FileCmd:  s,
			FileList: s,
		}
		rs := sftp.NewRequestServer(channel, handlers)
		defer rs.Close()
		if err := rs.Serve(); err != nil && s.Log != nil {
			s.Log.Debug("sftp: session %d ended: %v", session, err)
		}
		return
	}
}
