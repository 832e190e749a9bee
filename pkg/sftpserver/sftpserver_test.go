package sftpserver

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/featherbutt/dolt-annex/pkg/filekey"
	"github.com/featherbutt/dolt-annex/pkg/filestore"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := filestore.NewMemoryFS()
	_, err := store.Open(context.Background())
	require.NoError(t, err)
	return NewServer(store, filekey.Sha256e{}, t.TempDir(), nil)
}

func TestKeySegmentStripsDirectoryPrefix(t *testing.T) {
	assert.Equal(t, "SHA256E-s5--abc", keySegment("/some/nested/path/SHA256E-s5--abc"))
	assert.Equal(t, "SHA256E-s5--abc", keySegment("SHA256E-s5--abc"))
}

func TestFilewriteThenCloseAcceptsMatchingKey(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	format := filekey.Sha256e{}
	key := format.FromBytes([]byte("hello"), "")

	req := sftp.NewRequest("Put", "/upload/"+string(key))
	w, err := s.Filewrite(req)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, w.(io.Closer).Close())

	exists, err := s.Filestore.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFilewriteThenCloseRejectsMismatchedKey(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	declared := filekey.Key("SHA256E-s5--0000000000000000000000000000000000000000000000000000000000000000")

	req := sftp.NewRequest("Put", "/upload/"+string(declared))
	w, err := s.Filewrite(req)
	require.NoError(t, err)
	_, err = w.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)

	err = w.(io.Closer).Close()
	require.Error(t, err)

	exists, existErr := s.Filestore.Exists(ctx, declared)
	require.NoError(t, existErr)
	assert.False(t, exists)
}

func TestFilewriteRejectsAlreadyExistingKey(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	format := filekey.Sha256e{}
	key := format.FromBytes([]byte("hello"), "")
	require.NoError(t, s.Filestore.PutFileBytes(ctx, []byte("hello"), key))

	req := sftp.NewRequest("Put", "/upload/"+string(key))
	_, err := s.Filewrite(req)
	require.Error(t, err)
}

func TestFilereadServesStoredBytes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	format := filekey.Sha256e{}
	key := format.FromBytes([]byte("hello"), "")
	require.NoError(t, s.Filestore.PutFileBytes(ctx, []byte("hello"), key))

	req := sftp.NewRequest("Get", "/download/"+string(key))
	r, err := s.Fileread(req)
	require.NoError(t, err)
	defer r.(io.Closer).Close()

	buf := make([]byte, 5)
	n, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestFilecmdAllowsOnlyMkdirAndRmdir(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Filecmd(sftp.NewRequest("Mkdir", "/dir")))
	assert.NoError(t, s.Filecmd(sftp.NewRequest("Rmdir", "/dir")))
	assert.Error(t, s.Filecmd(sftp.NewRequest("Rename", "/dir")))
}

func TestFilelistStatReportsSize(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	format := filekey.Sha256e{}
	key := format.FromBytes([]byte("hello"), "")
	require.NoError(t, s.Filestore.PutFileBytes(ctx, []byte("hello"), key))

	lister, err := s.Filelist(sftp.NewRequest("Stat", "/"+string(key)))
	require.NoError(t, err)

	dst := make([]os.FileInfo, 1)
	n, err := lister.ListAt(dst, 0)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, n)
	assert.Equal(t, int64(5), dst[0].Size())
}

func TestFilelistListIsUnsupported(t *testing.T) {
	s := newTestServer(t)
	_, err := s.Filelist(sftp.NewRequest("List", "/"))
	assert.ErrorIs(t, err, sftp.ErrSSHFxOpUnsupported)
}
