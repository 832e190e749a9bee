package filekey

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSha256eFromBytes(t *testing.T) {
	f := Sha256e{}
	k := f.FromBytes([]byte("hello"), "txt")
	assert.Equal(t, Key("SHA256E-s5--2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.txt"), k)
}

func TestSha256eNoExtension(t *testing.T) {
	f := Sha256e{}
	k := f.FromBytes([]byte("hello"), "")
	assert.Equal(t, Key("SHA256E-s5--2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"), k)
	assert.Empty(t, k.Extension())
}

func TestSha256eRoundtrip(t *testing.T) {
	f := Sha256e{}
	for _, b := range [][]byte{[]byte("hello"), []byte(""), []byte("world"), bytes.Repeat([]byte{0xAB}, 4096)} {
		k := f.FromBytes(b, "bin")
		parsed, ok := f.TryParse(k.Bytes())
		require.True(t, ok)
		assert.Equal(t, k, parsed)
	}
}

func TestSha256eFromStreamRewinds(t *testing.T) {
	f := Sha256e{}
	r := bytes.NewReader([]byte("hello"))
	k, err := f.FromStream(r, "txt")
	require.NoError(t, err)
	assert.Equal(t, Key("SHA256E-s5--2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824.txt"), k)

	pos, err := r.Seek(0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func TestTryParseRejectsMalformed(t *testing.T) {
	f := Sha256e{}
	cases := []string{
		"",
		"SHA256E-s--abc.txt",
		"SHA256E-sabc--deadbeef.txt",
		"SHA256E-s5--not-hex-at-all.txt",
		"other-format-entirely",
	}
	for _, c := range cases {
		_, ok := f.TryParse([]byte(c))
		assert.False(t, ok, "expected %q to be rejected", c)
	}
}

func TestDifferingBytesProduceDifferentKeys(t *testing.T) {
	f := Sha256e{}
	a := f.FromBytes([]byte("hello"), "")
	b := f.FromBytes([]byte("hellp"), "")
	assert.NotEqual(t, a, b)
}
