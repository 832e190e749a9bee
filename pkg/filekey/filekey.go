// Package filekey implements canonical content-addressed identifiers for
// file payloads. The reference format, Sha256e, encodes a file's size and
// SHA256 digest along with an optional extension.
package filekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Key is a canonical, immutable identifier for a file's bytes. Equality and
// hashing are over the underlying byte string.
type Key string

func (k Key) String() string { return string(k) }
func (k Key) Bytes() []byte  { return []byte(k) }

// Extension returns the key's trailing extension segment, or "" if none.
func (k Key) Extension() string {
	s := string(k)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		// Only the Sha256e format's suffix counts as an extension; guard
		// against dashes inside the hash segment being mistaken for one.
		if !strings.ContainsAny(s[i:], "-") {
			return s[i+1:]
		}
	}
	return ""
}

// Format computes and parses keys in one concrete encoding. Multiple
// formats may coexist; callers select one explicitly rather than the
// package hardwiring SHA256.
type Format interface {
	// FromBytes computes the key for an in-memory buffer.
	FromBytes(b []byte, extension string) Key
	// FromStream computes the key for a stream, reading to EOF. If the
	// stream supports seeking, it is rewound afterward.
	FromStream(r io.Reader, extension string) (Key, error)
	// FromFile computes the key for a file on disk, deriving its
	// extension from the filename when none is given explicitly.
	FromFile(path string, extension string) (Key, error)
	// TryParse reports whether b is a well-formed key in this format.
	TryParse(b []byte) (Key, bool)
}

// Sha256e is the reference file-key format:
// SHA256E-s<decimal-length>--<hex-lowercase-sha256>[.<extension>]
type Sha256e struct{}

var _ Format = Sha256e{}

const sha256ePrefix = "SHA256E-s"

// Make builds a key from its already-computed parts, omitting the
// extension segment entirely when extension is empty.
func (Sha256e) Make(size int64, sha256Hex string, extension string) Key {
	if extension == "" {
		return Key(fmt.Sprintf("%s%d--%s", sha256ePrefix, size, sha256Hex))
	}
	return Key(fmt.Sprintf("%s%d--%s.%s", sha256ePrefix, size, sha256Hex, extension))
}

func (f Sha256e) FromBytes(b []byte, extension string) Key {
	sum := sha256.Sum256(b)
	return f.Make(int64(len(b)), hex.EncodeToString(sum[:]), extension)
}

func (f Sha256e) FromStream(r io.Reader, extension string) (Key, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", fmt.Errorf("filekey: hashing stream: %w", err)
	}
	if seeker, ok := r.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return "", fmt.Errorf("filekey: rewinding stream: %w", err)
		}
	}
	return f.Make(n, hex.EncodeToString(h.Sum(nil)), extension), nil
}

func (f Sha256e) FromFile(path string, extension string) (Key, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("filekey: opening %s: %w", path, err)
	}
	defer file.Close()

	if extension == "" {
		ext := filepath.Ext(path)
		if ext != "" {
			extension = strings.ToLower(strings.TrimPrefix(ext, "."))
		}
	}
	return f.FromStream(file, extension)
}

// TryParse returns the key iff b is exactly two dashes separating a decimal
// size segment from a lowercase hex digest, with an optional extension.
func (Sha256e) TryParse(b []byte) (Key, bool) {
	s := string(b)
	if !strings.HasPrefix(s, sha256ePrefix) {
		return "", false
	}
	rest := s[len(sha256ePrefix):]
	dashIdx := strings.Index(rest, "--")
	if dashIdx < 0 {
		return "", false
	}
	sizePart := rest[:dashIdx]
	if sizePart == "" || strings.ContainsFunc(sizePart, func(r rune) bool { return r < '0' || r > '9' }) {
		return "", false
	}
	if _, err := strconv.ParseInt(sizePart, 10, 64); err != nil {
		return "", false
	}

	digestAndExt := rest[dashIdx+2:]
	digest := digestAndExt
	if i := strings.IndexByte(digestAndExt, '.'); i >= 0 {
		digest = digestAndExt[:i]
	}
	if len(digest) != hex.EncodedLen(sha256.Size) {
		return "", false
	}
	for _, r := range digest {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !isHex {
			return "", false
		}
	}
	return Key(s), true
}

// Equal compares two keys by their canonical byte string.
func Equal(a, b Key) bool {
	return bytes.Equal(a.Bytes(), b.Bytes())
}
