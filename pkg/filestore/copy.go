package filestore

import (
	"io"
	"os"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
)

const copyBufferSize = 4096

// streamCopy copies src to dst in fixed-size chunks; every backend
// funnels its byte transfers through here.
func streamCopy(dst io.Writer, src io.Reader) (int64, error) {
	return io.CopyBuffer(dst, src, make([]byte, copyBufferSize))
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, annexerr.New(annexerr.Fatal, "reading source file").WithCause(err).WithDetail("path", path)
	}
	return data, nil
}
