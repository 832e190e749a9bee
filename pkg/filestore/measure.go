package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
)

// Measure wraps a child Store and maintains a (count, total_bytes)
// pair: both counters advance on every put, and the pair is persisted
// to a stats file on Flush.
type Measure struct {
	Child         Store
	StatsFilePath string

	mu         sync.Mutex
	fileCount  int64
	totalBytes int64
}

var _ Store = (*Measure)(nil)

func NewMeasure(child Store, statsFilePath string) *Measure {
	return &Measure{Child: child, StatsFilePath: statsFilePath}
}

func (m *Measure) Open(ctx context.Context) (Handle, error) {
	count, total, err := loadStats(m.StatsFilePath)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.fileCount, m.totalBytes = count, total
	m.mu.Unlock()

	childHandle, err := m.Child.Open(ctx)
	if err != nil {
		return nil, err
	}
	return measureHandle{m: m, child: childHandle}, nil
}

func loadStats(path string) (count, total int64, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		// Missing or unreadable stats file starts from zero, matching
		// the source's "initialize to 0,0 if malformed or missing".
		return 0, 0, nil
	}
	parts := strings.SplitN(strings.TrimSpace(string(data)), ",", 2)
	if len(parts) != 2 {
		return 0, 0, nil
	}
	c, e1 := strconv.ParseInt(parts[0], 10, 64)
	t, e2 := strconv.ParseInt(parts[1], 10, 64)
	if e1 != nil || e2 != nil {
		return 0, 0, nil
	}
	return c, t, nil
}

func (m *Measure) recordPut(size int64) {
	m.mu.Lock()
	m.fileCount++
	m.totalBytes += size
	m.mu.Unlock()
}

func (m *Measure) PutFile(ctx context.Context, path string, key filekey.Key) error {
	info, err := os.Stat(path)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "statting source file").WithCause(err)
	}
	if err := m.Child.PutFile(ctx, path, key); err != nil {
		return err
	}
	m.recordPut(info.Size())
	return nil
}

func (m *Measure) PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) error {
	counting := &countingReader{r: r}
	if err := m.Child.PutFileObject(ctx, counting, key); err != nil {
		return err
	}
	m.recordPut(counting.n)
	return nil
}

func (m *Measure) PutFileBytes(ctx context.Context, b []byte, key filekey.Key) error {
	if err := m.Child.PutFileBytes(ctx, b, key); err != nil {
		return err
	}
	m.recordPut(int64(len(b)))
	return nil
}

func (m *Measure) GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error) {
	return m.Child.GetFileObject(ctx, key)
}

func (m *Measure) Stat(ctx context.Context, key filekey.Key) (FileInfo, error) {
	return m.Child.Stat(ctx, key)
}

func (m *Measure) Exists(ctx context.Context, key filekey.Key) (bool, error) {
	return m.Child.Exists(ctx, key)
}

func (m *Measure) PossiblyExists(ctx context.Context, key filekey.Key) (Existence, error) {
	return m.Child.PossiblyExists(ctx, key)
}

// Stats returns the current (count, total_bytes) pair.
func (m *Measure) Stats() (count, totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fileCount, m.totalBytes
}

func (m *Measure) Flush(ctx context.Context) error {
	if err := m.Child.Flush(ctx); err != nil {
		return err
	}
	count, total := m.Stats()
	content := fmt.Sprintf("%d,%d", count, total)
	if err := os.WriteFile(m.StatsFilePath, []byte(content), 0o644); err != nil {
		return annexerr.New(annexerr.Fatal, "writing stats file").WithComponent("measure").WithCause(err)
	}
	return nil
}

type measureHandle struct {
	m     *Measure
	child Handle
}

func (h measureHandle) Close() error {
	childErr := h.child.Close()
	flushErr := h.m.Flush(context.Background())
	if childErr != nil {
		return childErr
	}
	return flushErr
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
