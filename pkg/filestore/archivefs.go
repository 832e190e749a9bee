package filestore

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/featherbutt/dolt-annex/pkg/filekey"
)

const defaultMaxArchiveSize int64 = 4 << 30 // 4 GiB, matching the source's ArchiveFSModel default

// ArchiveFS shards many small files into a small number of tar files. A
// secondary Store holds, under each file key, an ASCII descriptor of the
// form "<archive-name>:<offset>:<size>" pointing into one of the tars. A
// fixed pool of writer goroutines each owns one tar file exclusively,
// rotating to a new one once it crosses MaxArchiveSize; a shared job
// channel feeds the pool, so the channel is the only synchronization
// between producers and the per-tar writers.
type ArchiveFS struct {
	Root           string
	Secondary      Store
	NumWorkers     int
	MaxArchiveSize int64

	jobs    chan archiveJob
	workers []*archiveWorker
	wg      sync.WaitGroup
}

type archiveJob struct {
	key  filekey.Key
	data []byte
	done chan error
}

var _ Store = (*ArchiveFS)(nil)

func NewArchiveFS(root string, secondary Store, numWorkers int, maxArchiveSize int64) *ArchiveFS {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	if maxArchiveSize <= 0 {
		maxArchiveSize = defaultMaxArchiveSize
	}
	return &ArchiveFS{
		Root:           root,
		Secondary:      secondary,
		NumWorkers:     numWorkers,
		MaxArchiveSize: maxArchiveSize,
	}
}

func (a *ArchiveFS) Open(ctx context.Context) (Handle, error) {
	if err := os.MkdirAll(a.Root, 0o755); err != nil {
		return nil, annexerr.New(annexerr.Fatal, "creating archive root").WithComponent("archivefs").WithCause(err)
	}
	secondaryHandle, err := a.Secondary.Open(ctx)
	if err != nil {
		return nil, err
	}

	a.jobs = make(chan archiveJob, a.NumWorkers*4)
	a.workers = make([]*archiveWorker, a.NumWorkers)
	for i := 0; i < a.NumWorkers; i++ {
		w := &archiveWorker{index: i, fs: a}
		a.workers[i] = w
		a.wg.Add(1)
		go w.run(&a.wg)
	}
	return archiveHandle{a: a, secondary: secondaryHandle}, nil
}

type archiveHandle struct {
	a         *ArchiveFS
	secondary Handle
}

func (h archiveHandle) Close() error {
	close(h.a.jobs)
	h.a.wg.Wait()
	for _, w := range h.a.workers {
		w.closeCurrent()
	}
	return h.secondary.Close()
}

// archiveWorker owns a sequence of tar files: archive_<index>_<gen>.tar,
// rotating to the next generation when the current one would exceed
// MaxArchiveSize.
type archiveWorker struct {
	index int
	fs    *ArchiveFS

	generation int
	file       *os.File
	counter    *countingWriter
	tw         *tar.Writer
	archiveNm  string
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (w *archiveWorker) archiveName() string {
	return fmt.Sprintf("archive_%d_%d.tar", w.index, w.generation)
}

func (w *archiveWorker) ensureOpen() error {
	if w.file != nil {
		return nil
	}
	name := w.archiveName()
	path := filepath.Join(w.fs.Root, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "opening archive file").WithCause(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return annexerr.New(annexerr.Fatal, "statting archive file").WithCause(err)
	}
	w.file = f
	w.archiveNm = name
	w.counter = &countingWriter{w: f, n: info.Size()}
	w.tw = tar.NewWriter(w.counter)
	return nil
}

func (w *archiveWorker) closeCurrent() {
	if w.tw != nil {
		w.tw.Close()
	}
	if w.file != nil {
		w.file.Close()
	}
	w.tw = nil
	w.file = nil
}

func (w *archiveWorker) rotateIfNeeded(nextSize int64) error {
	if w.counter != nil && w.counter.n+nextSize > w.fs.MaxArchiveSize {
		w.closeCurrent()
		w.generation++
	}
	return w.ensureOpen()
}

func (w *archiveWorker) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for job := range w.fs.jobs {
		job.done <- w.process(job)
	}
}

func (w *archiveWorker) process(job archiveJob) error {
	if err := w.rotateIfNeeded(int64(len(job.data))); err != nil {
		return err
	}
	hdr := &tar.Header{
		Name: string(job.key),
		Size: int64(len(job.data)),
		Mode: 0o644,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return annexerr.New(annexerr.Fatal, "writing tar header").WithCause(err)
	}
	offset := w.counter.n
	if _, err := w.tw.Write(job.data); err != nil {
		return annexerr.New(annexerr.Fatal, "writing tar payload").WithCause(err)
	}
	if err := w.tw.Flush(); err != nil {
		return annexerr.New(annexerr.Fatal, "flushing tar writer").WithCause(err)
	}
	descriptor := fmt.Sprintf("%s:%d:%d", w.archiveNm, offset, len(job.data))
	return w.fs.Secondary.PutFileBytes(context.Background(), []byte(descriptor), job.key)
}

// submit hands a file's bytes to the worker pool and blocks until a
// worker has processed it, mirroring put_file_object's await queue.join().
func (a *ArchiveFS) submit(key filekey.Key, data []byte) error {
	done := make(chan error, 1)
	a.jobs <- archiveJob{key: key, data: data, done: done}
	return <-done
}

func (a *ArchiveFS) PutFile(ctx context.Context, path string, key filekey.Key) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	return a.submit(key, data)
}

func (a *ArchiveFS) PutFileObject(ctx context.Context, r io.Reader, key filekey.Key) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return annexerr.New(annexerr.Fatal, "reading input stream").WithCause(err)
	}
	return a.submit(key, data)
}

func (a *ArchiveFS) PutFileBytes(ctx context.Context, b []byte, key filekey.Key) error {
	return a.submit(key, b)
}

// parseDescriptor parses the "<archive-name>:<offset>:<size>" secondary value.
func parseDescriptor(s string) (name string, offset, size int64, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("malformed archive descriptor %q", s)
	}
	offset, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, err
	}
	size, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, err
	}
	return parts[0], offset, size, nil
}

func (a *ArchiveFS) GetFileObject(ctx context.Context, key filekey.Key) (io.ReadCloser, error) {
	descReader, err := a.Secondary.GetFileObject(ctx, key)
	if err != nil {
		return nil, err
	}
	descBytes, err := io.ReadAll(descReader)
	descReader.Close()
	if err != nil {
		return nil, annexerr.New(annexerr.Fatal, "reading archive descriptor").WithCause(err)
	}
	name, offset, size, err := parseDescriptor(string(descBytes))
	if err != nil {
		return nil, annexerr.New(annexerr.Fatal, "parsing archive descriptor").WithCause(err)
	}
	f, err := os.Open(filepath.Join(a.Root, name))
	if err != nil {
		return nil, annexerr.New(annexerr.NotFound, "archive file missing").WithCause(err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, annexerr.New(annexerr.Fatal, "seeking within archive").WithCause(err)
	}
	return sliceReadCloser{r: io.LimitReader(f, size), f: f}, nil
}

type sliceReadCloser struct {
	r io.Reader
	f *os.File
}

func (s sliceReadCloser) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s sliceReadCloser) Close() error               { return s.f.Close() }

func (a *ArchiveFS) Stat(ctx context.Context, key filekey.Key) (FileInfo, error) {
	descReader, err := a.Secondary.GetFileObject(ctx, key)
	if err != nil {
		return FileInfo{}, err
	}
	defer descReader.Close()
	descBytes, err := io.ReadAll(descReader)
	if err != nil {
		return FileInfo{}, annexerr.New(annexerr.Fatal, "reading archive descriptor").WithCause(err)
	}
	_, _, size, err := parseDescriptor(string(descBytes))
	if err != nil {
		return FileInfo{}, annexerr.New(annexerr.Fatal, "parsing archive descriptor").WithCause(err)
	}
	return FileInfo{Size: size}, nil
}

func (a *ArchiveFS) Exists(ctx context.Context, key filekey.Key) (bool, error) {
	return a.Secondary.Exists(ctx, key)
}

func (a *ArchiveFS) PossiblyExists(ctx context.Context, key filekey.Key) (Existence, error) {
	return a.Secondary.PossiblyExists(ctx, key)
}

func (a *ArchiveFS) Flush(ctx context.Context) error {
	return a.Secondary.Flush(ctx)
}
