package io

import (
	"bytes"
	"io"
	"sync"
)

// BufferedWriteFlusher is a buffered writer whose flush points the caller
// controls. Backends that upload one part per write want few large writes,
// not many small ones.
type BufferedWriteFlusher interface {
	io.WriteCloser
	Len() int
	Flush() error
}

// BufferedWriter collects writes in memory until Flush pushes them to the
// underlying writer in one call.
type BufferedWriter struct {
	w   io.Writer
	buf *bytes.Buffer
}

var _ BufferedWriteFlusher = (*BufferedWriter)(nil)

func NewBufferedWriter(w io.Writer) *BufferedWriter {
	return &BufferedWriter{w: w, buf: &bytes.Buffer{}}
}

func (b *BufferedWriter) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// Len is the number of buffered bytes not yet flushed.
func (b *BufferedWriter) Len() int {
	return b.buf.Len()
}

func (b *BufferedWriter) Flush() error {
	if b.buf.Len() == 0 {
		return nil
	}
	_, err := b.buf.WriteTo(b.w)
	return err
}

func (b *BufferedWriter) Close() error {
	return b.Flush()
}

// bufferedWriterWithQueue hands flushed chunks to a single background
// goroutine so the producer can keep encoding while the previous chunk
// uploads. Errors surface on the next Flush or on Close; Close drains the
// queue before returning.
type bufferedWriterWithQueue struct {
	w     io.Writer
	buf   *bytes.Buffer
	queue chan *bytes.Buffer
	done  chan struct{}

	mtx sync.Mutex
	err error
}

var _ BufferedWriteFlusher = (*bufferedWriterWithQueue)(nil)

func NewBufferedWriterWithQueue(w io.Writer) BufferedWriteFlusher {
	b := &bufferedWriterWithQueue{
		w:     w,
		buf:   &bytes.Buffer{},
		queue: make(chan *bytes.Buffer, 2),
		done:  make(chan struct{}),
	}
	go b.flushLoop()
	return b
}

func (b *bufferedWriterWithQueue) flushLoop() {
	defer close(b.done)

	for buf := range b.queue {
		_, err := buf.WriteTo(b.w)
		if err != nil {
			b.mtx.Lock()
			if b.err == nil {
				b.err = err
			}
			b.mtx.Unlock()
		}
	}
}

func (b *bufferedWriterWithQueue) flushErr() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.err
}

func (b *bufferedWriterWithQueue) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func (b *bufferedWriterWithQueue) Len() int {
	return b.buf.Len()
}

func (b *bufferedWriterWithQueue) Flush() error {
	if err := b.flushErr(); err != nil {
		return err
	}
	if b.buf.Len() == 0 {
		return nil
	}

	b.queue <- b.buf
	b.buf = &bytes.Buffer{}
	return nil
}

func (b *bufferedWriterWithQueue) Close() error {
	err := b.Flush()

	close(b.queue)
	<-b.done

	if err != nil {
		return err
	}
	return b.flushErr()
}

// BufferedReaderAt wraps an io.ReaderAt and extends small reads to
// bufferSize, keeping up to bufferCount recent ranges so clustered reads
// (parquet footers, column index pages) hit memory instead of the backend.
type BufferedReaderAt struct {
	ra         io.ReaderAt
	raSize     int64
	bufferSize int

	mtx        sync.Mutex
	buffers    []readerAtBuffer
	nextBuffer int
}

type readerAtBuffer struct {
	buf    []byte
	offset int64
}

var _ io.ReaderAt = (*BufferedReaderAt)(nil)

func NewBufferedReaderAt(ra io.ReaderAt, raSize int64, bufferSize, bufferCount int) *BufferedReaderAt {
	r := &BufferedReaderAt{
		ra:         ra,
		raSize:     raSize,
		bufferSize: bufferSize,
	}
	if bufferSize > 0 && bufferCount > 0 {
		r.buffers = make([]readerAtBuffer, bufferCount)
	}
	return r
}

// calculateBounds widens a read to the buffer size without crossing either
// end of the underlying reader.
func calculateBounds(offset, length int64, bufferSize int, raSize int64) (int64, int64) {
	bufLen := int64(bufferSize)
	if bufLen < length {
		bufLen = length
	}

	if offset+bufLen > raSize {
		offset = raSize - bufLen
	}
	if offset < 0 {
		offset = 0
	}
	if offset+bufLen > raSize {
		bufLen = raSize - offset
	}

	return offset, bufLen
}

func (r *BufferedReaderAt) ReadAt(p []byte, offset int64) (int, error) {
	if len(r.buffers) == 0 {
		return r.ra.ReadAt(p, offset)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()

	for i := range r.buffers {
		b := &r.buffers[i]
		if b.buf == nil {
			continue
		}
		if offset >= b.offset && offset+int64(len(p)) <= b.offset+int64(len(b.buf)) {
			copy(p, b.buf[offset-b.offset:])
			return len(p), nil
		}
	}

	bufOffset, bufLen := calculateBounds(offset, int64(len(p)), r.bufferSize, r.raSize)

	b := &r.buffers[r.nextBuffer]
	r.nextBuffer = (r.nextBuffer + 1) % len(r.buffers)

	if int64(cap(b.buf)) < bufLen {
		b.buf = make([]byte, bufLen)
	}
	b.buf = b.buf[:bufLen]
	b.offset = bufOffset

	if _, err := r.ra.ReadAt(b.buf, bufOffset); err != nil {
		b.buf = nil
		return 0, err
	}

	copy(p, b.buf[offset-bufOffset:])
	return len(p), nil
}
