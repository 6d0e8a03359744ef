package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Info describes a media resource. Size is -1 when the length is unknown.
type Info struct {
	ContentType string
	Size        int64
	Modified    time.Time
	MD5         []byte
}

func NewInfo(contentType string, size int64) Info {
	return Info{ContentType: contentType, Size: size}
}

func InfoFromHeader(h http.Header) Info {
	info := Info{
		ContentType: h.Get("Content-Type"),
		Size:        -1,
	}

	if cl := h.Get("Content-Length"); cl != "" {
		if size, err := strconv.ParseInt(cl, 10, 64); err == nil {
			info.Size = size
		}
	}

	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.Modified = t
		}
	}

	if md5 := h.Get("Content-MD5"); md5 != "" {
		if b, err := base64.StdEncoding.DecodeString(md5); err == nil {
			info.MD5 = b
		}
	}

	return info
}

// Header writes the request headers that describe a stream being uploaded
func (i Info) Header(h http.Header) {
	contentType := i.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	if !i.Modified.IsZero() {
		h.Set("Last-Modified", i.Modified.UTC().Format(http.TimeFormat))
	}

	if len(i.MD5) > 0 {
		h.Set("Content-MD5", base64.StdEncoding.EncodeToString(i.MD5))
	}
}

const DefaultChunkSize int = 32 * 1024

// ErrClosed is reported by a cursor that was closed before the end of the stream
var ErrClosed = errors.New("stream closed before end of transfer")

type chunk struct {
	data []byte
	err  error
}

// Cursor exposes an inbound transfer as a sequence of chunks. A single producer goroutine
// reads from the source into a bounded channel so that the consumer can start working
// before the transfer has completed.
type Cursor struct {
	src     io.ReadCloser
	chunks  chan chunk
	cancel  context.CancelFunc
	done    chan struct{}
	current []byte
	pending []byte
	ended   bool
	err     error
}

func NewCursor(ctx context.Context, src io.ReadCloser, capacity int) *Cursor {
	if capacity < 1 {
		capacity = 1
	}

	ctx, cancel := context.WithCancel(ctx)

	c := &Cursor{
		src:    src,
		chunks: make(chan chunk, capacity),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.produce(ctx)

	return c
}

func (c *Cursor) produce(ctx context.Context) {
	defer close(c.done)
	defer close(c.chunks)

	for {
		buf := make([]byte, DefaultChunkSize)
		n, err := c.src.Read(buf)

		if n > 0 {
			select {
			case c.chunks <- chunk{data: buf[:n]}:
			case <-ctx.Done():
				return
			}
		}

		if err != nil {
			if !errors.Is(err, io.EOF) {
				select {
				case c.chunks <- chunk{err: err}:
				case <-ctx.Done():
				}
			}
			return
		}
	}
}

// Next blocks until the next chunk is available. It returns false at the end of the
// stream or when the transfer failed, in which case Err returns the cause.
func (c *Cursor) Next() bool {
	if c.err != nil {
		return false
	}

	ch, ok := <-c.chunks
	if !ok {
		c.ended = true
		c.current = nil
		return false
	}

	if ch.err != nil {
		c.err = ch.err
		c.current = nil
		return false
	}

	c.current = ch.data
	return true
}

func (c *Cursor) Bytes() []byte {
	return c.current
}

func (c *Cursor) Err() error {
	return c.err
}

// Read implements io.Reader on top of the chunk sequence
func (c *Cursor) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		if !c.Next() {
			if c.err != nil {
				return 0, c.err
			}
			return 0, io.EOF
		}
		c.pending = c.current
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Close stops the transfer and releases the underlying connection. It is safe to call
// Close before the stream has been consumed, Err then returns ErrClosed.
func (c *Cursor) Close() error {
	c.cancel()
	err := c.src.Close()

	// unblock a producer that is waiting for room in the channel
	for range c.chunks {
	}
	<-c.done

	if c.err == nil && !c.ended {
		c.err = ErrClosed
	}
	c.current = nil
	c.pending = nil

	return err
}
