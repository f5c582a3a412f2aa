package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"
)

// Reply buffers the response of an Event.
//
// A plain reply is written once with a Content-Length when the chain
// returns. A held reply (see Event.Hold) is sent chunked: Flush writes the
// buffered output as one chunk and End terminates the stream.
type Reply struct {
	ev     *Event
	code   int
	header http.Header
	buf    bytes.Buffer

	chunked bool
	sent    bool
	ended   bool
	close   bool
	head    bool
	chunks  io.WriteCloser
	length  int64

	// src is copied after the buffered output of a plain reply.
	src    io.Reader
	srcLen int64
}

func newReply(ev *Event, head bool) *Reply {
	return &Reply{ev: ev, code: http.StatusOK, header: make(http.Header), head: head}
}

// Code returns the status code.
func (r *Reply) Code() int { return r.code }

// SetCode sets the status code. It has no effect once headers are sent.
func (r *Reply) SetCode(code int) { r.code = code }

// Header returns the response headers.
func (r *Reply) Header() http.Header { return r.header }

// SetType sets the Content-Type header.
func (r *Reply) SetType(ct string) { r.header.Set("Content-Type", ct) }

// Write buffers p.
func (r *Reply) Write(p []byte) (int, error) {
	if r.ended {
		return 0, ErrDisconnected
	}
	return r.buf.Write(p)
}

// WriteString buffers s.
func (r *Reply) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// Printf formats into the buffer.
func (r *Reply) Printf(format string, args ...any) {
	fmt.Fprintf(r, format, args...)
}

// Buffered returns the number of unsent bytes.
func (r *Reply) Buffered() int { return r.buf.Len() }

// Reset discards unsent output and headers. It fails once headers are sent.
func (r *Reply) Reset() bool {
	if r.sent {
		return false
	}
	r.buf.Reset()
	r.release()
	r.header = make(http.Header)
	r.code = http.StatusOK
	return true
}

// Send makes r, n bytes long, the rest of a plain reply body. It is copied
// to the connection when the reply is written instead of being buffered,
// and closed afterwards if it is an io.Closer.
func (r *Reply) Send(src io.Reader, n int64) {
	r.release()
	r.src, r.srcLen = src, n
}

func (r *Reply) release() {
	if c, ok := r.src.(io.Closer); ok {
		c.Close()
	}
	r.src, r.srcLen = nil, 0
}

// Sent reports whether the status line has been written.
func (r *Reply) Sent() bool { return r.sent }

// Length returns the number of body bytes written to the connection.
func (r *Reply) Length() int64 { return r.length }

// Close marks the connection to be closed after this reply.
func (r *Reply) Close() { r.close = true }

// Redirect answers with a 302 to location.
func (r *Reply) Redirect(location string) {
	r.code = http.StatusFound
	r.header.Set("Location", location)
}

// Flush sends buffered output. On a plain reply it sends the complete
// response; on a held reply it sends one chunk.
func (r *Reply) Flush() error {
	if r.ev.closed.Load() {
		return ErrDisconnected
	}
	if !r.chunked {
		return r.finish()
	}
	if err := r.writeHead(); err != nil {
		return err
	}
	if r.buf.Len() > 0 {
		n, err := r.chunks.Write(r.buf.Bytes())
		r.length += int64(n)
		r.buf.Reset()
		if err != nil {
			return err
		}
	}
	r.ev.touch()
	return r.ev.bw.Flush()
}

// End terminates a held reply and returns the event to request mode.
func (r *Reply) End() error {
	if !r.chunked {
		return r.finish()
	}
	if r.ended {
		return nil
	}
	if err := r.Flush(); err != nil {
		return err
	}
	r.ended = true
	r.ev.push.Store(false)
	if err := r.chunks.Close(); err != nil {
		return err
	}
	if _, err := io.WriteString(r.ev.bw, "\r\n"); err != nil {
		return err
	}
	return r.ev.bw.Flush()
}

func (r *Reply) hold() {
	r.chunked = true
	if r.src != nil {
		io.CopyN(&r.buf, r.src, r.srcLen)
		r.release()
	}
}

// finish writes a plain reply with Content-Length.
func (r *Reply) finish() error {
	if r.sent {
		return nil
	}
	defer r.release()
	if err := r.writeHead(); err != nil {
		return err
	}
	if !r.head && bodyAllowed(r.code) {
		n, err := r.ev.bw.Write(r.buf.Bytes())
		r.length += int64(n)
		if err != nil {
			return err
		}
		if r.src != nil {
			n, err := io.CopyN(r.ev.bw, r.src, r.srcLen)
			r.length += n
			if err != nil {
				return err
			}
		}
	}
	r.buf.Reset()
	r.ended = true
	return r.ev.bw.Flush()
}

func (r *Reply) writeHead() error {
	if r.sent {
		return nil
	}
	r.sent = true

	h := r.header
	h.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if h.Get("Server") == "" {
		h.Set("Server", "rupy")
	}
	if r.chunked {
		h.Del("Content-Length")
		h.Set("Transfer-Encoding", "chunked")
	} else if bodyAllowed(r.code) {
		h.Set("Content-Length", strconv.FormatInt(int64(r.buf.Len())+r.srcLen, 10))
	}
	if h.Get("Content-Type") == "" && bodyAllowed(r.code) {
		h.Set("Content-Type", "text/html; charset=UTF-8")
	}
	if r.close {
		h.Set("Connection", "close")
	}

	bw := r.ev.bw
	text := http.StatusText(r.code)
	if text == "" {
		text = "Status"
	}
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", r.code, text); err != nil {
		return err
	}
	if err := h.Write(bw); err != nil {
		return err
	}
	if _, err := io.WriteString(bw, "\r\n"); err != nil {
		return err
	}
	if r.chunked {
		r.chunks = httputil.NewChunkedWriter(bw)
	}
	return nil
}

func bodyAllowed(code int) bool {
	return code >= 200 && code != http.StatusNoContent && code != http.StatusNotModified
}

// writeStatus writes a minimal response outside any chain.
func writeStatus(bw *bufio.Writer, code int, msg string) error {
	_, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\nContent-Type: text/plain; charset=UTF-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), len(msg), msg)
	if err != nil {
		return err
	}
	return bw.Flush()
}
