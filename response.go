package h2mux

import (
	"net/http"
	"os"

	"github.com/cockroachdb/errors"
)

// Response is buffered in full before it is submitted to the stream, which allows middleware to reset it
// and formulate a completely new response. A body is either in-memory bytes or an open file.
type Response struct {
	status int
	header http.Header
	buf    []byte
	file   *os.File
	size   int64
}

// NewResponse inits an empty response with status 200.
func NewResponse() *Response {
	return &Response{header: http.Header{}}
}

// Header returns the response headers. Changes after the handler returned have no effect.
func (w *Response) Header() http.Header { return w.header }

// WriteHeader sets the response status.
func (w *Response) WriteHeader(status int) { w.status = status }

// Status returns the response status, 200 if none was set.
func (w *Response) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}

	return w.status
}

// Write appends p to the in-memory body. It drops a file body that was set before.
func (w *Response) Write(p []byte) (int, error) {
	w.dropFile()
	w.buf = append(w.buf, p...)

	return len(p), nil
}

// WriteString is like Write but for strings.
func (w *Response) WriteString(s string) (int, error) {
	w.dropFile()
	w.buf = append(w.buf, s...)

	return len(s), nil
}

// SendFile makes the open file f the response body. The response takes ownership of f and closes it
// after it has been sent or when the response is reset.
func (w *Response) SendFile(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return errors.Wrap(err, "stat response file")
	}

	if fi.IsDir() {
		return errors.Newf("%s is a directory", f.Name())
	}

	w.dropFile()
	w.buf = nil
	w.file, w.size = f, fi.Size()

	return nil
}

// Reset clears the status, the headers and the body.
func (w *Response) Reset() {
	w.dropFile()
	w.status = 0
	w.buf = w.buf[:0]
	clear(w.header)
}

// Bytes returns the in-memory body.
func (w *Response) Bytes() []byte { return w.buf }

// File returns the file body and its size, or nil when the body is not a file.
func (w *Response) File() (*os.File, int64) { return w.file, w.size }

// HasBody reports whether there is anything to send after the headers.
func (w *Response) HasBody() bool {
	return len(w.buf) > 0 || w.file != nil
}

// ContentLength is the number of body bytes that will be sent.
func (w *Response) ContentLength() int64 {
	if w.file != nil {
		return w.size
	}

	return int64(len(w.buf))
}

func (w *Response) dropFile() {
	if w.file != nil {
		w.file.Close()
		w.file, w.size = nil, 0
	}
}
