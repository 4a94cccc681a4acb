package h2server

import (
	"context"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/advdv/h2mux"
	"github.com/advdv/h2mux/bodystream"
	"github.com/cockroachdb/errors"
	"golang.org/x/net/http2/hpack"
)

// Stream is the state of one request stream. It is only touched by the session goroutine, except for
// the request and response which belong to the handler while it is active.
type Stream struct {
	id   uint32
	req  *h2mux.Request
	resp *h2mux.Response
	body *bodystream.Channel

	ctx    context.Context
	cancel context.CancelFunc

	// active while a handler runs, open until the peer closed or reset the stream. The stream is
	// forgotten once both are false.
	active bool
	open   bool

	dispatched bool
	remoteDone bool
	discard    bool
}

func newStream(ctx context.Context, id uint32) *Stream {
	st := &Stream{
		id:   id,
		req:  h2mux.NewRequest(),
		resp: h2mux.NewResponse(),
		open: true,
	}

	st.ctx, st.cancel = context.WithCancel(ctx)

	return st
}

// ID returns the HTTP/2 stream id.
func (st *Stream) ID() uint32 { return st.id }

func (st *Stream) recvHeader(f hpack.HeaderField) {
	switch f.Name {
	case ":method":
		st.req.Method = f.Value
	case ":path":
		st.req.SetTarget(f.Value)
	case ":scheme":
		st.req.Scheme = f.Value
	case ":authority":
		st.req.Authority = f.Value
	default:
		if strings.HasPrefix(f.Name, ":") {
			return
		}

		st.req.Header.Add(http.CanonicalHeaderKey(f.Name), f.Value)
	}
}

// hop-by-hop headers are not allowed in HTTP/2 responses.
var connectionHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// responseFields builds the header list for the response, ":status" first. Header names are sent in
// sorted order.
func responseFields(resp *h2mux.Response) []hpack.HeaderField {
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(resp.Status())}}

	keys := make([]string, 0, len(resp.Header()))
	for k := range resp.Header() {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	for _, k := range keys {
		name := strings.ToLower(k)
		if connectionHeaders[name] || name == "content-length" {
			continue
		}

		for _, v := range resp.Header()[k] {
			fields = append(fields, hpack.HeaderField{Name: name, Value: v})
		}
	}

	if resp.HasBody() {
		fields = append(fields, hpack.HeaderField{
			Name:  "content-length",
			Value: strconv.FormatInt(resp.ContentLength(), 10),
		})
	}

	return fields
}

// bufferSource serves an in-memory body.
type bufferSource struct{ buf []byte }

func (s *bufferSource) Read(p []byte) (int, bool, error) {
	n := copy(p, s.buf)
	s.buf = s.buf[n:]

	return n, len(s.buf) == 0, nil
}

// fileSource serves a body from an open file and closes it when done.
type fileSource struct {
	f         *os.File
	remaining int64
}

func (s *fileSource) Read(p []byte) (int, bool, error) {
	if int64(len(p)) > s.remaining {
		p = p[:s.remaining]
	}

	n, err := s.f.Read(p)
	s.remaining -= int64(n)

	switch {
	case s.remaining == 0:
		return n, true, s.f.Close()
	case errors.Is(err, io.EOF):
		s.f.Close()
		return n, false, errors.Newf("%s: unexpected end of file, %d bytes missing", s.f.Name(), s.remaining)
	case err != nil:
		s.f.Close()
		return n, false, errors.Wrap(err, "read response file")
	}

	return n, false, nil
}

func (s *fileSource) Close() error { return s.f.Close() }
