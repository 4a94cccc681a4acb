package multi

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
)

const maxHeadSize = 64 << 10

var errMalformedChunk = errors.New("multi: malformed chunked encoding")

// parseHead parses the status line and header block at the start of p. It reports false while the
// block is incomplete and returns the number of bytes it occupies otherwise.
func parseHead(p []byte) (*http.Response, int, bool, error) {
	end := bytes.Index(p, []byte("\r\n\r\n"))
	if end < 0 {
		if len(p) > maxHeadSize {
			return nil, 0, false, errors.Newf("multi: response head exceeds %d bytes", maxHeadSize)
		}

		return nil, 0, false, nil
	}

	n := end + 4

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(p[:n])), nil)
	if err != nil {
		return nil, 0, false, errors.Wrap(err, "multi: parse response head")
	}

	return resp, n, true, nil
}

// bodyDecoder removes the transfer framing from a response body.
type bodyDecoder interface {
	// decode consumes from p. It returns the payload found, how many bytes of p were used and
	// whether the body is complete. It uses nothing when p holds too little to make progress.
	decode(p []byte) (payload []byte, n int, done bool, err error)
	// endsAtClose reports whether the connection closing completes the body.
	endsAtClose() bool
}

func newBodyDecoder(method string, resp *http.Response) bodyDecoder {
	switch {
	case method == http.MethodHead,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusNotModified:
		return &lengthDecoder{}
	case len(resp.TransferEncoding) > 0 && resp.TransferEncoding[0] == "chunked":
		return &chunkedDecoder{}
	case resp.ContentLength >= 0:
		return &lengthDecoder{remaining: resp.ContentLength}
	default:
		return closeDecoder{}
	}
}

type lengthDecoder struct{ remaining int64 }

func (d *lengthDecoder) decode(p []byte) ([]byte, int, bool, error) {
	n := int(min(int64(len(p)), d.remaining))
	d.remaining -= int64(n)

	return p[:n], n, d.remaining == 0, nil
}

func (d *lengthDecoder) endsAtClose() bool { return d.remaining == 0 }

type closeDecoder struct{}

func (closeDecoder) decode(p []byte) ([]byte, int, bool, error) { return p, len(p), false, nil }
func (closeDecoder) endsAtClose() bool                           { return true }

type chunkState int

const (
	chunkSize chunkState = iota
	chunkData
	chunkDataEnd
	chunkTrailer
	chunkDone
)

// chunkedDecoder decodes "Transfer-Encoding: chunked" incrementally.
type chunkedDecoder struct {
	state     chunkState
	remaining int64
}

func (d *chunkedDecoder) decode(p []byte) ([]byte, int, bool, error) {
	switch d.state {
	case chunkSize:
		line, n, ok := cutLine(p)
		if !ok {
			return nil, 0, false, lineTooLong(p)
		}

		if semi := bytes.IndexByte(line, ';'); semi >= 0 {
			line = line[:semi] // chunk extensions
		}

		size, err := strconv.ParseInt(string(bytes.TrimSpace(line)), 16, 64)
		if err != nil || size < 0 {
			return nil, 0, false, errors.Wrapf(errMalformedChunk, "chunk size %q", line)
		}

		d.remaining = size
		d.state = chunkData
		if size == 0 {
			d.state = chunkTrailer
		}

		return nil, n, false, nil
	case chunkData:
		n := int(min(int64(len(p)), d.remaining))
		d.remaining -= int64(n)
		if d.remaining == 0 {
			d.state = chunkDataEnd
		}

		return p[:n], n, false, nil
	case chunkDataEnd:
		if len(p) < 2 {
			return nil, 0, false, nil
		}

		if p[0] != '\r' || p[1] != '\n' {
			return nil, 0, false, errors.Wrap(errMalformedChunk, "missing CRLF after chunk data")
		}

		d.state = chunkSize

		return nil, 2, false, nil
	case chunkTrailer:
		line, n, ok := cutLine(p)
		if !ok {
			return nil, 0, false, lineTooLong(p)
		}

		if len(line) == 0 {
			d.state = chunkDone
			return nil, n, true, nil
		}

		return nil, n, false, nil
	default:
		return nil, 0, true, nil
	}
}

func (d *chunkedDecoder) endsAtClose() bool { return d.state == chunkDone }

func cutLine(p []byte) ([]byte, int, bool) {
	i := bytes.Index(p, []byte("\r\n"))
	if i < 0 {
		return nil, 0, false
	}

	return p[:i], i + 2, true
}

func lineTooLong(p []byte) error {
	if len(p) > 4096 {
		return errors.Wrap(errMalformedChunk, "line too long")
	}

	return nil
}
