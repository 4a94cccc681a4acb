package h2mux

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
)

// BodySource produces the request body chunk by chunk. Read returns io.EOF after the last chunk.
type BodySource interface {
	Read(ctx context.Context) ([]byte, error)
}

// Request is the server side view of one HTTP/2 request stream.
type Request struct {
	Method    string
	Scheme    string
	Authority string

	// Path is the percent-decoded path component of the ":path" pseudo header, RawPath the
	// undecoded target as it was received.
	Path    string
	RawPath string

	Query  url.Values
	Header http.Header

	params map[string]string
	body   BodySource
}

// NewRequest inits an empty request.
func NewRequest() *Request {
	return &Request{
		Query:  url.Values{},
		Header: http.Header{},
	}
}

// SetTarget splits a request target into the decoded path and the query parameters. Malformed
// escape sequences are kept as-is rather than rejected.
func (r *Request) SetTarget(target string) {
	r.RawPath = target

	path, query, _ := strings.Cut(target, "?")
	r.Path = percentDecode(path)

	for entry := range strings.SplitSeq(query, "&") {
		if entry == "" {
			continue
		}

		key, value, _ := strings.Cut(entry, "=")
		r.Query.Add(percentDecode(key), percentDecode(value))
	}
}

// SetBody sets where the request body is read from.
func (r *Request) SetBody(b BodySource) { r.body = b }

// SetParams is called by the router with the parameters of the matched route.
func (r *Request) SetParams(params map[string]string) { r.params = params }

// PathValue returns the value of a named route parameter, or the empty string.
func (r *Request) PathValue(name string) string { return r.params[name] }

// Params returns all route parameters.
func (r *Request) Params() map[string]string { return r.params }

// ParamInt returns the named route parameter as an int. A missing or malformed value is reported as a
// 400 error.
func (r *Request) ParamInt(name string) (int, error) {
	v, ok := r.params[name]
	if !ok {
		return 0, Errorf(CodeBadRequest, "missing parameter %q", name)
	}

	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, NewError(CodeBadRequest, errors.Wrapf(err, "parameter %q", name))
	}

	return n, nil
}

// QueryInt returns the first value of a query parameter as an int, or def when it is absent.
func (r *Request) QueryInt(name string, def int) (int, error) {
	if !r.Query.Has(name) {
		return def, nil
	}

	n, err := cast.ToIntE(r.Query.Get(name))
	if err != nil {
		return 0, NewError(CodeBadRequest, errors.Wrapf(err, "query %q", name))
	}

	return n, nil
}

// ReadChunk returns the next chunk of the body. It returns io.EOF once the body has been consumed or if
// the request has no body.
func (r *Request) ReadChunk(ctx context.Context) ([]byte, error) {
	if r.body == nil {
		return nil, io.EOF
	}

	return r.body.Read(ctx)
}

// ReadAll reads the remainder of the body.
func (r *Request) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.ReadChunk(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		} else if err != nil {
			return out, err
		}

		out = append(out, chunk...)
	}
}

// Text reads the remainder of the body as a string.
func (r *Request) Text(ctx context.Context) (string, error) {
	b, err := r.ReadAll(ctx)
	return string(b), err
}

func percentDecode(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
			continue
		}

		b.WriteByte(s[i])
	}

	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
