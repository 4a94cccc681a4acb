package client

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/advdv/h2mux/bodystream"
	"github.com/advdv/h2mux/multi"
	"github.com/cockroachdb/errors"
)

// TransferError is returned when the engine finished a transfer with anything but [multi.OK].
type TransferError struct {
	Code multi.Code
	Err  error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return "client: " + e.Code.String()
	}

	return "client: " + e.Code.String() + ": " + e.Err.Error()
}

func (e *TransferError) Unwrap() error { return e.Err }

// Client issues requests through a [Reactor].
type Client struct {
	reactor *Reactor

	// Timeout and ConnectTimeout are applied to every transfer, see [multi.Transfer].
	Timeout        time.Duration
	ConnectTimeout time.Duration
}

// NewClient returns a client that performs its transfers on r.
func NewClient(r *Reactor) *Client {
	return &Client{reactor: r}
}

// Response is a completely received response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Do performs a request and buffers the response body.
func (c *Client) Do(
	ctx context.Context, method, url string, body []byte, header http.Header,
) (*Response, error) {
	var buf bytes.Buffer

	t := c.transfer(method, url, body, header)
	t.Sink = func(p []byte) error {
		buf.Write(p)
		return nil
	}

	if err := c.perform(ctx, t); err != nil {
		return nil, err
	}

	return &Response{Status: t.Status, Header: t.ResponseHeader, Body: buf.Bytes()}, nil
}

// Download is a response whose body is still being received. Reading from Body lets the
// transfer continue, it is paused while nobody reads.
type Download struct {
	Status int
	Header http.Header
	Body   *bodystream.Channel

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Wait blocks until the transfer finished and returns why it failed, if it did.
func (d *Download) Wait() error {
	<-d.done
	return d.err
}

// Close aborts the transfer if it is still running.
func (d *Download) Close() error {
	d.cancel()
	<-d.done

	if errors.Is(d.err, context.Canceled) {
		return nil
	}

	return d.err
}

// Stream performs a request and returns as soon as the response head arrived. ctx bounds the
// whole transfer, not just the call.
func (c *Client) Stream(
	ctx context.Context, method, url string, body []byte, header http.Header,
) (*Download, error) {
	ctx, cancel := context.WithCancel(ctx)

	t := c.transfer(method, url, body, header)
	d := &Download{cancel: cancel, done: make(chan struct{})}
	d.Body = bodystream.New(bodystream.ResumerFunc(func() { c.reactor.Unpause(t) }))

	head := make(chan struct{})
	t.OnResponse = func(status int, h http.Header) {
		d.Status, d.Header = status, h
		close(head)
	}

	t.Sink = func(p []byte) error {
		err := d.Body.Write(p)
		if errors.Is(err, bodystream.ErrNoReader) {
			return multi.ErrPause
		}

		return err
	}

	go func() {
		defer close(d.done)
		defer cancel()

		if d.err = c.perform(ctx, t); d.err != nil {
			d.Body.Abort()
			return
		}

		d.Body.End()
	}()

	select {
	case <-head:
		return d, nil
	case <-d.done:
		if d.err != nil {
			return nil, d.err
		}

		return d, nil
	}
}

func (c *Client) transfer(method, url string, body []byte, header http.Header) *multi.Transfer {
	return &multi.Transfer{
		Method:         method,
		URL:            url,
		Header:         header,
		Body:           body,
		Timeout:        c.Timeout,
		ConnectTimeout: c.ConnectTimeout,
	}
}

func (c *Client) perform(ctx context.Context, t *multi.Transfer) error {
	code, err := c.reactor.Perform(ctx, t)
	if err != nil {
		return errors.Wrapf(err, "perform %s %s", t.Method, t.URL)
	}

	if code != multi.OK {
		return &TransferError{Code: code, Err: t.Err()}
	}

	return nil
}
