//go:build linux

package client_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/advdv/h2mux/client"
	"github.com/advdv/h2mux/multi"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// startReactor runs a reactor until the returned func is called.
func startReactor(t *testing.T) (*client.Reactor, func()) {
	t.Helper()

	r := client.New(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	return r, func() {
		cancel()
		require.NoError(t, <-done)
	}
}

func TestPerform(t *testing.T) {
	defer leaktest.Check(t)()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Method", r.Method)
		fmt.Fprintf(w, "hello from %s", r.URL.Path)
	}))
	defer srv.Close()

	r, stop := startReactor(t)
	defer stop()

	var body bytes.Buffer
	tr := &multi.Transfer{Method: http.MethodGet, URL: srv.URL + "/a/b", Sink: func(p []byte) error {
		body.Write(p)
		return nil
	}}

	code, err := r.Perform(t.Context(), tr)
	require.NoError(t, err)
	require.Equal(t, multi.OK, code)
	require.Equal(t, http.StatusOK, tr.Status)
	require.Equal(t, "GET", tr.ResponseHeader.Get("X-Method"))
	require.Equal(t, "hello from /a/b", body.String())
}

func TestPerformConcurrently(t *testing.T) {
	defer leaktest.Check(t)()

	payload := bytes.Repeat([]byte("x"), 100_000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	r, stop := startReactor(t)
	defer stop()

	c := client.NewClient(r)

	var wg sync.WaitGroup
	errs := make(chan error, 32)

	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			resp, err := c.Do(t.Context(), http.MethodGet, fmt.Sprintf("%s/%d", srv.URL, i), nil, nil)
			if err != nil {
				errs <- err
				return
			}

			if !bytes.Equal(resp.Body, payload) {
				errs <- fmt.Errorf("transfer %d: got %d bytes", i, len(resp.Body))
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}

func TestPerformAbortsOnCancel(t *testing.T) {
	defer leaktest.Check(t)()

	entered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-r.Context().Done()
	}))
	defer srv.Close()

	r, stop := startReactor(t)
	defer stop()

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		<-entered
		cancel()
	}()

	code, err := r.Perform(ctx, &multi.Transfer{URL: srv.URL})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, multi.AbortedByCallback, code)
}

func TestPerformAfterStop(t *testing.T) {
	defer leaktest.Check(t)()

	r, stop := startReactor(t)
	stop()

	code, err := r.Perform(t.Context(), &multi.Transfer{URL: "http://127.0.0.1:1"})
	require.ErrorIs(t, err, client.ErrClosed)
	require.Equal(t, multi.AbortedByCallback, code)
}

func TestStopResolvesInflight(t *testing.T) {
	defer leaktest.Check(t)()

	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	}))
	defer srv.Close()

	r, stop := startReactor(t)

	codes := make(chan multi.Code, 1)
	errs := make(chan error, 1)
	go func() {
		code, err := r.Perform(t.Context(), &multi.Transfer{URL: srv.URL})
		codes <- code
		errs <- err
	}()

	<-entered
	stop()

	require.ErrorIs(t, <-errs, client.ErrClosed)
	require.Equal(t, multi.AbortedByCallback, <-codes)
}

func TestTransferTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	r, stop := startReactor(t)
	defer stop()

	c := client.NewClient(r)
	c.Timeout = 50 * time.Millisecond

	_, err := c.Do(t.Context(), http.MethodGet, srv.URL, nil, nil)

	var terr *client.TransferError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, multi.OperationTimedout, terr.Code)
}

func TestConnectRefused(t *testing.T) {
	defer leaktest.Check(t)()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	r, stop := startReactor(t)
	defer stop()

	_, err = client.NewClient(r).Do(t.Context(), http.MethodGet, "http://"+addr, nil, nil)

	var terr *client.TransferError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, multi.CouldntConnect, terr.Code)
	require.ErrorContains(t, err, "Couldn't connect to server")
}
