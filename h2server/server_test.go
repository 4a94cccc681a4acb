package h2server_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/advdv/h2mux"
	"github.com/advdv/h2mux/h2server"
	"github.com/carlmjohnson/requests"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"
)

func h2cTransport() *http2.Transport {
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
}

// serve starts srv on a random port and returns its base url. The returned func shuts it down.
func serve(t *testing.T, srv *h2server.Server) (string, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	scheme := "http"
	if srv.TLSConfig != nil {
		scheme = "https"
	}

	return scheme + "://" + ln.Addr().String(), func() {
		require.NoError(t, srv.Close())
		require.ErrorIs(t, <-done, h2server.ErrServerClosed)
	}
}

func fileMux(t *testing.T) *h2mux.ServeMux {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.txt"), bytes.Repeat([]byte("0123456789"), 20_000), 0o600))

	mux := newMux(t)
	mux.HandleFunc("GET /files/*name", func(_ context.Context, w *h2mux.Response, r *h2mux.Request) error {
		name := r.PathValue("name")

		f, err := os.Open(filepath.Join(dir, filepath.Clean("/"+name)))
		if err != nil {
			return h2mux.Errorf(h2mux.CodeNotFound, "no such file: %s", name)
		}

		return w.SendFile(f)
	})
	mux.HandleFunc("POST /upper", func(ctx context.Context, w *h2mux.Response, r *h2mux.Request) error {
		body, err := r.Text(ctx)
		if err != nil {
			return err
		}

		_, err = w.WriteString(strings.ToUpper(body))
		return err
	})

	return mux
}

func TestServerEndToEnd(t *testing.T) {
	defer leaktest.Check(t)()

	tr := h2cTransport()
	defer tr.CloseIdleConnections()

	base, stop := serve(t, &h2server.Server{Handler: fileMux(t), Logger: zaptest.NewLogger(t)})
	defer stop()

	ctx := t.Context()

	var greeting string
	require.NoError(t, requests.URL(base).Path("/hello/you").Transport(tr).ToString(&greeting).Fetch(ctx))
	require.Equal(t, "hello, you", greeting)

	var upper string
	require.NoError(t, requests.URL(base).Path("/upper").Transport(tr).
		BodyBytes(bytes.Repeat([]byte("abc"), 50_000)).
		ToString(&upper).Fetch(ctx))
	require.Equal(t, strings.Repeat("ABC", 50_000), upper)

	var file bytes.Buffer
	require.NoError(t, requests.URL(base).Path("/files/big.txt").Transport(tr).ToBytesBuffer(&file).Fetch(ctx))
	require.Equal(t, 200_000, file.Len())
	require.True(t, bytes.HasPrefix(file.Bytes(), []byte("01234567890123")))

	hdrs := http.Header{}
	require.NoError(t, requests.URL(base).Path("/hello/you").Method(http.MethodPut).Transport(tr).
		CheckStatus(http.StatusMethodNotAllowed).CopyHeaders(hdrs).Fetch(ctx))
	require.Equal(t, "GET", hdrs.Get("Allow"))

	var missing string
	require.NoError(t, requests.URL(base).Path("/files/nope.txt").Transport(tr).
		CheckStatus(http.StatusNotFound).ToString(&missing).Fetch(ctx))
	require.Equal(t, "no such file: nope.txt", missing)
}

func TestServerConcurrentStreams(t *testing.T) {
	defer leaktest.Check(t)()

	tr := h2cTransport()
	defer tr.CloseIdleConnections()

	base, stop := serve(t, &h2server.Server{Handler: fileMux(t)})
	defer stop()

	const n = 20

	errs := make(chan error, n)
	for i := range n {
		go func() {
			var out bytes.Buffer
			err := requests.URL(base).Path("/files/big.txt").Param("n", strconv.Itoa(i)).Transport(tr).
				ToBytesBuffer(&out).Fetch(t.Context())
			if err == nil && out.Len() != 200_000 {
				err = io.ErrUnexpectedEOF
			}

			errs <- err
		}()
	}

	for range n {
		require.NoError(t, <-errs)
	}
}

func TestServerShutdownWaitsForHandlers(t *testing.T) {
	defer leaktest.Check(t)()

	tr := h2cTransport()
	defer tr.CloseIdleConnections()

	entered, release := make(chan struct{}), make(chan struct{})
	mux := h2mux.NewServeMuxWith(h2mux.NewTestLogger(t), h2mux.NewReverser())
	mux.HandleFunc("GET /slow", func(_ context.Context, w *h2mux.Response, _ *h2mux.Request) error {
		close(entered)
		<-release

		_, err := w.WriteString("finished")
		return err
	})

	srv := &h2server.Server{Handler: mux}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp := make(chan string, 1)
	go func() {
		var out string
		requests.URL("http://" + ln.Addr().String()).Path("/slow").Transport(tr).ToString(&out).Fetch(context.Background())
		resp <- out
	}()

	<-entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- srv.Shutdown(context.Background()) }()

	select {
	case <-shutdown:
		require.FailNow(t, "shutdown returned before the handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.Equal(t, "finished", <-resp)
	require.NoError(t, <-shutdown)
	require.ErrorIs(t, <-served, h2server.ErrServerClosed)
}

func TestServerShutdownDeadline(t *testing.T) {
	defer leaktest.Check(t)()

	tr := h2cTransport()
	defer tr.CloseIdleConnections()

	entered := make(chan struct{})
	mux := h2mux.NewServeMuxWith(h2mux.NewTestLogger(t), h2mux.NewReverser())
	mux.HandleFunc("GET /forever", func(ctx context.Context, _ *h2mux.Response, _ *h2mux.Request) error {
		close(entered)
		<-ctx.Done()

		return ctx.Err()
	})

	srv := &h2server.Server{Handler: mux}
	base, _ := serve(t, srv)

	fetched := make(chan error, 1)
	go func() {
		fetched <- requests.URL(base).Path("/forever").Transport(tr).Fetch(context.Background())
	}()

	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
	require.Error(t, <-fetched)
}

func TestServerTLS(t *testing.T) {
	defer leaktest.Check(t)()

	cert := selfSigned(t)

	srv := &h2server.Server{
		Handler:   newMux(t),
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
		Logger:    zap.NewNop(),
	}

	base, stop := serve(t, srv)
	defer stop()

	pool := x509.NewCertPool()
	pool.AddCert(cert.Leaf)

	tr := &http2.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}}
	defer tr.CloseIdleConnections()

	var out string
	require.NoError(t, requests.URL(base).Path("/hello/tls").Transport(tr).ToString(&out).Fetch(t.Context()))
	require.Equal(t, "hello, tls", out)

	// clients that do not offer h2 are turned away
	conn, err := tls.Dial("tcp", strings.TrimPrefix(base, "https://"), &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{"http/1.1"},
		MinVersion: tls.VersionTLS12,
	})
	if err == nil {
		_, err = conn.Read(make([]byte, 1))
		conn.Close()
	}

	require.Error(t, err)
}

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
}
