package bodystream_test

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/advdv/h2mux/bodystream"
	"github.com/cockroachdb/errors"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

func readAsync(ctx context.Context, ch *bodystream.Channel) <-chan []byte {
	out := make(chan []byte, 1)
	go func() {
		chunk, _ := ch.Read(ctx)
		out <- chunk
	}()

	return out
}

func TestSingleSlot(t *testing.T) {
	defer leaktest.Check(t)()
	ctx := context.Background()
	ch := bodystream.New(nil)

	require.ErrorIs(t, ch.Write([]byte("early")), bodystream.ErrNoReader)
	require.True(t, ch.Paused())

	got := readAsync(ctx, ch)
	require.Eventually(t, ch.Waiting, time.Second, time.Millisecond)
	require.False(t, ch.Paused())

	require.NoError(t, ch.Write([]byte("a")))
	require.ErrorIs(t, ch.Write([]byte("b")), bodystream.ErrNoReader)
	require.Equal(t, []byte("a"), <-got)

	second := readAsync(ctx, ch)
	require.Eventually(t, ch.Waiting, time.Second, time.Millisecond)

	select {
	case <-second:
		t.Fatal("second read must stay suspended until the next write")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, ch.Write([]byte("c")))
	require.Equal(t, []byte("c"), <-second)
}

func TestWriteCopiesChunk(t *testing.T) {
	ch := bodystream.New(nil)
	got := readAsync(context.Background(), ch)
	require.Eventually(t, ch.Waiting, time.Second, time.Millisecond)

	buf := []byte("abc")
	require.NoError(t, ch.Write(buf))
	buf[0] = 'x'

	require.Equal(t, []byte("abc"), <-got)
}

func TestBackpressureDeliversEveryChunkOnce(t *testing.T) {
	defer leaktest.Check(t)()

	chunks := [][]byte{[]byte("1"), []byte("2"), []byte("3"), []byte("4")}
	resumes := make(chan struct{}, len(chunks)*2)

	var numResumes atomic.Int32
	ch := bodystream.New(bodystream.ResumerFunc(func() {
		numResumes.Add(1)
		resumes <- struct{}{}
	}))

	// the producer plays the engine: it keeps the refused chunk and redelivers on resume
	go func() {
		next := 0
		deliver := func() {
			for next < len(chunks) {
				if err := ch.Write(chunks[next]); errors.Is(err, bodystream.ErrNoReader) {
					return
				}
				next++
			}
			ch.End()
		}

		deliver()
		for range resumes {
			if deliver(); next == len(chunks) {
				return
			}
		}
	}()

	require.Eventually(t, ch.Paused, time.Second, time.Millisecond)

	body, err := ch.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "1234", string(body))
	require.GreaterOrEqual(t, numResumes.Load(), int32(1))
	require.LessOrEqual(t, numResumes.Load(), int32(len(chunks)))
}

func TestEndAfterChunk(t *testing.T) {
	ch := bodystream.New(nil)
	got := readAsync(context.Background(), ch)
	require.Eventually(t, ch.Waiting, time.Second, time.Millisecond)
	require.NoError(t, ch.Write([]byte("last")))
	ch.End()

	require.Equal(t, []byte("last"), <-got)

	_, err := ch.Read(context.Background())
	require.ErrorIs(t, err, io.EOF)

	_, err = ch.Read(context.Background())
	require.ErrorIs(t, err, io.EOF)
}

func TestAbort(t *testing.T) {
	defer leaktest.Check(t)()
	ch := bodystream.New(nil)

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Read(context.Background())
		errs <- err
	}()

	require.Eventually(t, ch.Waiting, time.Second, time.Millisecond)
	ch.Abort()

	require.ErrorIs(t, <-errs, bodystream.ErrAborted)
	require.ErrorIs(t, ch.Write([]byte("x")), bodystream.ErrAborted)
	require.True(t, ch.Aborted())
}

func TestReadContextCancel(t *testing.T) {
	defer leaktest.Check(t)()
	ch := bodystream.New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := ch.Read(ctx)
		errs <- err
	}()

	require.Eventually(t, ch.Waiting, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-errs, context.Canceled)
	require.False(t, ch.Waiting())
}

func TestConcurrentRead(t *testing.T) {
	ch := bodystream.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	readAsync(ctx, ch)
	require.Eventually(t, ch.Waiting, time.Second, time.Millisecond)

	_, err := ch.Read(ctx)
	require.ErrorIs(t, err, bodystream.ErrConcurrentRead)
}
