package h2server

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/advdv/h2mux"
	"github.com/advdv/h2mux/bodystream"
	"github.com/advdv/h2mux/internal/framing"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Dispatcher resolves and runs the handler for a request. [*h2mux.ServeMux] implements it.
type Dispatcher interface {
	Serve(ctx context.Context, w *h2mux.Response, r *h2mux.Request) h2mux.Result
}

// Session serves the request streams of one connection. All of its state is owned by the goroutine
// running HandleConnection; handler goroutines hand results back by posting to it.
type Session struct {
	conn   net.Conn
	mux    Dispatcher
	logs   *zap.Logger
	opts   Options
	engine *framing.Engine
	ctx    context.Context

	streams map[uint32]*Stream

	// paused is the stream whose chunk the engine holds back, starved a stream whose reader was
	// already waiting when that happened.
	paused   *Stream
	pausedOn atomic.Uint32
	starved  *Stream

	tasks     sync.WaitGroup
	posts     chan func() error
	closing   chan struct{}
	closeOnce sync.Once
	draining  bool
	stopped   bool
	broken    bool
}

// NewSession prepares a session for conn. Nothing is read or written until HandleConnection.
func NewSession(conn net.Conn, mux Dispatcher, logs *zap.Logger, opts Options) *Session {
	s := &Session{
		conn:    conn,
		mux:     mux,
		logs:    logs.With(zap.Stringer("remote_addr", conn.RemoteAddr())),
		opts:    opts.withDefaults(),
		streams: map[uint32]*Stream{},
		posts:   make(chan func() error),
		closing: make(chan struct{}),
	}

	s.engine = framing.New(hooks{s}, s.logs)

	return s
}

// Close asks the session to go away gracefully: no new streams are accepted and the connection is
// closed once the streams in flight have been answered.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// HandleConnection sends the server settings and serves the connection until the peer goes away,
// the session finished closing or ctx is cancelled. It returns after every handler has returned and
// the connection is closed.
func (s *Session) HandleConnection(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.ctx = ctx

	defer s.conn.Close()

	if err := s.engine.SubmitSettings(http2.Setting{
		ID:  http2.SettingMaxConcurrentStreams,
		Val: s.opts.MaxConcurrentStreams,
	}); err != nil {
		return errors.Wrap(err, "submit settings")
	}

	if err := s.flush(); err != nil {
		return ignorePeerGone(err)
	}

	reads, readErrs, stop := s.startReading()
	defer close(stop)

	err := s.loop(ctx, reads, readErrs)
	s.abortAll()

	return ignorePeerGone(err)
}

// errPeerGone ends the session when a write finds the peer gone.
var errPeerGone = errors.New("peer went away")

// peerGone reports whether err from the connection means the peer closed or reset it.
func peerGone(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

func ignorePeerGone(err error) error {
	if errors.Is(err, errPeerGone) {
		return nil
	}

	return err
}

func (s *Session) startReading() (<-chan []byte, <-chan error, chan struct{}) {
	reads, readErrs, stop := make(chan []byte), make(chan error, 1), make(chan struct{})

	go func() {
		buf := make([]byte, s.opts.ReadBufferSize)
		for {
			n, err := s.conn.Read(buf)
			if n > 0 {
				select {
				case reads <- append([]byte(nil), buf[:n]...):
				case <-stop:
					return
				}
			}

			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	return reads, readErrs, stop
}

func (s *Session) loop(ctx context.Context, reads <-chan []byte, readErrs <-chan error) error {
	closing := s.closing

	for {
		var in <-chan []byte
		if !s.engine.Paused() {
			in = reads
		}

		select {
		case p := <-in:
			if err := s.recv(p); err != nil {
				s.flush()
				return err
			}
		case err := <-readErrs:
			if peerGone(err) {
				s.logs.Debug("peer closed the connection")
				return nil
			}

			return errors.Wrap(err, "read")
		case fn := <-s.posts:
			if err := fn(); err != nil {
				s.flush()
				return err
			}
		case <-closing:
			closing = nil
			s.draining = true

			if err := s.engine.SubmitGoAway(http2.ErrCodeNo, ""); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}

		if s.paused != nil && s.paused.discard {
			if err := s.resume(); err != nil {
				s.flush()
				return err
			}
		}

		if err := s.flush(); err != nil {
			return err
		}

		if s.draining && s.settled() {
			s.logs.Debug("session drained")
			return nil
		}
	}
}

// settled reports whether no handler runs and no response data waits to be sent.
func (s *Session) settled() bool {
	for _, st := range s.streams {
		if st.active {
			return false
		}
	}

	return s.engine.Sending() == 0
}

// abortAll cancels every stream that is left and waits for their handlers. Their results are
// dropped.
func (s *Session) abortAll() {
	s.stopped = true

	for _, st := range s.streams {
		st.open = false
		st.discard = true
		st.cancel()
		st.body.Abort()
	}

	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()

	for {
		select {
		case fn := <-s.posts:
			if err := fn(); err != nil {
				s.logs.Debug("failed to wind down stream", zap.Error(err))
			}
		case <-done:
			return
		}
	}
}

func (s *Session) recv(p []byte) error {
	err := s.engine.Recv(p)
	if !errors.Is(err, framing.ErrPaused) {
		return errors.Wrap(err, "recv")
	}

	if st := s.starved; st != nil {
		s.starved = nil
		return s.demand(st)
	}

	return nil
}

func (s *Session) flush() error {
	out := s.engine.Drain()
	if len(out) == 0 || s.broken {
		return nil
	}

	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return s.writeFailed(errors.Wrap(err, "set write deadline"))
		}
	}

	if _, err := s.conn.Write(out); err != nil {
		return s.writeFailed(errors.Wrap(err, "write"))
	}

	return nil
}

// writeFailed stops all further writes. A peer that went away ends the session like a clean close.
func (s *Session) writeFailed(err error) error {
	s.broken = true

	if peerGone(err) {
		s.logs.Debug("peer went away while writing", zap.Error(err))
		return errors.Mark(err, errPeerGone)
	}

	return err
}

// post runs fn on the session goroutine. Only goroutines that the session waits for may post.
func (s *Session) post(fn func() error) {
	s.posts <- fn
}

func (s *Session) dispatch(st *Stream) error {
	st.dispatched = true

	if st.req.Method == "" || st.req.Path == "" {
		s.logs.Debug("malformed request", zap.Uint32("stream_id", st.id))
		return s.engine.SubmitRSTStream(st.id, http2.ErrCodeProtocol)
	}

	st.req.SetBody(&streamBody{s: s, st: st})
	st.active = true
	s.tasks.Add(1)

	s.logs.Debug("dispatching request",
		zap.Uint32("stream_id", st.id),
		zap.String("method", st.req.Method),
		zap.String("path", st.req.Path))

	go func() {
		defer s.tasks.Done()

		res := s.mux.Serve(st.ctx, st.resp, st.req)
		s.post(func() error { return s.finish(st, res) })
	}()

	return nil
}

// finish runs on the session goroutine after the handler of st returned.
func (s *Session) finish(st *Stream, res h2mux.Result) error {
	st.active = false

	if !st.open {
		s.logs.Debug("dropping response of closed stream", zap.Uint32("stream_id", st.id))
		st.resp.Reset()
		s.forget(st)

		return nil
	}

	if !st.remoteDone {
		// the rest of the request body is not read anymore
		st.discard = true
		st.body.Abort()

		if s.paused == st {
			if err := s.resume(); err != nil {
				return err
			}
		}

		if _, ok := s.streams[st.id]; !ok {
			st.resp.Reset()
			return nil
		}
	}

	if res.Outcome == h2mux.Aborted {
		st.resp.Reset()
		return s.engine.SubmitRSTStream(st.id, http2.ErrCodeCancel)
	}

	s.logs.Debug("submitting response",
		zap.Uint32("stream_id", st.id),
		zap.Int("status", st.resp.Status()),
		zap.Stringer("outcome", res.Outcome))

	return s.engine.SubmitResponse(st.id, responseFields(st.resp), bodySource(st.resp))
}

func bodySource(resp *h2mux.Response) framing.DataSource {
	if f, size := resp.File(); f != nil {
		if size == 0 {
			f.Close()
			return nil
		}

		return &fileSource{f: f, remaining: size}
	}

	if len(resp.Bytes()) == 0 {
		return nil
	}

	return &bufferSource{buf: resp.Bytes()}
}

func (s *Session) forget(st *Stream) {
	if _, ok := s.streams[st.id]; !ok {
		return
	}

	delete(s.streams, st.id)
	st.cancel()

	s.logs.Debug("stream deleted", zap.Uint32("stream_id", st.id))
}

// resume lets the engine offer the held back chunk again and continue with buffered input.
func (s *Session) resume() error {
	if s.stopped {
		return nil
	}

	s.paused = nil
	s.pausedOn.Store(0)

	return s.recv(nil)
}

// demand is posted when the handler of st wants body bytes. If the engine is held back by the
// chunk of another stream, that stream gives up its body so st can make progress.
func (s *Session) demand(st *Stream) error {
	if s.paused == nil || s.paused == st {
		return nil
	}

	held := s.paused
	if held.body.Waiting() {
		// its reader came back in the meantime
		return s.resume()
	}

	s.logs.Debug("discarding held back body",
		zap.Uint32("stream_id", held.id),
		zap.Uint32("demanded_by", st.id))

	held.discard = true
	held.body.Abort()

	return s.resume()
}

func (s *Session) resumer(st *Stream) bodystream.Resumer {
	return bodystream.ResumerFunc(func() {
		s.post(func() error {
			if s.paused != st {
				return nil
			}

			return s.resume()
		})
	})
}

// streamBody is the request body handed to handlers.
type streamBody struct {
	s  *Session
	st *Stream
}

func (b *streamBody) Read(ctx context.Context) ([]byte, error) {
	if id := b.s.pausedOn.Load(); id != 0 && id != b.st.id {
		b.s.post(func() error { return b.s.demand(b.st) })
	}

	return b.st.body.Read(ctx)
}

// hooks receives the engine callbacks on behalf of the session.
type hooks struct{ s *Session }

func (h hooks) OnBeginHeaders(id uint32) error {
	st := newStream(h.s.ctx, id)
	st.body = bodystream.New(h.s.resumer(st))
	h.s.streams[id] = st

	h.s.logs.Debug("stream created", zap.Uint32("stream_id", id))

	return nil
}

func (h hooks) OnHeader(id uint32, f hpack.HeaderField) error {
	if st, ok := h.s.streams[id]; ok {
		st.recvHeader(f)
	}

	return nil
}

func (h hooks) OnDataChunk(id uint32, p []byte) error {
	st, ok := h.s.streams[id]
	if !ok || st.discard {
		return nil
	}

	err := st.body.Write(p)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bodystream.ErrNoReader):
		h.s.paused = st
		h.s.pausedOn.Store(id)

		for _, other := range h.s.streams {
			if other != st && other.active && !other.remoteDone && other.body.Waiting() {
				h.s.starved = other
				break
			}
		}

		return framing.ErrPause
	case errors.Is(err, bodystream.ErrAborted):
		st.discard = true
		return nil
	default:
		return err
	}
}

func (h hooks) OnFrameRecv(id uint32, typ http2.FrameType, endStream bool) error {
	st, ok := h.s.streams[id]
	if !ok {
		return nil
	}

	if endStream {
		st.remoteDone = true
		st.body.End()
	}

	if typ == http2.FrameHeaders && !st.dispatched {
		return h.s.dispatch(st)
	}

	return nil
}

func (h hooks) OnStreamClose(id uint32, code http2.ErrCode) error {
	st, ok := h.s.streams[id]
	if !ok {
		return nil
	}

	if code != http2.ErrCodeNo {
		h.s.logs.Debug("stream reset", zap.Uint32("stream_id", id), zap.Stringer("code", code))
	}

	if h.s.starved == st {
		h.s.starved = nil
	}

	// a chunk held back for st is dropped by the loop
	st.discard = true

	if !st.active {
		h.s.forget(st)
		return nil
	}

	// deleted once the handler returns
	st.open = false
	st.cancel()
	st.body.Abort()

	return nil
}

func (h hooks) OnInvalidHeader(id uint32, err error) {
	h.s.logs.Debug("invalid request headers", zap.Uint32("stream_id", id), zap.Error(err))
}
