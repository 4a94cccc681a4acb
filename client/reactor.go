// Package client drives many concurrent HTTP transfers from a single goroutine. A [Reactor] owns
// one [multi.Multi] engine, watches the sockets the engine asks for with epoll and runs the timer
// it requests. Callers block in [Reactor.Perform] until their transfer completed.
package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/advdv/h2mux/multi"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ErrClosed is returned for transfers that could not complete because the reactor stopped.
var ErrClosed = errors.New("client: reactor closed")

// fired is a timer channel that is always ready, used when the engine asks to be called at once.
var fired = func() chan time.Time {
	c := make(chan time.Time)
	close(c)

	return c
}()

type readiness struct {
	fd int
	ev multi.Event
}

// socket is the registration of one descriptor the engine reported.
type socket struct {
	fd         int
	want       multi.Poll
	registered bool
	armed      bool
}

type completion struct {
	code multi.Code
	err  error
}

// Reactor performs transfers on a single goroutine started with Run. All engine callbacks,
// including each transfer's Sink, run on that goroutine.
type Reactor struct {
	logs    *zap.Logger
	engine  *multi.Multi
	running atomic.Bool

	posts chan func()
	done  chan struct{}

	// owned by the Run goroutine
	poller   *poller
	sockets  map[int]*socket
	inflight map[*multi.Transfer]chan<- completion
	timer    *time.Timer
	timerC   <-chan time.Time
}

// New inits a reactor. It does nothing until Run is called.
func New(logs *zap.Logger) *Reactor {
	logs = logs.Named("reactor")

	r := &Reactor{
		logs:     logs,
		engine:   multi.New(logs.Named("multi")),
		posts:    make(chan func()),
		done:     make(chan struct{}),
		sockets:  map[int]*socket{},
		inflight: map[*multi.Transfer]chan<- completion{},
		timer:    time.NewTimer(time.Hour),
	}

	r.timer.Stop()
	r.engine.SetSocketFunc(r.watch)
	r.engine.SetTimerFunc(r.setTimer)

	return r
}

// Run drives transfers until ctx is done. Transfers still in flight at that point complete with
// [multi.AbortedByCallback] and [ErrClosed]. A reactor can only run once.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("client: reactor already running")
	}

	defer close(r.done)

	p, err := newPoller()
	if err != nil {
		return err
	}

	r.poller = p
	defer func() {
		if err := p.close(); err != nil {
			r.logs.Error("failed to close poller", zap.Error(err))
		}
	}()

	ready := make(chan []readiness)
	pollErrs := make(chan error, 1)
	stop := make(chan struct{})
	polling := make(chan struct{})

	go func() {
		defer close(polling)
		r.poll(ready, pollErrs, stop)
	}()

	defer func() {
		close(stop)
		if err := p.wake(); err != nil {
			r.logs.Error("failed to wake poller", zap.Error(err))
		}

		<-polling
	}()

	r.logs.Debug("reactor running")

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case err := <-pollErrs:
			r.shutdown()
			return err
		case fn := <-r.posts:
			fn()
		case batch := <-ready:
			for _, rd := range batch {
				r.act(rd.fd, rd.ev)
			}
		case <-r.timerC:
			r.timerC = nil
			r.act(multi.SocketTimeout, 0)
		}

		r.collect()
	}
}

// poll runs on its own goroutine and hands ready sockets to the reactor in batches.
func (r *Reactor) poll(ready chan<- []readiness, errs chan<- error, stop <-chan struct{}) {
	for {
		batch, err := r.poller.wait(nil)
		if err != nil {
			errs <- err
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		if len(batch) == 0 {
			continue
		}

		select {
		case ready <- batch:
		case <-stop:
			return
		}
	}
}

// Perform runs t to completion and returns the engine's result code. When ctx is done first the
// transfer is aborted and Perform returns [multi.AbortedByCallback] with the context's error.
func (r *Reactor) Perform(ctx context.Context, t *multi.Transfer) (multi.Code, error) {
	done := make(chan completion, 1)
	if err := r.post(ctx, func() { r.add(t, done) }); err != nil {
		return multi.AbortedByCallback, err
	}

	select {
	case c := <-done:
		return c.code, c.err
	case <-ctx.Done():
	}

	// if the reactor stopped in the meantime it resolved the transfer itself
	_ = r.post(context.Background(), func() { r.abort(t, ctx.Err()) })

	c := <-done

	return c.code, c.err
}

// Unpause resumes receiving for a transfer whose Sink returned [multi.ErrPause].
func (r *Reactor) Unpause(t *multi.Transfer) {
	_ = r.post(context.Background(), func() { r.engine.Unpause(t) })
}

func (r *Reactor) post(ctx context.Context, fn func()) error {
	select {
	case r.posts <- fn:
		return nil
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Reactor) add(t *multi.Transfer, done chan<- completion) {
	if err := r.engine.Add(t); err != nil {
		done <- completion{code: multi.AbortedByCallback, err: err}
		return
	}

	r.inflight[t] = done
}

func (r *Reactor) abort(t *multi.Transfer, err error) {
	if r.resolve(t, completion{code: multi.AbortedByCallback, err: err}) {
		r.logs.Debug("aborted transfer", zap.String("url", t.URL), zap.Error(err))
	}
}

// resolve deregisters t and completes its caller. It reports false if t was resolved before.
func (r *Reactor) resolve(t *multi.Transfer, c completion) bool {
	done, ok := r.inflight[t]
	if !ok {
		return false
	}

	delete(r.inflight, t)

	if err := r.engine.Remove(t); err != nil {
		r.logs.DPanic("failed to remove transfer", zap.Error(err))
	}

	done <- c

	return true
}

// collect resolves every transfer the engine reported as finished.
func (r *Reactor) collect() {
	for {
		msg, ok := r.engine.InfoRead()
		if !ok {
			return
		}

		if !r.resolve(msg.Transfer, completion{code: msg.Code}) {
			r.logs.DPanic("finished transfer was not in flight", zap.String("url", msg.Transfer.URL))
		}
	}
}

func (r *Reactor) shutdown() {
	for t := range r.inflight {
		r.resolve(t, completion{code: multi.AbortedByCallback, err: ErrClosed})
	}

	r.engine.Close()
	r.timer.Stop()
	r.timerC = nil

	r.logs.Debug("reactor stopped")
}

// act lets the engine handle an event. A socket's one-shot registration is armed again afterwards
// unless the engine already changed it while acting.
func (r *Reactor) act(fd int, ev multi.Event) {
	if fd == multi.SocketTimeout {
		r.engine.SocketAction(fd, ev)
		return
	}

	s, ok := r.sockets[fd]
	if !ok {
		return // removed after the poller saw it
	}

	s.armed = false
	r.engine.SocketAction(fd, ev)

	if r.sockets[fd] == s && !s.armed {
		r.arm(s)
	}
}

// watch is the engine's socket callback.
func (r *Reactor) watch(fd int, what multi.Poll) {
	s, ok := r.sockets[fd]

	if what == multi.PollRemove {
		if !ok {
			return
		}

		if s.registered {
			if err := r.poller.disarm(fd); err != nil {
				r.logs.Error("failed to unregister socket", zap.Int("fd", fd), zap.Error(err))
			}
		}

		delete(r.sockets, fd)

		return
	}

	if !ok {
		s = &socket{fd: fd}
		r.sockets[fd] = s
	}

	s.want = what
	r.arm(s)
}

func (r *Reactor) arm(s *socket) {
	if s.want == multi.PollNone {
		if s.registered {
			if err := r.poller.disarm(s.fd); err != nil {
				r.logs.Error("failed to unregister socket", zap.Int("fd", s.fd), zap.Error(err))
			}
		}

		s.registered, s.armed = false, false

		return
	}

	if err := r.poller.arm(s.fd, s.want, s.registered); err != nil {
		r.logs.Error("failed to arm socket", zap.Int("fd", s.fd), zap.Error(err))
		return
	}

	s.registered, s.armed = true, true
}

// setTimer is the engine's timer callback. Zero makes the timer ready at once, it then competes
// with the other ready events on the next turn of the loop.
func (r *Reactor) setTimer(d time.Duration) {
	r.timer.Stop()

	switch {
	case d < 0:
		r.timerC = nil
	case d == 0:
		r.timerC = fired
	default:
		r.timer.Reset(d)
		r.timerC = r.timer.C
	}
}
