// Package multi is a non-blocking HTTP/1.1 transfer engine with the contract of libcurl's multi
// socket interface. The engine never waits on its own: it reports which sockets it wants watched
// through a [SocketFunc] and when it wants to be woken through a [TimerFunc], and its owner calls
// [Multi.SocketAction] whenever a socket is ready or the timer expired. Finished transfers are
// collected with [Multi.InfoRead].
//
// A Multi is not safe for concurrent use. Callbacks run synchronously inside the Multi's methods.
package multi

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// SocketTimeout is passed to SocketAction instead of a descriptor when the timer expired.
const SocketTimeout = -1

// Poll is the interest the engine has in a socket.
type Poll int

const (
	PollNone Poll = iota
	PollIn
	PollOut
	PollInOut
	PollRemove
)

func (p Poll) String() string {
	return [...]string{"none", "in", "out", "inout", "remove"}[p]
}

// Event is the readiness observed on a socket.
type Event int

const (
	EventIn Event = 1 << iota
	EventOut
	EventErr
)

// SocketFunc is told about every change in the interest for socket fd. After [PollRemove] the
// descriptor is closed and may be reused.
type SocketFunc func(fd int, what Poll)

// TimerFunc is told when the engine wants SocketAction to be called with [SocketTimeout]. Zero asks
// for a call as soon as possible, a negative duration disarms the timer.
type TimerFunc func(d time.Duration)

// Message reports a finished transfer.
type Message struct {
	Transfer *Transfer
	Code     Code
}

// Multi drives any number of transfers.
type Multi struct {
	logs     *zap.Logger
	socketFn SocketFunc
	timerFn  TimerFunc
	resolver *net.Resolver
	now      func() time.Time

	transfers map[*Transfer]struct{}
	byFD      map[int]*Transfer
	pending   []*Transfer
	msgs      []Message

	timerSet  bool
	timerNow  bool
	timerAt   time.Time
	recvChunk []byte
}

// New inits an engine without callbacks.
func New(logs *zap.Logger) *Multi {
	return &Multi{
		logs:      logs,
		socketFn:  func(int, Poll) {},
		timerFn:   func(time.Duration) {},
		resolver:  net.DefaultResolver,
		now:       time.Now,
		transfers: map[*Transfer]struct{}{},
		byFD:      map[int]*Transfer{},
		recvChunk: make([]byte, 16<<10),
	}
}

// SetSocketFunc sets the socket callback.
func (m *Multi) SetSocketFunc(fn SocketFunc) { m.socketFn = fn }

// SetTimerFunc sets the timer callback.
func (m *Multi) SetTimerFunc(fn TimerFunc) { m.timerFn = fn }

// SetResolver replaces the resolver host names are looked up with.
func (m *Multi) SetResolver(r *net.Resolver) { m.resolver = r }

// Add starts t. Connecting begins on the next SocketAction with [SocketTimeout], which the timer
// callback asks for right away.
func (m *Multi) Add(t *Transfer) error {
	if _, ok := m.transfers[t]; ok {
		return errors.New("multi: transfer already added")
	}

	t.reset()
	m.transfers[t] = struct{}{}

	now := m.now()
	if t.Timeout > 0 {
		t.deadline = now.Add(t.Timeout)
	}

	if t.ConnectTimeout > 0 {
		t.connDeadline = now.Add(t.ConnectTimeout)
	}

	m.pending = append(m.pending, t)
	m.updateTimer()

	return nil
}

// Remove detaches t. A transfer that has not finished is aborted without a message.
func (m *Multi) Remove(t *Transfer) error {
	if _, ok := m.transfers[t]; !ok {
		return errors.New("multi: transfer was not added")
	}

	if t.phase != phaseDone {
		m.logs.Debug("aborting transfer", zap.String("url", t.URL))
		t.stopLookup()
		m.closeSocket(t)
		t.phase = phaseDone
		t.code = AbortedByCallback
	}

	delete(m.transfers, t)
	m.pending = slices.DeleteFunc(m.pending, func(p *Transfer) bool { return p == t })
	m.msgs = slices.DeleteFunc(m.msgs, func(msg Message) bool { return msg.Transfer == t })
	m.updateTimer()

	return nil
}

// Pause stops receiving for t.
func (m *Multi) Pause(t *Transfer) {
	if t.phase == phaseDone || t.paused {
		return
	}

	t.paused = true
	m.setPoll(t, m.wantPoll(t))
}

// Unpause resumes receiving for t. A held back chunk is delivered on the next SocketAction with
// [SocketTimeout], which the timer callback asks for right away.
func (m *Multi) Unpause(t *Transfer) {
	if t.phase == phaseDone || !t.paused {
		return
	}

	t.paused = false
	m.pending = append(m.pending, t)
	m.updateTimer()
}

// Running returns the number of transfers that have not finished.
func (m *Multi) Running() int {
	n := 0
	for t := range m.transfers {
		if t.phase != phaseDone {
			n++
		}
	}

	return n
}

// SocketAction lets the engine act on fd, or on its timers when fd is [SocketTimeout]. It returns
// the number of transfers still running.
func (m *Multi) SocketAction(fd int, ev Event) int {
	if fd == SocketTimeout {
		// the timer fired and needs arming again
		m.timerSet = false
		m.runTimeouts()
	} else if t, ok := m.byFD[fd]; ok {
		m.progress(t, ev)
	}

	m.updateTimer()

	return m.Running()
}

// InfoRead pops the next message about a finished transfer.
func (m *Multi) InfoRead() (Message, bool) {
	if len(m.msgs) == 0 {
		return Message{}, false
	}

	msg := m.msgs[0]
	m.msgs = m.msgs[1:]

	return msg, true
}

// Close aborts every transfer and disarms the timer.
func (m *Multi) Close() {
	for t := range m.transfers {
		m.Remove(t)
	}

	m.msgs = nil
	m.timerFn(-1)
	m.timerSet = false
}

func (m *Multi) runTimeouts() {
	pending := m.pending
	m.pending = nil

	for _, t := range pending {
		switch {
		case t.phase == phaseQueued:
			m.start(t)
		case t.phase >= phaseRecvHead && t.phase != phaseDone && !t.paused:
			m.receive(t, false)
		case t.phase != phaseDone:
			m.setPoll(t, m.wantPoll(t))
		}
	}

	now := m.now()
	for t := range m.transfers {
		switch {
		case t.phase == phaseDone:
		case !t.deadline.IsZero() && !now.Before(t.deadline):
			m.fail(t, OperationTimedout, errors.Newf("operation timed out after %s", t.Timeout))
		case t.phase <= phaseConnecting && !t.connDeadline.IsZero() && !now.Before(t.connDeadline):
			m.fail(t, OperationTimedout, errors.Newf("connection timed out after %s", t.ConnectTimeout))
		}
	}
}

func (m *Multi) updateTimer() {
	if len(m.pending) > 0 {
		if !m.timerSet || !m.timerNow {
			m.timerSet, m.timerNow = true, true
			m.timerFn(0)
		}

		return
	}

	var next time.Time
	earliest := func(d time.Time) {
		if !d.IsZero() && (next.IsZero() || d.Before(next)) {
			next = d
		}
	}

	for t := range m.transfers {
		if t.phase == phaseDone {
			continue
		}

		earliest(t.deadline)
		if t.phase <= phaseConnecting {
			earliest(t.connDeadline)
		}
	}

	if next.IsZero() {
		if m.timerSet {
			m.timerSet, m.timerNow = false, false
			m.timerFn(-1)
		}

		return
	}

	if m.timerSet && !m.timerNow && next.Equal(m.timerAt) {
		return
	}

	m.timerSet, m.timerNow, m.timerAt = true, false, next
	m.timerFn(max(next.Sub(m.now()), time.Millisecond))
}

func (m *Multi) start(t *Transfer) {
	u, err := url.Parse(t.URL)
	if err != nil {
		m.fail(t, URLMalformat, errors.Wrapf(err, "parse url %q", t.URL))
		return
	} else if u.Host == "" {
		m.fail(t, URLMalformat, errors.Newf("no host in url %q", t.URL))
		return
	}

	if u.Scheme != "http" {
		m.fail(t, UnsupportedProtocol, errors.Newf("protocol %q not supported", u.Scheme))
		return
	}

	t.port = 80
	if p := u.Port(); p != "" {
		if t.port, err = strconv.Atoi(p); err != nil {
			m.fail(t, URLMalformat, errors.Wrapf(err, "port %q", p))
			return
		}
	}

	if t.out, err = requestBytes(t, u); err != nil {
		m.fail(t, URLMalformat, err)
		return
	}

	m.logs.Debug("starting transfer", zap.String("method", t.Method), zap.String("url", t.URL))

	if ip := net.ParseIP(u.Hostname()); ip != nil {
		t.addrs = []net.IP{ip}
		m.connect(t)

		return
	}

	m.lookup(t, u.Hostname())
}

// lookup resolves host on its own goroutine. The result is handed over through a pipe whose read
// end is reported like any other socket, so the owner wakes the engine once it is readable.
func (m *Multi) lookup(t *Transfer, host string) {
	p := make([]int, 2)
	if err := unix.Pipe(p); err != nil {
		m.fail(t, CouldntResolveHost, errors.Wrap(err, "lookup pipe"))
		return
	}

	for _, fd := range p {
		unix.CloseOnExec(fd)
	}

	if err := unix.SetNonblock(p[0], true); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		m.fail(t, CouldntResolveHost, errors.Wrap(err, "lookup pipe"))

		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	if by := t.connectBy(); !by.IsZero() {
		ctx, cancel = context.WithDeadline(context.Background(), by)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	done := make(chan lookupResult, 1)
	t.lookup, t.cancelLookup = done, cancel
	t.fd = p[0]
	m.byFD[t.fd] = t
	t.phase = phaseResolving
	m.setPoll(t, PollIn)

	go func(resolver *net.Resolver, wfd int) {
		defer unix.Close(wfd)

		ips, err := resolver.LookupIP(ctx, "ip", host)
		if err != nil {
			err = errors.Wrapf(err, "resolve %s", host)
		}

		done <- lookupResult{ips: ips, err: err}

		// fails with EPIPE when the transfer was removed meanwhile
		_, _ = unix.Write(wfd, []byte{1})
	}(m.resolver, p[1])
}

// resolved continues t once its lookup delivered.
func (m *Multi) resolved(t *Transfer) {
	var res lookupResult
	select {
	case res = <-t.lookup:
	default:
		return
	}

	t.stopLookup()
	m.closeSocket(t)

	by := t.connectBy()
	late := errors.Is(res.err, context.DeadlineExceeded) || (!by.IsZero() && !m.now().Before(by))

	switch {
	case res.err != nil && late:
		m.fail(t, OperationTimedout, res.err)
		return
	case res.err != nil:
		m.fail(t, CouldntResolveHost, res.err)
		return
	}

	t.addrs = res.ips
	m.connect(t)
}

func requestBytes(t *Transfer, u *url.URL) ([]byte, error) {
	method := t.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(t.Body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}

	for k, vs := range t.Header {
		req.Header[k] = vs
	}

	req.Close = true
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "h2mux")
	}

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return nil, errors.Wrap(err, "write request")
	}

	return buf.Bytes(), nil
}

// connect opens a socket to the next address of t.
func (m *Multi) connect(t *Transfer) {
	for len(t.addrs) > 0 {
		ip := t.addrs[0]
		t.addrs = t.addrs[1:]

		fd, err := dial(ip, t.port)
		if err != nil {
			if len(t.addrs) == 0 {
				m.fail(t, CouldntConnect, err)
				return
			}

			continue
		}

		t.fd = fd
		m.byFD[fd] = t
		t.phase = phaseConnecting
		m.setPoll(t, PollOut)

		return
	}

	m.fail(t, CouldntConnect, errors.New("no address to connect to"))
}

func (m *Multi) progress(t *Transfer, ev Event) {
	switch t.phase {
	case phaseResolving:
		m.resolved(t)
	case phaseConnecting:
		if ev&(EventOut|EventErr) == 0 {
			return
		}

		if err := connectResult(t.fd); err != nil {
			m.closeSocket(t)
			if len(t.addrs) > 0 {
				m.connect(t)
				return
			}

			m.fail(t, CouldntConnect, err)

			return
		}

		t.phase = phaseSending
		m.send(t)
	case phaseSending:
		m.send(t)
	case phaseRecvHead, phaseRecvBody:
		if !t.paused {
			m.receive(t, true)
		}
	}
}

func (m *Multi) send(t *Transfer) {
	for len(t.out) > 0 {
		n, err := unix.Write(t.fd, t.out)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			m.setPoll(t, PollOut)
			return
		case err != nil:
			m.fail(t, SendError, errors.Wrap(err, "send request"))
			return
		}

		t.out = t.out[n:]
	}

	t.phase = phaseRecvHead
	m.setPoll(t, m.wantPoll(t))
}

// receive delivers what is buffered and, when read is set, reads until the socket has nothing more.
func (m *Multi) receive(t *Transfer, read bool) {
	if !m.drain(t) {
		return
	}

	for read && !t.paused {
		n, err := unix.Read(t.fd, m.recvChunk)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			read = false
			continue
		case err != nil:
			m.fail(t, RecvError, errors.Wrap(err, "receive response"))
			return
		case n == 0:
			m.closed(t)
			return
		}

		t.received = true
		t.in = append(t.in, m.recvChunk[:n]...)

		if !m.drain(t) {
			return
		}
	}

	m.setPoll(t, m.wantPoll(t))
}

// drain parses and delivers the buffered input of t. It reports false once t finished or paused.
func (m *Multi) drain(t *Transfer) bool {
	if t.held != nil {
		if !m.deliver(t, t.held) {
			return false
		}

		t.held = nil
	}

	for {
		if t.phase == phaseRecvHead {
			resp, n, ok, err := parseHead(t.in)
			if err != nil {
				m.fail(t, WeirdServerReply, err)
				return false
			} else if !ok {
				return true
			}

			t.in = t.in[n:]
			if resp.StatusCode >= 100 && resp.StatusCode < 200 {
				continue
			}

			t.Status, t.ResponseHeader = resp.StatusCode, resp.Header
			t.body = newBodyDecoder(t.Method, resp)
			t.phase = phaseRecvBody

			if t.OnResponse != nil {
				t.OnResponse(t.Status, t.ResponseHeader)
			}
		}

		payload, n, done, err := t.body.decode(t.in)
		if err != nil {
			m.fail(t, WeirdServerReply, err)
			return false
		}

		t.in = t.in[n:]

		if len(payload) > 0 && !m.deliver(t, payload) {
			return false
		}

		if done {
			m.complete(t)
			return false
		}

		if n == 0 && len(payload) == 0 {
			return true
		}
	}
}

func (m *Multi) deliver(t *Transfer, p []byte) bool {
	if t.Sink == nil {
		return true
	}

	err := t.Sink(p)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrPause):
		if t.held == nil {
			t.held = bytes.Clone(p)
		}

		t.paused = true
		m.setPoll(t, m.wantPoll(t))

		return false
	default:
		m.fail(t, WriteError, errors.Wrap(err, "sink"))
		return false
	}
}

// closed handles the peer closing the connection.
func (m *Multi) closed(t *Transfer) {
	switch {
	case t.phase == phaseRecvHead && !t.received:
		m.fail(t, GotNothing, errors.New("empty reply from server"))
	case t.phase == phaseRecvHead:
		m.fail(t, WeirdServerReply, errors.New("connection closed inside the response head"))
	case t.body.endsAtClose():
		m.complete(t)
	default:
		m.fail(t, PartialFile, errors.New("connection closed before the body was complete"))
	}
}

func (m *Multi) wantPoll(t *Transfer) Poll {
	switch {
	case t.phase == phaseResolving:
		return PollIn
	case t.phase == phaseConnecting, t.phase == phaseSending:
		return PollOut
	case t.paused:
		return PollNone
	default:
		return PollIn
	}
}

func (m *Multi) setPoll(t *Transfer, p Poll) {
	if t.fd < 0 || t.poll == p {
		return
	}

	t.poll = p
	m.socketFn(t.fd, p)
}

func (m *Multi) closeSocket(t *Transfer) {
	if t.fd < 0 {
		return
	}

	m.socketFn(t.fd, PollRemove)
	delete(m.byFD, t.fd)
	unix.Close(t.fd)

	t.fd, t.poll = -1, PollNone
}

func (m *Multi) complete(t *Transfer) {
	m.logs.Debug("transfer complete", zap.String("url", t.URL), zap.Int("status", t.Status))
	m.finish(t, OK, nil)
}

func (m *Multi) fail(t *Transfer, code Code, err error) {
	m.logs.Debug("transfer failed", zap.String("url", t.URL), zap.Stringer("code", code), zap.Error(err))
	m.finish(t, code, err)
}

func (m *Multi) finish(t *Transfer, code Code, err error) {
	t.stopLookup()
	m.closeSocket(t)

	t.phase = phaseDone
	t.code, t.err = code, err
	t.in, t.out, t.held = nil, nil, nil

	m.msgs = append(m.msgs, Message{Transfer: t, Code: code})
}
