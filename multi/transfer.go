package multi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrPause may be returned from a [Transfer] Sink. The chunk is kept and delivered again after the
// transfer is unpaused, nothing more is received until then.
var ErrPause = errors.New("multi: pause")

type phase int

const (
	phaseQueued phase = iota
	phaseResolving
	phaseConnecting
	phaseSending
	phaseRecvHead
	phaseRecvBody
	phaseDone
)

// Transfer is one HTTP/1.1 request and its response. The request fields must not be changed after
// the transfer was added to a [Multi]; the response fields are valid once the transfer completed.
type Transfer struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Timeout bounds the whole transfer, ConnectTimeout only establishing the connection. Zero
	// means no limit.
	Timeout        time.Duration
	ConnectTimeout time.Duration

	// Sink receives the response body in order. p is only valid during the call. Returning
	// [ErrPause] pauses the transfer, any other error fails it with [WriteError].
	Sink func(p []byte) error

	// OnResponse is called once the final response head was parsed, before the first Sink call.
	OnResponse func(status int, header http.Header)

	Status         int
	ResponseHeader http.Header

	phase    phase
	fd       int
	poll     Poll
	addrs    []net.IP
	port     int
	out      []byte
	in       []byte
	body     bodyDecoder
	held     []byte
	paused   bool
	received bool

	lookup       chan lookupResult
	cancelLookup context.CancelFunc

	deadline     time.Time
	connDeadline time.Time

	code Code
	err  error
}

// Err describes why the transfer failed. It is nil for [OK].
func (t *Transfer) Err() error { return t.err }

// Code returns the result of a completed transfer.
func (t *Transfer) Code() Code { return t.code }

type lookupResult struct {
	ips []net.IP
	err error
}

// connectBy is the earliest deadline that applies until the connection is established.
func (t *Transfer) connectBy() time.Time {
	switch {
	case t.connDeadline.IsZero():
		return t.deadline
	case t.deadline.IsZero() || t.connDeadline.Before(t.deadline):
		return t.connDeadline
	default:
		return t.deadline
	}
}

// stopLookup cancels a name lookup that may still be running.
func (t *Transfer) stopLookup() {
	if t.cancelLookup != nil {
		t.cancelLookup()
	}

	t.lookup, t.cancelLookup = nil, nil
}

func (t *Transfer) reset() {
	t.phase = phaseQueued
	t.fd = -1
	t.poll = PollNone
	t.addrs, t.port = nil, 0
	t.out, t.in, t.held = nil, nil, nil
	t.body = nil
	t.paused, t.received = false, false
	t.lookup, t.cancelLookup = nil, nil
	t.deadline, t.connDeadline = time.Time{}, time.Time{}
	t.code, t.err = OK, nil
	t.Status, t.ResponseHeader = 0, nil
}
