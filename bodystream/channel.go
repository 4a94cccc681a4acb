// Package bodystream provides a single-slot rendezvous used to stream request and response
// bodies between an I/O producer and one consuming goroutine without buffering the whole body.
//
// The producer is typically an engine callback running on a reactor goroutine. When it offers
// a chunk while nobody is waiting, [Channel.Write] refuses it with [ErrNoReader] and records
// that production is paused; the producer must hold on to the chunk and stop delivering.
// The next call to [Channel.Read] calls the registered [Resumer] exactly once so the producer
// can redeliver.
package bodystream

import (
	"context"
	"io"
	"sync"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNoReader is returned by Write when no consumer is waiting. Production is considered
	// paused until the next Read.
	ErrNoReader = errors.New("bodystream: no reader waiting")

	// ErrAborted is returned by Read and Write once the channel has been aborted.
	ErrAborted = errors.New("bodystream: stream aborted")

	// ErrConcurrentRead is returned when a second consumer tries to wait on the channel.
	ErrConcurrentRead = errors.New("bodystream: concurrent read")
)

// Resumer is implemented by producers that can pause delivery.
type Resumer interface {
	Resume()
}

// ResumerFunc allows a plain function to act as a [Resumer].
type ResumerFunc func()

// Resume implements [Resumer].
func (f ResumerFunc) Resume() { f() }

// Channel is a single-slot body channel. The zero value is ready to use without a Resumer.
type Channel struct {
	mu      sync.Mutex
	resumer Resumer
	chunk   []byte
	full    bool
	eof     bool
	aborted bool
	paused  bool
	waiter  chan struct{}
}

// New returns a channel that reports resumption to r.
func New(r Resumer) *Channel {
	return &Channel{resumer: r}
}

// Write hands chunk to the waiting consumer. The chunk is copied so the caller may reuse its
// buffer once Write returns.
func (c *Channel) Write(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aborted {
		return ErrAborted
	}

	if c.waiter == nil || c.full {
		c.paused = true
		return ErrNoReader
	}

	c.chunk = append([]byte(nil), chunk...)
	c.full = true
	c.wakeLocked()

	return nil
}

// End marks that no more data follows and wakes a waiting consumer.
func (c *Channel) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.eof = true
	c.wakeLocked()
}

// Abort marks the channel aborted. Pending and future reads fail with [ErrAborted] and
// producers observe it on their next Write.
func (c *Channel) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.aborted = true
	c.chunk, c.full = nil, false
	c.wakeLocked()
}

// Aborted reports whether Abort was called.
func (c *Channel) Aborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.aborted
}

// Waiting reports whether a consumer is currently suspended in Read.
func (c *Channel) Waiting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.waiter != nil
}

// Paused reports whether the last Write was refused and no Read has resumed production since.
func (c *Channel) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.paused
}

func (c *Channel) wakeLocked() {
	if c.waiter != nil {
		close(c.waiter)
		c.waiter = nil
	}
}

// Read returns the next chunk. At the end of the data it returns io.EOF. Read may be called
// in a loop but only by one goroutine at a time.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()

	if chunk, done, err := c.takeLocked(); done {
		c.mu.Unlock()
		return chunk, err
	}

	if c.waiter != nil {
		c.mu.Unlock()
		return nil, ErrConcurrentRead
	}

	wake := make(chan struct{})
	c.waiter = wake

	resume := c.paused
	c.paused = false
	c.mu.Unlock()

	if resume && c.resumer != nil {
		c.resumer.Resume()
	}

	select {
	case <-wake:
	case <-ctx.Done():
		c.mu.Lock()
		if c.waiter == wake {
			c.waiter = nil
			c.mu.Unlock()
			return nil, ctx.Err()
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chunk, _, err := c.takeLocked()
	return chunk, err
}

func (c *Channel) takeLocked() ([]byte, bool, error) {
	switch {
	case c.full:
		chunk := c.chunk
		c.chunk, c.full = nil, false
		return chunk, true, nil
	case c.aborted:
		return nil, true, ErrAborted
	case c.eof:
		return nil, true, io.EOF
	}

	return nil, false, nil
}

// Collect reads until the end of the data and returns everything that was read.
func (c *Channel) Collect(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		chunk, err := c.Read(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		} else if err != nil {
			return out, err
		}

		out = append(out, chunk...)
	}
}
