//go:build !linux

package client

import (
	"github.com/advdv/h2mux/multi"
	"github.com/cockroachdb/errors"
)

var errNoEpoll = errors.New("client: the reactor requires epoll, which is only available on linux")

type poller struct{}

func newPoller() (*poller, error) { return nil, errNoEpoll }

func (p *poller) arm(int, multi.Poll, bool) error           { return errNoEpoll }
func (p *poller) disarm(int) error                          { return errNoEpoll }
func (p *poller) wait(out []readiness) ([]readiness, error) { return out, errNoEpoll }
func (p *poller) wake() error                               { return errNoEpoll }
func (p *poller) close() error                              { return nil }
