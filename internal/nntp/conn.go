package nntp

import (
	"errors"
	"net"
	"sync"
	"time"
)

var errAborted = errors.New("nntp: i/o aborted")

// deadlineConn carries the per round trip deadline. begin arms it once at
// the start of a command; every read and write until the next begin shares
// it. abort makes any pending or future I/O fail immediately.
type deadlineConn struct {
	net.Conn
	timeout time.Duration

	mu      sync.Mutex
	aborted bool
}

// begin starts a new round trip with a fresh deadline.
func (c *deadlineConn) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return errAborted
	}
	return c.Conn.SetDeadline(time.Now().Add(c.timeout))
}

func (c *deadlineConn) abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = true
	_ = c.Conn.SetDeadline(time.Unix(1, 0))
}
