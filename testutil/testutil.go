// Package testutil holds the fake transport and fixtures shared by the
// cluster packages' tests, so each package doesn't hand-roll its own
// ad hoc transport.Channel stub.
package testutil

import (
	"errors"
	"sync"

	"github.com/Icinga/icinga2-sub010/internal/message"
)

// ErrFakeChannelClosed is returned by FakeChannel.Recv once the channel has
// been closed and its queued frames are exhausted.
var ErrFakeChannelClosed = errors.New("testutil: fake channel closed")

// FakeChannel is a transport.Channel double: it never touches a real
// socket, records every sent request, and serves a preloaded queue of
// inbound frames before Recv blocks until Close.
type FakeChannel struct {
	identity string

	mu     sync.Mutex
	frames []message.Request
	sent   []message.Request
	closed chan struct{}
}

// NewFakeChannel returns a channel presenting identity as its PeerIdentity
// (pass "" to simulate an unauthenticated plaintext connection), queued to
// hand back frames, in order, before Recv blocks.
func NewFakeChannel(identity string, frames ...message.Request) *FakeChannel {
	return &FakeChannel{identity: identity, frames: frames, closed: make(chan struct{})}
}

func (c *FakeChannel) Send(r message.Request) error {
	c.mu.Lock()
	c.sent = append(c.sent, r)
	c.mu.Unlock()
	return nil
}

func (c *FakeChannel) Recv() (message.Request, error) {
	c.mu.Lock()
	if len(c.frames) > 0 {
		r := c.frames[0]
		c.frames = c.frames[1:]
		c.mu.Unlock()
		return r, nil
	}
	c.mu.Unlock()
	<-c.closed
	return message.Request{}, ErrFakeChannelClosed
}

func (c *FakeChannel) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

func (c *FakeChannel) PeerIdentity() string { return c.identity }
func (c *FakeChannel) RemoteAddr() string   { return "" }

// Sent returns every request handed to Send so far, in order.
func (c *FakeChannel) Sent() []message.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]message.Request, len(c.sent))
	copy(out, c.sent)
	return out
}
