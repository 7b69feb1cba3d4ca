// Package client is the subscriber SDK for the hub's two channels: the
// strict request/reply command channel and the one-way publish channel.
package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gridfabric/telehub/hub/message"
	"github.com/gridfabric/telehub/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// ErrNoResponse is returned when the hub does not answer a request within
// the client's timeout. The command may still be executing.
var ErrNoResponse = errors.New("client: no response within timeout")

// ErrClosed is returned for requests against a closed client.
var ErrClosed = errors.New("client: closed")

// DefaultTimeout bounds one round trip on the command channel.
const DefaultTimeout = 10 * time.Second

// CommandClient speaks the request/reply channel. Requests from any number
// of goroutines are multiplexed over one connection; replies are matched
// back by reference number.
type CommandClient struct {
	conn    net.Conn
	timeout time.Duration
	log     *log.Entry

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan message.Message
	prefix  string
	n       uint64
	closed  bool

	done chan struct{}
}

// DialCommand connects, runs the identity handshake and returns a ready
// client. subscriberType becomes the stem of the assigned reference prefix.
func DialCommand(addr, subscriberType string, timeout time.Duration) (*CommandClient, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	c := &CommandClient{
		conn:    conn,
		timeout: timeout,
		log:     log.WithField("component", "command-client"),
		pending: make(map[string]chan message.Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	init := &message.SubscriptionInit{SubscriberType: subscriberType}
	init.RefNr = "init"
	reply, err := c.roundTrip(init)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	ir, ok := reply.(*message.SubscriptionInitReply)
	if !ok || ir.Prefix == "" {
		conn.Close()
		return nil, fmt.Errorf("handshake: hub rejected subscriber type %q", subscriberType)
	}
	c.mu.Lock()
	c.prefix = ir.Prefix
	c.mu.Unlock()
	return c, nil
}

// Prefix returns the reference prefix assigned by the hub.
func (c *CommandClient) Prefix() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefix
}

// NextRef returns the next client-unique reference number.
func (c *CommandClient) NextRef() string {
	c.mu.Lock()
	c.n++
	ref := c.prefix + "_" + strconv.FormatUint(c.n, 10)
	c.mu.Unlock()
	return ref
}

// Request sends one message and waits for the hub's synchronous reply. A
// missing reference number is filled in from the client's sequence.
func (c *CommandClient) Request(m message.Message) (message.Message, error) {
	if m.Ref() == "" {
		m.Hdr().RefNr = c.NextRef()
	}
	return c.roundTrip(m)
}

func (c *CommandClient) roundTrip(m message.Message) (message.Message, error) {
	ref := m.Ref()
	ch := make(chan message.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	err := wire.WriteMessage(c.conn, m)
	c.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-time.After(c.timeout):
		return nil, ErrNoResponse
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *CommandClient) readLoop() {
	for {
		m, err := wire.ReadMessage(c.conn)
		if err != nil {
			c.teardown()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[m.Ref()]
		c.mu.Unlock()
		if !ok {
			c.log.Warnf("unmatched reply %s ref %q", m.ID(), m.Ref())
			continue
		}
		ch <- m
	}
}

func (c *CommandClient) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	c.conn.Close()
}

// Close tears the connection down; in-flight requests fail with ErrClosed.
func (c *CommandClient) Close() error {
	c.teardown()
	return nil
}
