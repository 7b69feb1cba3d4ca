package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gridfabric/telehub/hub/message"
	log "github.com/sirupsen/logrus"
)

// UpdateFunc receives the broadcast updates for one outstanding command.
// Returning true unregisters the callback.
type UpdateFunc func(m message.Message) (done bool)

// CombiClient pairs a command client with a subscriber client so callers can
// issue a command and follow its asynchronous outcome. Broadcasts carrying a
// reference issued by this client are routed to the command's callback;
// everything else flows out on Broadcasts.
type CombiClient struct {
	Cmd *CommandClient
	Sub *SubscriberClient

	mu        sync.Mutex
	callbacks map[string]UpdateFunc

	broadcasts chan message.Message
	log        *log.Entry
}

// Dial connects both channels and performs the handshake.
func Dial(commandAddr, publishAddr, subscriberType string, timeout time.Duration) (*CombiClient, error) {
	cmd, err := DialCommand(commandAddr, subscriberType, timeout)
	if err != nil {
		return nil, err
	}
	sub, err := DialSubscriber(publishAddr, DefaultQueueSize)
	if err != nil {
		cmd.Close()
		return nil, err
	}
	return &CombiClient{
		Cmd:        cmd,
		Sub:        sub,
		callbacks:  make(map[string]UpdateFunc),
		broadcasts: make(chan message.Message, DefaultQueueSize),
		log:        log.WithField("component", "combi-client"),
	}, nil
}

// Broadcasts streams every published message not claimed by a command
// callback.
func (c *CombiClient) Broadcasts() <-chan message.Message { return c.broadcasts }

// Do issues a command and registers onUpdate for its broadcast updates. The
// synchronous reply is returned directly; a terminal synchronous reply (FAIL,
// UnknownMessage) never registers the callback.
func (c *CombiClient) Do(m message.Message, onUpdate UpdateFunc) (message.Message, error) {
	if m.Ref() == "" {
		m.Hdr().RefNr = c.Cmd.NextRef()
	}
	if onUpdate != nil {
		c.mu.Lock()
		c.callbacks[m.Ref()] = onUpdate
		c.mu.Unlock()
	}
	reply, err := c.Cmd.Request(m)
	if err != nil || replyTerminal(reply) {
		c.mu.Lock()
		delete(c.callbacks, m.Ref())
		c.mu.Unlock()
	}
	return reply, err
}

func replyTerminal(reply message.Message) bool {
	switch r := reply.(type) {
	case *message.Confirmation:
		return r.Status.Terminal()
	case *message.UnknownMessage:
		return true
	}
	return false
}

// Run pumps the subscriber stream, dispatching to callbacks, until the
// context is cancelled or the publish connection ends.
func (c *CombiClient) Run(ctx context.Context) error {
	go func() {
		if err := c.Sub.Run(ctx); err != nil && ctx.Err() == nil {
			c.log.Errorf("publish channel: %v", err)
		}
	}()
	defer close(c.broadcasts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-c.Sub.Messages():
			if !ok {
				return nil
			}
			c.route(m)
		}
	}
}

func (c *CombiClient) route(m message.Message) {
	// Disconnect cancellations may terminate several outstanding commands
	// at once.
	if dc, ok := m.(*message.DisconnectCancel); ok {
		c.cancelRefs(dc)
	}

	ref := m.Ref()
	if strings.HasPrefix(ref, c.Cmd.Prefix()+"_") || ref == c.Cmd.Prefix() {
		c.mu.Lock()
		cb, ok := c.callbacks[ref]
		c.mu.Unlock()
		if ok {
			if cb(m) || messageTerminal(m) {
				c.mu.Lock()
				delete(c.callbacks, ref)
				c.mu.Unlock()
			}
			return
		}
	}
	select {
	case c.broadcasts <- m:
	default:
		c.log.Warnf("broadcast queue full, dropping %s ref %q", m.ID(), ref)
	}
}

func (c *CombiClient) cancelRefs(dc *message.DisconnectCancel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ref := range dc.CancelledRefs {
		if cb, ok := c.callbacks[ref]; ok {
			delete(c.callbacks, ref)
			go cb(dc)
		}
	}
}

func messageTerminal(m message.Message) bool {
	if conf, ok := m.(*message.Confirmation); ok {
		return conf.Status.Terminal()
	}
	return false
}

// Outstanding reports how many commands still await a terminal update.
func (c *CombiClient) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callbacks)
}

// Close tears both channels down.
func (c *CombiClient) Close() error {
	c.Cmd.Close()
	return c.Sub.Close()
}
