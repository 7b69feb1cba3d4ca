package client

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/gridfabric/telehub/hub/message"
	"github.com/gridfabric/telehub/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// DefaultQueueSize bounds the subscriber-side message buffer.
const DefaultQueueSize = 1024

// SubscriberClient attaches to the publish channel and hands broadcasts to
// the application through a bounded queue. If the application falls behind,
// messages are dropped here rather than stalling the hub.
type SubscriberClient struct {
	conn    net.Conn
	ch      chan message.Message
	dropped uint64
	log     *log.Entry
}

// DialSubscriber connects to the publish channel.
func DialSubscriber(addr string, queueSize int) (*SubscriberClient, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	conn, err := net.DialTimeout("tcp", addr, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	return &SubscriberClient{
		conn: conn,
		ch:   make(chan message.Message, queueSize),
		log:  log.WithField("component", "subscriber-client"),
	}, nil
}

// Messages is the application-facing stream. Closed when the connection
// ends.
func (s *SubscriberClient) Messages() <-chan message.Message { return s.ch }

// Dropped reports how many broadcasts were discarded for a full queue.
func (s *SubscriberClient) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Run consumes the connection until it fails or the context is cancelled.
func (s *SubscriberClient) Run(ctx context.Context) error {
	defer close(s.ch)
	go func() {
		<-ctx.Done()
		s.conn.SetReadDeadline(time.Now())
	}()
	for {
		m, err := wire.ReadMessage(s.conn)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		select {
		case s.ch <- m:
		default:
			atomic.AddUint64(&s.dropped, 1)
			s.log.Warnf("queue full, dropping %s ref %q", m.ID(), m.Ref())
		}
	}
}

// Close tears the connection down.
func (s *SubscriberClient) Close() error { return s.conn.Close() }
