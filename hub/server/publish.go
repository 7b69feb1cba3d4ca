package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gridfabric/telehub/hub/message"
	"github.com/gridfabric/telehub/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	subscribersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mtu_publish_subscribers",
			Help: "Connections attached to the publish channel",
		},
	)
	droppedSubscribersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtu_publish_dropped_subscribers_total",
			Help: "Subscribers disconnected for blocking the publish channel",
		},
	)
)

// PublishConfig tunes the one-way broadcast endpoint.
type PublishConfig struct {
	Addr string
	// WriteDeadline is how long one subscriber may stall a frame before
	// being dropped.
	WriteDeadline time.Duration
	// BindRetries and BindBackoff cover restarts racing the old process's
	// TIME_WAIT socket.
	BindRetries int
	BindBackoff time.Duration
}

// DefaultPublishConfig returns the shipped tuning.
func DefaultPublishConfig() PublishConfig {
	return PublishConfig{
		Addr:          ":9471",
		WriteDeadline: 5 * time.Second,
		BindRetries:   5,
		BindBackoff:   2 * time.Second,
	}
}

// PublishServer fans hub messages out to every attached subscriber, in
// publication order. The queue between Publish and the dispatcher is
// unbounded so the receive path never blocks on a slow consumer; slow
// consumers are dropped at the socket instead.
type PublishServer struct {
	cfg PublishConfig
	log *log.Entry

	mu      sync.Mutex
	queue   []message.Message
	wake    chan struct{}
	conns   map[net.Conn]bool
	stopped bool
}

// NewPublish builds the publish server.
func NewPublish(cfg PublishConfig) *PublishServer {
	def := DefaultPublishConfig()
	if cfg.WriteDeadline <= 0 {
		cfg.WriteDeadline = def.WriteDeadline
	}
	if cfg.BindRetries <= 0 {
		cfg.BindRetries = def.BindRetries
	}
	if cfg.BindBackoff <= 0 {
		cfg.BindBackoff = def.BindBackoff
	}
	return &PublishServer{
		cfg:   cfg,
		log:   log.WithField("component", "publish-server"),
		wake:  make(chan struct{}, 1),
		conns: make(map[net.Conn]bool),
	}
}

// Publish appends a message to the broadcast queue. Never blocks.
func (s *PublishServer) Publish(m message.Message) {
	if m == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, m)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Serve binds the listener (with retries) and runs the accept loop and the
// dispatcher until the context is cancelled.
func (s *PublishServer) Serve(ctx context.Context) error {
	ln, err := s.bind(ctx)
	if err != nil {
		return err
	}
	s.log.Infof("publish channel listening on %s", ln.Addr())

	dispatchDone := make(chan struct{})
	go func() {
		s.dispatch(ctx)
		close(dispatchDone)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				// Shutdown order: drain the queue, then close sockets.
				<-dispatchDone
				s.shutdown()
				return nil
			}
			s.log.Errorf("accept: %v", err)
			continue
		}
		s.mu.Lock()
		s.conns[conn] = true
		n := len(s.conns)
		s.mu.Unlock()
		subscribersGauge.Set(float64(n))
		s.log.Infof("subscriber %s attached (%d total)", conn.RemoteAddr(), n)
	}
}

func (s *PublishServer) bind(ctx context.Context) (net.Listener, error) {
	var ln net.Listener
	var err error
	for i := 0; i < s.cfg.BindRetries; i++ {
		ln, err = net.Listen("tcp", s.cfg.Addr)
		if err == nil {
			return ln, nil
		}
		s.log.Warnf("bind %s failed (try %d/%d): %v", s.cfg.Addr, i+1, s.cfg.BindRetries, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.BindBackoff):
		}
	}
	return nil, err
}

func (s *PublishServer) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Graceful shutdown delivers what was already queued; each
			// write stays bounded by the deadline.
			s.flush()
			return
		case <-s.wake:
		}
		s.flush()
	}
}

func (s *PublishServer) flush() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		m := s.queue[0]
		s.queue = s.queue[1:]
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		s.broadcast(m, conns)
	}
}

func (s *PublishServer) broadcast(m message.Message, conns []net.Conn) {
	payload, err := message.Encode(m)
	if err != nil {
		s.log.Errorf("encode %s: %v", m.ID(), err)
		return
	}
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteDeadline))
		if err := wire.WriteRaw(conn, payload); err != nil {
			s.drop(conn, err)
		}
	}
}

func (s *PublishServer) drop(conn net.Conn, err error) {
	s.mu.Lock()
	if !s.conns[conn] {
		s.mu.Unlock()
		return
	}
	delete(s.conns, conn)
	n := len(s.conns)
	s.mu.Unlock()
	conn.Close()
	droppedSubscribersTotal.Inc()
	subscribersGauge.Set(float64(n))
	s.log.Warnf("dropping subscriber %s: %v", conn.RemoteAddr(), err)
}

func (s *PublishServer) shutdown() {
	s.mu.Lock()
	s.stopped = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = map[net.Conn]bool{}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	subscribersGauge.Set(0)
}
