package server

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	json "github.com/clarketm/json"
	"github.com/gridfabric/telehub/hub/cache"
	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/manager"
	"github.com/gridfabric/telehub/hub/message"
	"github.com/gridfabric/telehub/pkg/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtu_commands_total",
			Help: "Subscriber requests handled, by message id and outcome",
		},
		[]string{"id", "outcome"},
	)
	commandDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mtu_command_handling_seconds",
			Help:    "Time from dequeue to reply written",
			Buckets: prometheus.DefBuckets,
		},
	)
	queuedCommands = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mtu_queued_commands",
			Help: "Commands waiting behind an in-flight point",
		},
	)
)

// CommandConfig tunes the command/reply endpoint.
type CommandConfig struct {
	Addr string
	// Workers sizes the request worker pool.
	Workers int
	// ReplyBudget bounds how long a reply write may block.
	ReplyBudget time.Duration
}

// DefaultCommandConfig returns the shipped tuning.
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{
		Addr:        ":9470",
		Workers:     6,
		ReplyBudget: 10 * time.Second,
	}
}

// CommandServer terminates the strict request/reply channel. Every connection
// must identify itself with a SubscriptionInitMsg before anything else is
// accepted.
type CommandServer struct {
	mgr   *manager.Manager
	pub   manager.Publisher
	ident *Identity
	queue *collisionQueue
	cfg   CommandConfig
	log   *log.Entry
	work  chan task
	wg    sync.WaitGroup
}

type task struct {
	sess *session
	msg  message.Message
}

// session is one identified subscriber connection. The mutex serializes
// frame writes from the worker pool.
type session struct {
	conn   net.Conn
	mu     sync.Mutex
	prefix string
}

func (s *session) reply(budget time.Duration, m message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if budget > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(budget)); err != nil {
			return err
		}
	}
	return wire.WriteMessage(s.conn, m)
}

// NewCommand builds the command server and hooks it into the manager's drain
// and disconnect callbacks.
func NewCommand(mgr *manager.Manager, pub manager.Publisher, cfg CommandConfig) *CommandServer {
	def := DefaultCommandConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ReplyBudget <= 0 {
		cfg.ReplyBudget = def.ReplyBudget
	}
	s := &CommandServer{
		mgr:   mgr,
		pub:   pub,
		ident: NewIdentity(),
		queue: newCollisionQueue(),
		cfg:   cfg,
		log:   log.WithField("component", "command-server"),
		work:  make(chan task, cfg.Workers*4),
	}
	mgr.SetDrainFunc(s.Drain)
	mgr.SetDropQueuedFunc(s.dropQueuedForRTU)
	return s
}

// Serve accepts subscriber connections until the context is cancelled.
func (s *CommandServer) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.log.Infof("command channel listening on %s", ln.Addr())

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.log.Errorf("accept: %v", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *CommandServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	sess := &session{conn: conn}

	for {
		raw, err := wire.ReadRaw(conn)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.log.Debugf("subscriber %s gone: %v", conn.RemoteAddr(), err)
			}
			return
		}
		msg, err := message.Decode(raw)
		if err != nil {
			s.replyUnknown(sess, raw)
			continue
		}

		if init, ok := msg.(*message.SubscriptionInit); ok {
			s.handleInit(sess, init)
			continue
		}
		if sess.prefix == "" {
			// Not identified yet; nothing but the handshake is served.
			s.replyUnknown(sess, raw)
			continue
		}
		select {
		case s.work <- task{sess: sess, msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

// handleInit runs the identity handshake. Repeating it on an identified
// connection returns the prefix already assigned.
func (s *CommandServer) handleInit(sess *session, init *message.SubscriptionInit) {
	reply := &message.SubscriptionInitReply{}
	reply.RefNr = init.Ref()
	if sess.prefix == "" {
		prefix, err := s.ident.Register(init.SubscriberType)
		if err != nil {
			s.log.Warnf("handshake from %s rejected: %v", sess.conn.RemoteAddr(), err)
			sess.reply(s.cfg.ReplyBudget, &message.UnknownMessage{Header: message.Header{RefNr: init.Ref()}})
			return
		}
		sess.prefix = prefix
		s.log.Infof("subscriber %s identified as %s", sess.conn.RemoteAddr(), prefix)
	}
	reply.Prefix = sess.prefix
	if err := sess.reply(s.cfg.ReplyBudget, reply); err != nil {
		s.log.Warnf("handshake reply to %s: %v", sess.prefix, err)
	}
}

func (s *CommandServer) replyUnknown(sess *session, raw []byte) {
	var probe struct {
		Ref string `json:"reference_nr"`
	}
	json.Unmarshal(raw, &probe)
	m := &message.UnknownMessage{}
	m.RefNr = probe.Ref
	commandsTotal.WithLabelValues(message.IDUnknownMessage.String(), "unknown").Inc()
	if err := sess.reply(s.cfg.ReplyBudget, m); err != nil {
		s.log.Warnf("unknown-message reply: %v", err)
	}
}

// worker drains the task queue until shutdown. The queue channel is never
// closed: connection readers may still be selecting a send on it when the
// context ends, so workers leave via ctx instead.
func (s *CommandServer) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.work:
			start := time.Now()
			reply := s.handle(t.msg)
			if reply != nil {
				if err := t.sess.reply(s.cfg.ReplyBudget, reply); err != nil {
					s.log.Warnf("reply to %s: %v", t.sess.prefix, err)
					t.sess.conn.Close()
				}
			}
			commandDuration.Observe(time.Since(start).Seconds())
		}
	}
}

func (s *CommandServer) handle(msg message.Message) message.Message {
	var reply message.Message
	switch m := msg.(type) {
	case *message.ProcessInfoControl:
		reply = s.handleControl(m)
	case *message.ReadDatapoint:
		reply = s.handleRead(m)
	case *message.SysInfoControl:
		reply = s.handleSysInfo(m)
	case *message.ParameterLoad:
		reply = s.handleParamLoad(m)
	case *message.ParameterActivate:
		reply = s.handleParamActivate(m)
	case *message.TotalInterroReq:
		reply = s.mgr.TotalInterroSnapshot(m.Ref())
	case *message.RTUStatusReq:
		reply = s.mgr.RTUStatusSnapshot(m.Ref())
	case *message.MtuCacheReq:
		reply = s.mgr.CacheSnapshot(m.Ref())
	default:
		u := &message.UnknownMessage{}
		u.RefNr = msg.Ref()
		reply = u
	}
	commandsTotal.WithLabelValues(msg.ID().String(), outcomeOf(reply)).Inc()
	return reply
}

func outcomeOf(reply message.Message) string {
	if c, ok := reply.(*message.Confirmation); ok {
		return string(c.Status)
	}
	return "reply"
}

func confirm(ref string, orig message.ID, st message.Status, reason message.FailReason) *message.Confirmation {
	c := &message.Confirmation{Status: st, Reason: reason, OrigID: orig}
	c.RefNr = ref
	return c
}

// handleControl validates, collision-checks and dispatches a process command.
// Each information object is checked and sent independently; the reply
// carries the addresses that actually went out.
func (s *CommandServer) handleControl(m *message.ProcessInfoControl) message.Message {
	if !m.Type.Supported() || !m.Type.Control() {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailTypeUnsupported)
	}
	if len(m.ValMap) == 0 {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailIOA)
	}
	if !s.mgr.Connected(m.COA) {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
	}

	ioas := make([]iec104.InfoObjAddr, 0, len(m.ValMap))
	for ioa := range m.ValMap {
		ioas = append(ioas, ioa)
	}
	sort.Slice(ioas, func(a, b int) bool { return ioas[a] < ioas[b] })

	var sent []iec104.InfoObjAddr
	queuedBehind := ""
	for _, ioa := range ioas {
		pid := iec104.PointID{COA: m.COA, IOA: ioa}
		err := s.mgr.Cache().Points().InsertActive(pid, s.controlEntry(m, ioa))
		if err != nil {
			var coll *cache.CollisionError
			if !errors.As(err, &coll) {
				return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailRTUSide)
			}
			if !m.QueueOnCollision {
				c := confirm(m.Ref(), m.ID(), message.StatusFail, message.FailCollision)
				c.CollisionRef = coll.Ref
				c.SentIOAs = sent
				return c
			}
			s.queue.push(pid, pendingCmd{msg: m, ioa: ioa, value: m.ValMap[ioa]})
			queuedCommands.Inc()
			if queuedBehind == "" {
				queuedBehind = coll.Ref
			}
			continue
		}
		if err := s.sendWithRetry(m, ioa, m.ValMap[ioa]); err != nil {
			s.mgr.Cache().Points().PopActive(pid)
			c := confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
			c.SentIOAs = sent
			return c
		}
		sent = append(sent, ioa)
	}

	st := message.StatusWaitingForSend
	if queuedBehind != "" {
		st = message.StatusQueued
	}
	c := confirm(m.Ref(), m.ID(), st, "")
	c.CollisionRef = queuedBehind
	c.SentIOAs = sent
	return c
}

func (s *CommandServer) controlEntry(m *message.ProcessInfoControl, ioa iec104.InfoObjAddr) *cache.Entry {
	return &cache.Entry{
		Msg:   m,
		RefNr: m.Ref(),
		State: cache.WaitingForSend,
		COA:   m.COA,
		Type:  m.Type,
		IOAs:  []iec104.InfoObjAddr{ioa},
	}
}

// sendWithRetry drives the codec, retrying transient failures up to the
// message's max_tries.
func (s *CommandServer) sendWithRetry(m *message.ProcessInfoControl, ioa iec104.InfoObjAddr, value interface{}) error {
	tries := m.MaxTries
	if tries <= 0 {
		tries = 1
	}
	cot := iec104.COT{Cause: iec104.CauseActivation}
	var err error
	for i := 0; i < tries; i++ {
		if err = s.mgr.Client().Send(m.COA, ioa, value, m.Type, cot); err == nil {
			return nil
		}
		s.log.Warnf("send %s to %d/%d failed (try %d/%d): %v", m.Type, m.COA, ioa, i+1, tries, err)
	}
	return err
}

func (s *CommandServer) handleRead(m *message.ReadDatapoint) message.Message {
	if !s.mgr.Connected(m.COA) {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
	}
	pid := iec104.PointID{COA: m.COA, IOA: m.IOA}
	e := &cache.Entry{
		Msg:   m,
		RefNr: m.Ref(),
		State: cache.WaitingForSend,
		COA:   m.COA,
		Type:  iec104.CRdNa1,
		IOAs:  []iec104.InfoObjAddr{m.IOA},
	}
	if err := s.mgr.Cache().Points().InsertActive(pid, e); err != nil {
		var coll *cache.CollisionError
		if errors.As(err, &coll) {
			c := confirm(m.Ref(), m.ID(), message.StatusFail, message.FailCollision)
			c.CollisionRef = coll.Ref
			return c
		}
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailRTUSide)
	}
	if err := s.mgr.Client().Send(m.COA, m.IOA, nil, iec104.CRdNa1, iec104.COT{Cause: iec104.CauseRequest}); err != nil {
		s.mgr.Cache().Points().PopActive(pid)
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
	}
	return confirm(m.Ref(), m.ID(), message.StatusWaitingForSend, "")
}

// handleSysInfo serves station commands. Subscribers may only trigger general
// interrogation and clock synchronization; the remaining system commands are
// reserved for the hub operator.
func (s *CommandServer) handleSysInfo(m *message.SysInfoControl) message.Message {
	if m.Type != iec104.CIcNa1 && m.Type != iec104.CCsNa1 {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailTypeUnsupported)
	}
	if !s.mgr.Connected(m.COA) {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
	}
	e := &cache.Entry{
		Msg:   m,
		RefNr: m.Ref(),
		State: cache.WaitingForSend,
		COA:   m.COA,
		Type:  m.Type,
	}
	if err := s.mgr.Cache().Globals().Insert(m.COA, m.Type, e); err != nil {
		var coll *cache.CollisionError
		if errors.As(err, &coll) {
			c := confirm(m.Ref(), m.ID(), message.StatusFail, message.FailCollision)
			c.CollisionRef = coll.Ref
			return c
		}
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailRTUSide)
	}
	if err := s.mgr.Client().SendSysInfo(m.Type, m.COA); err != nil {
		s.mgr.Cache().Globals().NegAck(m.COA, m.Type)
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
	}
	return confirm(m.Ref(), m.ID(), message.StatusWaitingForSend, "")
}

func (s *CommandServer) handleParamLoad(m *message.ParameterLoad) message.Message {
	if !m.Type.Parameter() {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailTypeUnsupported)
	}
	if !s.mgr.Connected(m.COA) {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
	}
	pid := iec104.PointID{COA: m.COA, IOA: m.IOA}
	e := &cache.Entry{
		Msg:   m,
		RefNr: m.Ref(),
		State: cache.WaitingForSend,
		COA:   m.COA,
		Type:  m.Type,
		IOAs:  []iec104.InfoObjAddr{m.IOA},
	}
	if err := s.mgr.Cache().Params().InsertActive(pid, e); err != nil {
		var coll *cache.CollisionError
		if errors.As(err, &coll) {
			c := confirm(m.Ref(), m.ID(), message.StatusFail, message.FailCollision)
			c.CollisionRef = coll.Ref
			return c
		}
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailRTUSide)
	}
	if err := s.mgr.Client().Send(m.COA, m.IOA, m.Value, m.Type, iec104.COT{Cause: iec104.CauseActivation}); err != nil {
		s.mgr.Cache().Params().PopActive(pid)
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
	}
	return confirm(m.Ref(), m.ID(), message.StatusWaitingForSend, "")
}

func (s *CommandServer) handleParamActivate(m *message.ParameterActivate) message.Message {
	if !s.mgr.Connected(m.COA) {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
	}
	// Only points the RTU has reported can carry a parameter activation.
	if !s.mgr.KnownPoint(m.COA, m.IOA) {
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailIOA)
	}
	cause := m.Cause
	if cause == 0 {
		cause = iec104.CauseActivation
	}
	pid := iec104.PointID{COA: m.COA, IOA: m.IOA}
	e := &cache.Entry{
		Msg:   m,
		RefNr: m.Ref(),
		State: cache.WaitingForSend,
		COA:   m.COA,
		Type:  iec104.PAcNa1,
		IOAs:  []iec104.InfoObjAddr{m.IOA},
	}
	if err := s.mgr.Cache().Params().InsertActive(pid, e); err != nil {
		var coll *cache.CollisionError
		if errors.As(err, &coll) {
			c := confirm(m.Ref(), m.ID(), message.StatusFail, message.FailCollision)
			c.CollisionRef = coll.Ref
			return c
		}
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailRTUSide)
	}
	if err := s.mgr.Client().SendParameterActivate(m.COA, m.IOA, iec104.COT{Cause: cause}); err != nil {
		s.mgr.Cache().Params().PopActive(pid)
		return confirm(m.Ref(), m.ID(), message.StatusFail, message.FailNetwork)
	}
	return confirm(m.Ref(), m.ID(), message.StatusWaitingForSend, "")
}

// Drain dispatches the next queued command for a freed point. Outcomes of
// drained commands are broadcast, since the synchronous reply window closed
// with the QUEUED confirmation.
func (s *CommandServer) Drain(pid iec104.PointID) {
	for {
		cmd, ok := s.queue.pop(pid)
		if !ok {
			return
		}
		queuedCommands.Dec()
		err := s.mgr.Cache().Points().InsertActive(pid, s.controlEntry(cmd.msg, cmd.ioa))
		if err != nil {
			// Another subscriber raced us onto the point; this command waits
			// for the next release.
			s.queue.push(pid, cmd)
			queuedCommands.Inc()
			return
		}
		if err := s.sendWithRetry(cmd.msg, cmd.ioa, cmd.value); err != nil {
			s.mgr.Cache().Points().PopActive(pid)
			s.pub.Publish(confirm(cmd.msg.Ref(), cmd.msg.ID(), message.StatusFail, message.FailNetwork))
			continue
		}
		return
	}
}

// dropQueuedForRTU abandons queued commands for a disconnected station and
// returns their references for the cancellation broadcast.
func (s *CommandServer) dropQueuedForRTU(coa iec104.CommonAddr) []string {
	refs := s.queue.dropRTU(coa)
	queuedCommands.Sub(float64(len(refs)))
	return refs
}
