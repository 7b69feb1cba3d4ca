// Package manager wires the IEC-104 codec callbacks to the translator, the
// correlation cache and the broadcast fabric. It owns the periodic
// aggregation window and the hub's last-seen and link-state bookkeeping.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gridfabric/telehub/hub/cache"
	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/gridfabric/telehub/hub/message"
	"github.com/gridfabric/telehub/hub/translator"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtu_published_messages_total",
			Help: "Messages handed to the publish channel, by message id",
		},
		[]string{"id"},
	)
	connectedRTUs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mtu_connected_rtus",
			Help: "RTU links currently up",
		},
	)
	cancelledRefsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mtu_cancelled_references_total",
			Help: "In-flight commands abandoned because their RTU disconnected",
		},
	)
)

// Publisher is the broadcast fabric as the manager sees it.
type Publisher interface {
	Publish(m message.Message)
}

// Config tunes the manager.
type Config struct {
	// PeriodicWindow bounds the cyclic-measurement batching delay.
	PeriodicWindow time.Duration
	// LastSeenTTL bounds how long a point value serves snapshot requests.
	LastSeenTTL time.Duration
}

// DefaultConfig returns the shipped tuning.
func DefaultConfig() Config {
	return Config{
		PeriodicWindow: 20 * time.Millisecond,
		LastSeenTTL:    24 * time.Hour,
	}
}

// Manager is the central dispatcher.
type Manager struct {
	client iec104.Client
	tr     *translator.Translator
	cache  *cache.Cache
	pub    Publisher
	refs   *Refs
	cfg    Config
	log    *log.Entry

	periodicCh chan iec104.DataPoint

	mu         sync.Mutex
	status     map[iec104.CommonAddr]message.RTUStatus
	drain      func(pid iec104.PointID)
	dropQueued func(coa iec104.CommonAddr) []string

	lastSeen *gocache.Cache
}

// New builds a manager. The publish fabric must outlive it.
func New(client iec104.Client, tr *translator.Translator, c *cache.Cache, pub Publisher, refs *Refs, cfg Config) *Manager {
	if cfg.PeriodicWindow <= 0 {
		cfg.PeriodicWindow = DefaultConfig().PeriodicWindow
	}
	if cfg.LastSeenTTL <= 0 {
		cfg.LastSeenTTL = DefaultConfig().LastSeenTTL
	}
	return &Manager{
		client:     client,
		tr:         tr,
		cache:      c,
		pub:        pub,
		refs:       refs,
		cfg:        cfg,
		log:        log.WithField("component", "manager"),
		periodicCh: make(chan iec104.DataPoint, 1024),
		status:     make(map[iec104.CommonAddr]message.RTUStatus),
		lastSeen:   gocache.New(cfg.LastSeenTTL, 10*time.Minute),
	}
}

// Refs exposes the hub reference source.
func (m *Manager) Refs() *Refs { return m.refs }

// Client exposes the codec for the command server.
func (m *Manager) Client() iec104.Client { return m.client }

// Cache exposes the correlation store for the command server.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// SetDrainFunc registers the command server's queue drainer. Called once
// during wiring, before any callback can fire.
func (m *Manager) SetDrainFunc(f func(pid iec104.PointID)) { m.drain = f }

// SetDropQueuedFunc registers the command server's disconnect cleanup: it
// returns the references of queued commands abandoned for a station.
func (m *Manager) SetDropQueuedFunc(f func(coa iec104.CommonAddr) []string) { m.dropQueued = f }

// Callbacks returns the codec-facing callback set.
func (m *Manager) Callbacks() iec104.Callbacks {
	return iec104.Callbacks{
		OnReceiveAPDU:      m.handleReceive,
		OnReceiveDataPoint: m.handleDataPoint,
		OnSendAPDU:         m.handleSend,
		OnConnectionChange: m.handleConnChange,
	}
}

// Run drives the periodic aggregator until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.aggregatorLoop(ctx)
	return ctx.Err()
}

func (m *Manager) publish(msg message.Message) {
	if msg == nil {
		return
	}
	publishedTotal.WithLabelValues(msg.ID().String()).Inc()
	m.pub.Publish(msg)
}

func (m *Manager) handleSend(apdu iec104.APDU, rtu iec104.CommonAddr) {
	msg, err := m.tr.Outbound(apdu, rtu)
	if err != nil {
		m.log.Errorf("outbound %s to %d: %v", apdu.Type, rtu, err)
		return
	}
	m.publish(msg)
}

func (m *Manager) handleReceive(apdu iec104.APDU, rtu iec104.CommonAddr) {
	res, err := m.tr.Inbound(apdu, rtu)
	if err != nil {
		m.log.Errorf("inbound %s from %d: %v", apdu.Type, rtu, err)
		return
	}
	for _, msg := range res.Publish {
		m.publish(msg)
	}
	for _, pid := range res.Released {
		m.release(pid)
	}
}

func (m *Manager) handleDataPoint(p iec104.DataPoint, prev *iec104.DataPoint, hdr iec104.ASDUHeader) {
	pr, err := m.tr.InboundDataPoint(p, hdr)
	if err != nil {
		m.log.Errorf("data point %d/%d: %v", p.COA, p.IOA, err)
		return
	}
	if pr.Periodic {
		select {
		case m.periodicCh <- p:
		default:
			m.log.Warn("periodic aggregation queue full, publishing directly")
			m.flushPeriodic([]iec104.DataPoint{p})
		}
		m.recordLastSeen(p)
		return
	}
	if pr.Publish != nil {
		m.recordLastSeen(p)
		m.publish(pr.Publish)
	}
	if pr.Released != nil {
		m.release(*pr.Released)
	}
}

func (m *Manager) release(pid iec104.PointID) {
	if m.drain != nil {
		m.drain(pid)
	}
}

func (m *Manager) handleConnChange(coa iec104.CommonAddr, connected bool, ip string, port int) {
	m.mu.Lock()
	m.status[coa] = message.RTUStatus{
		Connected: connected,
		IP:        ip,
		Port:      port,
		SinceMs:   time.Now().UnixMilli(),
	}
	m.mu.Unlock()

	if connected {
		connectedRTUs.Inc()
	} else {
		connectedRTUs.Dec()
	}

	sc := &message.ConnectionStatusChange{COA: coa, Connected: connected, IP: ip, Port: port}
	sc.RefNr = m.refs.Next()
	m.publish(sc)

	if connected {
		return
	}
	cancelled := m.cache.CleanForRTU(coa)
	if m.dropQueued != nil {
		cancelled = append(cancelled, m.dropQueued(coa)...)
	}
	cancelledRefsTotal.Add(float64(len(cancelled)))
	dc := &message.DisconnectCancel{COA: coa, CancelledRefs: cancelled}
	dc.RefNr = m.refs.Next()
	m.publish(dc)
	m.log.Infof("RTU %d down, cancelled %d in-flight commands", coa, len(cancelled))
}

// aggregatorLoop batches cyclic measurements: the first arrival opens a
// window, everything inside it is grouped by (COA, type) and flushed as one
// PeriodicUpdate per group. Non-periodic traffic never waits here.
func (m *Manager) aggregatorLoop(ctx context.Context) {
	timer := time.NewTimer(m.cfg.PeriodicWindow)
	if !timer.Stop() {
		<-timer.C
	}
	var buf []iec104.DataPoint
	for {
		select {
		case <-ctx.Done():
			m.flushPeriodic(buf)
			return
		case p := <-m.periodicCh:
			if len(buf) == 0 {
				timer.Reset(m.cfg.PeriodicWindow)
			}
			buf = append(buf, p)
		case <-timer.C:
			m.flushPeriodic(buf)
			buf = nil
		}
	}
}

type periodicKey struct {
	COA  iec104.CommonAddr
	Type iec104.TypeID
}

func (m *Manager) flushPeriodic(buf []iec104.DataPoint) {
	if len(buf) == 0 {
		return
	}
	groups := make(map[periodicKey]*message.PeriodicUpdate)
	var order []periodicKey
	for _, p := range buf {
		key := periodicKey{p.COA, p.Type}
		g, ok := groups[key]
		if !ok {
			g = &message.PeriodicUpdate{COA: p.COA, Type: p.Type, ValMap: message.ValMap{}}
			groups[key] = g
			order = append(order, key)
		}
		g.ValMap[p.IOA] = p.Value
		if !p.Ts.IsZero() {
			if g.TsMap == nil {
				g.TsMap = message.TsMap{}
			}
			g.TsMap[p.IOA] = p.Ts.UnixMilli()
		}
	}
	for _, key := range order {
		g := groups[key]
		g.RefNr = m.refs.Next()
		m.publish(g)
	}
}

func lastSeenKey(coa iec104.CommonAddr, ioa iec104.InfoObjAddr) string {
	return fmt.Sprintf("%d/%d", coa, ioa)
}

func (m *Manager) recordLastSeen(p iec104.DataPoint) {
	m.lastSeen.SetDefault(lastSeenKey(p.COA, p.IOA), p.Value)
}

// KnownPoint reports whether the station has ever reported a value for the
// point. Parameter activations are refused for addresses the hub never saw.
func (m *Manager) KnownPoint(coa iec104.CommonAddr, ioa iec104.InfoObjAddr) bool {
	_, ok := m.lastSeen.Get(lastSeenKey(coa, ioa))
	return ok
}

// Connected reports link state, used by the command server's executability
// check.
func (m *Manager) Connected(coa iec104.CommonAddr) bool {
	if coa == iec104.GlobalCOA {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, st := range m.status {
			if st.Connected {
				return true
			}
		}
		return false
	}
	return m.client.Connected(coa)
}

// TotalInterroSnapshot answers a TotalInterroReq from the last-seen store.
func (m *Manager) TotalInterroSnapshot(ref string) *message.TotalInterroReply {
	reply := &message.TotalInterroReply{Values: map[iec104.CommonAddr]message.ValMap{}}
	reply.RefNr = ref
	for key, item := range m.lastSeen.Items() {
		coa, ioa, ok := parseLastSeenKey(key)
		if !ok {
			continue
		}
		vm, ok := reply.Values[coa]
		if !ok {
			vm = message.ValMap{}
			reply.Values[coa] = vm
		}
		vm[ioa] = item.Object
	}
	return reply
}

func parseLastSeenKey(key string) (iec104.CommonAddr, iec104.InfoObjAddr, bool) {
	i := strings.IndexByte(key, '/')
	if i < 0 {
		return 0, 0, false
	}
	coa, err1 := strconv.ParseUint(key[:i], 10, 16)
	ioa, err2 := strconv.ParseUint(key[i+1:], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return iec104.CommonAddr(coa), iec104.InfoObjAddr(ioa), true
}

// RTUStatusSnapshot answers an RTUStatusReq.
func (m *Manager) RTUStatusSnapshot(ref string) *message.RTUStatusReply {
	m.mu.Lock()
	defer m.mu.Unlock()
	reply := &message.RTUStatusReply{Statuses: make(map[iec104.CommonAddr]message.RTUStatus, len(m.status))}
	reply.RefNr = ref
	for coa, st := range m.status {
		reply.Statuses[coa] = st
	}
	return reply
}

// CacheSnapshot answers an MtuCacheReq.
func (m *Manager) CacheSnapshot(ref string) *message.MtuCacheReply {
	reply := &message.MtuCacheReply{ActiveRefs: m.cache.ActiveRefs()}
	reply.RefNr = ref
	return reply
}
