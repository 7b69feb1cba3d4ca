// Package iecp5 implements the hub's codec contract on top of the go-iecp5
// CS 104 master. One library client is run per RTU; the adapter multiplexes
// them behind the single iec104.Client surface and converts between library
// ASDUs and the hub's boundary types.
package iecp5

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gridfabric/telehub/hub/iec104"
	"github.com/marrasen/go-iecp5/asdu"
	"github.com/marrasen/go-iecp5/clog"
	"github.com/marrasen/go-iecp5/cs104"
	log "github.com/sirupsen/logrus"
)

// ErrUnknownStation is returned for sends to an unregistered common address.
var ErrUnknownStation = errors.New("iecp5: unknown station")

// ErrNotConnected is returned for sends while the station link is down.
var ErrNotConnected = errors.New("iecp5: station not connected")

// qoiStation asks for a station (global) interrogation.
const qoiStation = 20

const reconnectBackoff = 5 * time.Second

// Adapter drives one go-iecp5 client per registered RTU.
type Adapter struct {
	cbs iec104.Callbacks
	log *log.Entry

	mu       sync.Mutex
	stations map[iec104.CommonAddr]*station
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
}

type station struct {
	coa  iec104.CommonAddr
	ip   string
	port int
	cli  *cs104.Client

	mu     sync.Mutex
	active bool
	shadow map[iec104.InfoObjAddr]iec104.DataPoint
}

// New builds an adapter delivering inbound traffic to the given callbacks.
func New(cbs iec104.Callbacks) *Adapter {
	return &Adapter{
		cbs:      cbs,
		log:      log.WithField("component", "iec104"),
		stations: make(map[iec104.CommonAddr]*station),
	}
}

// AddServer registers an RTU endpoint. Connection management starts
// immediately when the adapter is already running.
func (a *Adapter) AddServer(ip string, coa iec104.CommonAddr, port int) error {
	if coa == 0 || coa >= iec104.GlobalCOA {
		return fmt.Errorf("iecp5: common address %d out of range", coa)
	}
	opt := cs104.NewOption()
	if err := opt.SetRemoteServer(fmt.Sprintf("%s:%d", ip, port)); err != nil {
		return err
	}

	st := &station{
		coa:    coa,
		ip:     ip,
		port:   port,
		shadow: make(map[iec104.InfoObjAddr]iec104.DataPoint),
	}
	cli := cs104.NewClient(&stationHandler{a: a, st: st}, opt)
	cli.SetLogLevel(clog.LevelError)
	cli.SetOnConnectHandler(func(c *cs104.Client) {
		c.SendStartDt()
	})
	cli.SetOnActivatedHandler(func(c *cs104.Client) {
		st.setActive(true)
		a.cbs.OnConnectionChange(coa, true, ip, port)
	})
	cli.SetConnectionLostHandler(func(c *cs104.Client) {
		if st.setActive(false) {
			a.cbs.OnConnectionChange(coa, false, ip, port)
		}
	})
	st.cli = cli

	a.mu.Lock()
	if _, ok := a.stations[coa]; ok {
		a.mu.Unlock()
		return fmt.Errorf("iecp5: station %d already registered", coa)
	}
	a.stations[coa] = st
	running := a.started
	ctx := a.ctx
	a.mu.Unlock()

	if running {
		go a.runStation(ctx, st)
	}
	return nil
}

// Start begins connection management for every registered station.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("iecp5: already started")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.started = true
	stations := make([]*station, 0, len(a.stations))
	for _, st := range a.stations {
		stations = append(stations, st)
	}
	runCtx := a.ctx
	a.mu.Unlock()

	for _, st := range stations {
		go a.runStation(runCtx, st)
	}
	return nil
}

// Stop tears every station link down.
func (a *Adapter) Stop() error {
	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.started = false
	a.mu.Unlock()
	return nil
}

// runStation keeps one link alive, reconnecting after failures.
func (a *Adapter) runStation(ctx context.Context, st *station) {
	for {
		err := st.cli.Start(ctx)
		if ctx.Err() != nil {
			return
		}
		a.log.Warnf("station %d link ended: %v, reconnecting in %s", st.coa, err, reconnectBackoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

func (st *station) setActive(v bool) (changed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	changed = st.active != v
	st.active = v
	return changed
}

// Connected reports link state for an RTU.
func (a *Adapter) Connected(coa iec104.CommonAddr) bool {
	st := a.station(coa)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}

func (a *Adapter) station(coa iec104.CommonAddr) *station {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stations[coa]
}

func (a *Adapter) connectedStations() []*station {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*station
	for _, st := range a.stations {
		st.mu.Lock()
		active := st.active
		st.mu.Unlock()
		if active {
			out = append(out, st)
		}
	}
	return out
}

func causeOf(cot iec104.COT) asdu.CauseOfTransmission {
	return asdu.CauseOfTransmission{
		IsTest:     cot.IsTest,
		IsNegative: cot.IsNegative,
		Cause:      asdu.Cause(cot.Cause),
	}
}

// Send transmits a control-direction process command for a single point.
func (a *Adapter) Send(coa iec104.CommonAddr, ioa iec104.InfoObjAddr, value interface{}, typ iec104.TypeID, cot iec104.COT) error {
	st := a.station(coa)
	if st == nil {
		return ErrUnknownStation
	}
	if !a.Connected(coa) {
		return ErrNotConnected
	}

	ca := asdu.CommonAddr(coa)
	libIOA := asdu.InfoObjAddr(ioa)
	var err error
	switch typ {
	case iec104.CScNa1:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("iecp5: %s wants bool, got %T", typ, value)
		}
		err = asdu.SingleCmd(st.cli, asdu.C_SC_NA_1, causeOf(cot), ca, asdu.SingleCommandInfo{
			Ioa:   libIOA,
			Value: v,
		})
	case iec104.CDcNa1:
		v, err2 := intValue(value)
		if err2 != nil {
			return fmt.Errorf("iecp5: %s: %w", typ, err2)
		}
		err = asdu.DoubleCmd(st.cli, asdu.C_DC_NA_1, causeOf(cot), ca, asdu.DoubleCommandInfo{
			Ioa:   libIOA,
			Value: asdu.DoubleCommand(v),
		})
	case iec104.CSeNc1:
		v, err2 := floatValue(value)
		if err2 != nil {
			return fmt.Errorf("iecp5: %s: %w", typ, err2)
		}
		err = asdu.SetpointCmdFloat(st.cli, asdu.C_SE_NC_1, causeOf(cot), ca, asdu.SetpointCommandFloatInfo{
			Ioa:   libIOA,
			Value: float32(v),
		})
	case iec104.CRdNa1:
		err = st.cli.ReadCmd(causeOf(cot), ca, libIOA)
	default:
		return fmt.Errorf("iecp5: no encoder for control type %s", typ)
	}
	if err != nil {
		return err
	}

	a.cbs.OnSendAPDU(iec104.APDU{
		Frame:  iec104.FrameI,
		Type:   typ,
		COT:    cot,
		COA:    coa,
		IOAs:   []iec104.InfoObjAddr{ioa},
		Values: map[iec104.InfoObjAddr]interface{}{ioa: value},
	}, coa)
	return nil
}

// SendSysInfo transmits a system command. GlobalCOA fans out to every
// connected RTU; the per-station sends are reported individually so the
// correlation layer can track each leg.
func (a *Adapter) SendSysInfo(typ iec104.TypeID, coa iec104.CommonAddr) error {
	if coa == iec104.GlobalCOA {
		stations := a.connectedStations()
		if len(stations) == 0 {
			return ErrNotConnected
		}
		a.cbs.OnSendAPDU(iec104.APDU{
			Frame: iec104.FrameI,
			Type:  typ,
			COT:   iec104.COT{Cause: iec104.CauseActivation},
			COA:   iec104.GlobalCOA,
		}, iec104.GlobalCOA)
		var firstErr error
		for _, st := range stations {
			if err := a.sendSysInfoStation(typ, st); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	st := a.station(coa)
	if st == nil {
		return ErrUnknownStation
	}
	if !a.Connected(coa) {
		return ErrNotConnected
	}
	return a.sendSysInfoStation(typ, st)
}

func (a *Adapter) sendSysInfoStation(typ iec104.TypeID, st *station) error {
	ca := asdu.CommonAddr(st.coa)
	act := asdu.CauseOfTransmission{Cause: asdu.Activation}
	var err error
	switch typ {
	case iec104.CIcNa1:
		err = st.cli.InterrogationCmd(act, ca, asdu.QualifierOfInterrogation(qoiStation))
	case iec104.CCiNa1:
		err = st.cli.CounterInterrogationCmd(act, ca, asdu.QualifierCountCall{})
	case iec104.CCsNa1:
		err = st.cli.ClockSynchronizationCmd(act, ca, time.Now())
	case iec104.CRpNa1:
		err = st.cli.ResetProcessCmd(act, ca, asdu.QualifierOfResetProcessCmd(1))
	default:
		return fmt.Errorf("iecp5: no encoder for system type %s", typ)
	}
	if err != nil {
		return err
	}
	a.cbs.OnSendAPDU(iec104.APDU{
		Frame: iec104.FrameI,
		Type:  typ,
		COT:   iec104.COT{Cause: iec104.CauseActivation},
		COA:   st.coa,
	}, st.coa)
	return nil
}

// SendParameterActivate transmits a parameter activation for a point. The
// library has no P_AC_NA_1 builder, so the ASDU is assembled directly.
func (a *Adapter) SendParameterActivate(coa iec104.CommonAddr, ioa iec104.InfoObjAddr, cot iec104.COT) error {
	st := a.station(coa)
	if st == nil {
		return ErrUnknownStation
	}
	if !a.Connected(coa) {
		return ErrNotConnected
	}
	u := asdu.NewASDU(st.cli.Params(), asdu.Identifier{
		Type:       asdu.P_AC_NA_1,
		Variable:   asdu.VariableStruct{Number: 1},
		Coa:        causeOf(cot),
		CommonAddr: asdu.CommonAddr(coa),
	})
	if err := u.AppendInfoObjAddr(asdu.InfoObjAddr(ioa)); err != nil {
		return err
	}
	// QPA <3>: activation/deactivation of the persistent cyclic or periodic
	// transmission of the addressed object.
	u.AppendBytes(3)
	if err := st.cli.Send(u); err != nil {
		return err
	}
	a.cbs.OnSendAPDU(iec104.APDU{
		Frame: iec104.FrameI,
		Type:  iec104.PAcNa1,
		COT:   cot,
		COA:   coa,
		IOAs:  []iec104.InfoObjAddr{ioa},
	}, coa)
	return nil
}

// UpdateDataPoint refreshes the shadow value for a point without touching
// the wire.
func (a *Adapter) UpdateDataPoint(coa iec104.CommonAddr, ioa iec104.InfoObjAddr, value interface{}) error {
	st := a.station(coa)
	if st == nil {
		return ErrUnknownStation
	}
	st.mu.Lock()
	p := st.shadow[ioa]
	p.COA = coa
	p.IOA = ioa
	p.Value = value
	p.RecvTs = time.Now()
	st.shadow[ioa] = p
	st.mu.Unlock()
	return nil
}

func intValue(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case float32:
		return int64(x), nil
	}
	return 0, fmt.Errorf("want integer, got %T", v)
}

func floatValue(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("want float, got %T", v)
}
