// Package rcc implements the Rapid Channel Change state machine of spec
// §4.4 on top of github.com/looplab/fsm: a short-lived burst-request
// protocol run on a channel's primary session while the multicast join
// for the real stream is still in flight.
package rcc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rtcpext"
)

// States, named exactly as spec §4.4's transition table.
const (
	StateInit       = "Init"
	StateWaitApp    = "WaitApp"
	StateFinSuccess = "FinSuccess"
	StateAbort      = "Abort"
)

// Events, named exactly as spec §4.4's transition table.
const (
	EvRapidChannelChange = "RapidChannelChange"
	EvSlowChannelChange  = "SlowChannelChange"
	EvNatBindingComplete = "NatBindingComplete"
	EvReceiveValidApp    = "ReceiveValidApp"
	EvReceiveInvalidApp  = "ReceiveInvalidApp"
	EvReceiveNullApp     = "ReceiveNullApp"
	EvRccStartTimeout    = "RccStartTimeout"
	EvRccIpcErr          = "RccIpcErr"
	EvRccInternalErr     = "RccInternalErr"
	EvChanDeinit         = "ChanDeinit"
)

// maxQueueDepth bounds events generated recursively from within an action
// routine (spec §4.4/§5: "a queue of depth 4 serialises events generated
// recursively ... the outermost deliver_event call drains the queue
// before returning").
const maxQueueDepth = 4

// logRingSize is the per-channel RCC log ring capacity (spec §3).
const logRingSize = 16

// LogEntry is one ring-buffer record (spec §3: "(event_kind, state, event,
// timestamp)").
type LogEntry struct {
	Kind      string // "state_event", "state_enter", "state_exit", "unexpected_event"
	State     string
	Event     string
	Timestamp time.Time
}

// FastfillVectors names the three fast-fill callback slots a channel must
// all populate for fast-fill to be admitted (spec §4.4).
type FastfillVectors struct {
	StartSet bool
	AbortSet bool
	DoneSet  bool
}

// Config is the per-channel RCC configuration (spec §4.4/§6).
type Config struct {
	Enabled             bool
	MinFillMsec         uint32
	MaxFillMsec         uint32
	MaxRecvBwRcc        uint32 // config.max_recv_bw_rcc, before FEC subtraction
	FecRecvBw           uint32
	MaxFastfillTimeMsec uint32
	Fastfill            FastfillVectors
}

// Handler performs the wire/dataplane side effects the FSM's action
// routines trigger. The machine itself only tracks state, the event mask,
// and the log ring; Handler is supplied by the channel that owns the
// primary session and the dataplane IPC.
type Handler interface {
	// SendPLINak emits the PSFB-PLI + PLII APP compound on the primary
	// session (spec §4.4: "send PLI-NAK ... with min/max fill, fast-fill
	// flag, max-recv-bw, max-fastfill").
	SendPLINak(ctx context.Context, payload rtcpext.PLIIPayload) error
	// AbortNotify implements rcc_abort_notify: enable ER immediately and
	// tell the dataplane to abort the burst (spec §4.4).
	AbortNotify(ctx context.Context) error
	// SendNCSI emits the NCSI APP packet on burst-done (spec §4.4).
	SendNCSI(ctx context.Context, payload rtcpext.NCSIPayload) error
}

type queuedEvent struct {
	ctx   context.Context
	event string
	args  []interface{}
}

// eventMask tracks which abort-causing events have fired, for fail_reason
// classification (spec §4.4).
type eventMask struct {
	invalidApp   bool
	nullApp      bool
	startTimeout bool
	ipcErr       bool
	chanDeinit   bool
}

// Machine is one channel's RCC state machine instance.
type Machine struct {
	cfg     Config
	handler Handler
	fsm     *fsm.FSM

	processing bool
	queue      []queuedEvent

	log     [logRingSize]LogEntry
	logLen  int
	logNext int

	mask       eventMask
	pliNakSent bool
}

// NewMachine builds a machine in the Init state (spec §4.4).
func NewMachine(cfg Config, handler Handler) *Machine {
	m := &Machine{cfg: cfg, handler: handler}
	m.fsm = fsm.NewFSM(StateInit, buildEvents(), fsm.Callbacks{
		"enter_state":              m.onEnterState,
		"leave_state":              m.onLeaveState,
		"before_event":             m.onBeforeEvent,
		"after_" + EvNatBindingComplete: m.onNatBindingComplete,
		"before_" + EvReceiveInvalidApp: markMaskCallback(&m.mask.invalidApp),
		"before_" + EvReceiveNullApp:    markMaskCallback(&m.mask.nullApp),
		"before_" + EvRccStartTimeout:   markMaskCallback(&m.mask.startTimeout),
		"before_" + EvRccIpcErr:         markMaskCallback(&m.mask.ipcErr),
		"before_" + EvChanDeinit:        markMaskCallback(&m.mask.chanDeinit),
		"enter_" + StateAbort:           m.onEnterAbort,
	})
	return m
}

func markMaskCallback(flag *bool) func(context.Context, *fsm.Event) {
	return func(_ context.Context, _ *fsm.Event) { *flag = true }
}

// buildEvents assembles the transition table of spec §4.4's complete
// table, plus the "any event leaves FinSuccess/Abort unchanged" rule
// expanded into one self-loop per event per terminal state (looplab/fsm
// has no "any event" wildcard, only "any source state" per event).
func buildEvents() fsm.Events {
	allEvents := []string{
		EvRapidChannelChange, EvSlowChannelChange, EvNatBindingComplete,
		EvReceiveValidApp, EvReceiveInvalidApp, EvReceiveNullApp,
		EvRccStartTimeout, EvRccIpcErr, EvRccInternalErr, EvChanDeinit,
	}

	events := fsm.Events{
		{Name: EvRapidChannelChange, Src: []string{StateInit}, Dst: StateWaitApp},
		{Name: EvSlowChannelChange, Src: []string{StateInit}, Dst: StateFinSuccess},
		{Name: EvNatBindingComplete, Src: []string{StateWaitApp}, Dst: StateWaitApp},
		{Name: EvReceiveValidApp, Src: []string{StateWaitApp}, Dst: StateFinSuccess},
		{Name: EvReceiveInvalidApp, Src: []string{StateWaitApp}, Dst: StateAbort},
		{Name: EvReceiveNullApp, Src: []string{StateWaitApp}, Dst: StateAbort},
		{Name: EvRccStartTimeout, Src: []string{StateWaitApp}, Dst: StateAbort},
		{Name: EvRccIpcErr, Src: []string{StateWaitApp}, Dst: StateAbort},
		{Name: EvRccInternalErr, Src: []string{StateWaitApp}, Dst: StateAbort},
		{Name: EvChanDeinit, Src: []string{StateWaitApp}, Dst: StateAbort},
	}

	for _, ev := range allEvents {
		events = append(events, fsm.EventDesc{Name: ev, Src: []string{StateFinSuccess}, Dst: StateFinSuccess})
		events = append(events, fsm.EventDesc{Name: ev, Src: []string{StateAbort}, Dst: StateAbort})
	}
	return events
}

// Deliver runs one event through the machine. If called re-entrantly from
// within an action routine it is FIFO-queued (depth 4) instead of
// recursing into fsm.Event, and drained by the outermost call before it
// returns (spec §4.4/§5).
func (m *Machine) Deliver(ctx context.Context, event string, args ...interface{}) error {
	if m.processing {
		if len(m.queue) >= maxQueueDepth {
			return fmt.Errorf("rcc: event queue full (depth %d) delivering %s", maxQueueDepth, event)
		}
		m.queue = append(m.queue, queuedEvent{ctx: ctx, event: event, args: args})
		return nil
	}

	m.processing = true
	firstErr := m.deliverOne(ctx, event, args...)
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		_ = m.deliverOne(next.ctx, next.event, next.args...)
	}
	m.processing = false
	return firstErr
}

func (m *Machine) deliverOne(ctx context.Context, event string, args ...interface{}) error {
	err := m.fsm.Event(ctx, event, args...)
	if err == nil {
		return nil
	}
	var invalidEvent fsm.InvalidEventError
	if errors.As(err, &invalidEvent) {
		m.appendLog("unexpected_event", m.fsm.Current(), event)
		return nil
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		// Self-transitions (NatBindingComplete in WaitApp) report an action
		// routine's failure through NoTransitionError.Err.
		return noTransition.Err
	}
	return err
}

func (m *Machine) onBeforeEvent(_ context.Context, e *fsm.Event) {
	m.appendLog("state_event", e.Src, e.Event)
}

func (m *Machine) onEnterState(_ context.Context, e *fsm.Event) {
	m.appendLog("state_enter", e.Dst, e.Event)
}

func (m *Machine) onLeaveState(_ context.Context, e *fsm.Event) {
	m.appendLog("state_exit", e.Src, e.Event)
}

func (m *Machine) onNatBindingComplete(ctx context.Context, e *fsm.Event) {
	payload := rtcpext.PLIIPayload{
		MinRccFillMsec:        m.cfg.MinFillMsec,
		MaxRccFillMsec:        m.cfg.MaxFillMsec,
		DoFastfill:            m.FastfillEnabled(),
		MaximumRecvBwBps:      m.ReceiveBwRcc(),
		MaximumFastfillTimeMs: m.cfg.MaxFastfillTimeMsec,
	}
	if err := m.handler.SendPLINak(ctx, payload); err != nil {
		e.Err = err
		return
	}
	m.pliNakSent = true
}

func (m *Machine) onEnterAbort(ctx context.Context, _ *fsm.Event) {
	if err := m.handler.AbortNotify(ctx); err != nil {
		// AbortNotify failure has nowhere further to escalate to once
		// we're already entering Abort; the caller observes it had no
		// effect on FSM state, which stays Abort regardless.
		_ = err
	}
}

func (m *Machine) appendLog(kind, state, event string) {
	m.log[m.logNext] = LogEntry{Kind: kind, State: state, Event: event, Timestamp: time.Now()}
	m.logNext = (m.logNext + 1) % logRingSize
	if m.logLen < logRingSize {
		m.logLen++
	}
}

// Log returns the ring buffer contents, oldest first.
func (m *Machine) Log() []LogEntry {
	out := make([]LogEntry, 0, m.logLen)
	start := m.logNext - m.logLen
	for i := 0; i < m.logLen; i++ {
		idx := (start + i + logRingSize) % logRingSize
		out = append(out, m.log[idx])
	}
	return out
}

// Current returns the machine's current state.
func (m *Machine) Current() string { return m.fsm.Current() }

// FastfillEnabled implements spec §4.4's fast-fill admission rule.
func (m *Machine) FastfillEnabled() bool {
	return m.cfg.Fastfill.StartSet && m.cfg.Fastfill.AbortSet && m.cfg.Fastfill.DoneSet
}

// ReceiveBwRcc implements spec §4.4's receive-bandwidth accounting rule.
func (m *Machine) ReceiveBwRcc() uint32 {
	if m.cfg.MaxRecvBwRcc <= m.cfg.FecRecvBw {
		if m.cfg.MaxRecvBwRcc != 0 {
			return 1
		}
		return 0
	}
	return m.cfg.MaxRecvBwRcc - m.cfg.FecRecvBw
}

// SetFecRecvBw updates the FEC bandwidth subtracted from ReceiveBwRcc,
// driven by the channel's FecUpdate upcall handling (spec §6:
// "fec_enable: subtracts FEC stream bandwidth from max-recv-bw
// calculations").
func (m *Machine) SetFecRecvBw(v uint32) { m.cfg.FecRecvBw = v }

// FailReason implements spec §4.4's fail_reason query.
func (m *Machine) FailReason() string {
	if !m.cfg.Enabled {
		return "RCC_DISABLED"
	}
	if m.fsm.Current() != StateAbort {
		return "NONE"
	}
	switch {
	case m.mask.invalidApp:
		return "INVALID_APP"
	case m.mask.nullApp:
		return "NULL_APP"
	case m.mask.startTimeout:
		if m.pliNakSent {
			return "APP_TIMEOUT"
		}
		return "NAT_TIMEOUT"
	case m.mask.ipcErr:
		return "IPC_ERROR"
	case m.mask.chanDeinit:
		return "CHAN_DEINIT"
	default:
		return "UNKNOWN"
	}
}

// HandleBurstDone implements spec §4.4's NCSI emission: sent on the
// dataplane burst-done upcall regardless of the FSM's current state (it
// can arrive after FinSuccess has already been reached).
func (m *Machine) HandleBurstDone(ctx context.Context, status dataplane.RCCStatus) error {
	payload := rtcpext.NCSIPayload{
		FirstMcastSeqNumber: status.FirstMcastSeqNumber,
		FirstMcastRecvMsec:  status.FirstMcastRecvMsec,
	}
	return m.handler.SendNCSI(ctx, payload)
}
