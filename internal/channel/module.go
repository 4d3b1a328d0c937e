// Package channel implements the Channel aggregate of spec §3: the
// object that owns a primary and (optional) repair RTP session, the RCC
// state machine, the NAT binding coordinator, and the error-repair
// policer for one subscribed video channel, plus Module, the process-wide
// registry and concurrent-RCC admission counter of spec §5/§8.
package channel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
)

// Module is the process-wide channel registry (spec §9's replacement for
// g_channel_module): chanid_to_chan plus the module-wide concurrent-RCC
// counter (spec §3: "a channel with RCC admission granted consumes
// exactly one concurrent RCC slot ... until RCC terminates").
type Module struct {
	mu sync.Mutex

	channels map[dataplane.ChannelID]*Channel

	maxConcurrentRCC int
	concurrentRCC    int

	logger *slog.Logger
}

// NewModule builds a registry that admits at most maxConcurrentRCC
// channels into an active RCC at any one time. maxConcurrentRCC <= 0
// means unlimited. Channels created under this module log through
// slog.Default() until SetLogger is called.
func NewModule(maxConcurrentRCC int) *Module {
	return &Module{
		channels:         make(map[dataplane.ChannelID]*Channel),
		maxConcurrentRCC: maxConcurrentRCC,
		logger:           slog.Default(),
	}
}

// SetLogger installs the logger handed to every channel registered from
// this point on. NewModule starts with slog.Default(); the logger is not
// passed on to the session, FSM or policer constructors.
func (m *Module) SetLogger(logger *slog.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if logger != nil {
		m.logger = logger
	}
}

// Logger returns the module's current logger.
func (m *Module) Logger() *slog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logger
}

// Register links a newly-created channel into chanid_to_chan (spec §3
// invariant: "every live channel is linked in the global channel list
// until fully reclaimed").
func (m *Module) Register(c *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.channels[c.id]; exists {
		return fmt.Errorf("channel: Module.Register: channel %d already registered", c.id)
	}
	m.channels[c.id] = c
	return nil
}

// Unregister removes a channel from chanid_to_chan once it has been fully
// reclaimed (spec §8: "after the BYE countdown reaches 0, c is not
// reachable via chanid_to_chan").
func (m *Module) Unregister(id dataplane.ChannelID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
}

// Lookup resolves a channel id through the registry (spec §9: "back-
// references to the channel are carried as an opaque ChannelId, resolved
// through the module-global channel registry").
func (m *Module) Lookup(id dataplane.ChannelID) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[id]
	return c, ok
}

// Channels returns a snapshot of all currently-registered channels.
func (m *Module) Channels() []*Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	return out
}

// AdmitRCC reserves one concurrent-RCC slot, reporting whether a slot was
// available (spec §3/§5: "the RCC concurrent-RCC count is a process-wide
// integer, modified only under the global lock").
func (m *Module) AdmitRCC() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxConcurrentRCC > 0 && m.concurrentRCC >= m.maxConcurrentRCC {
		return false
	}
	m.concurrentRCC++
	return true
}

// ReleaseRCC frees a concurrent-RCC slot once RCC terminates (success or
// abort, spec §3).
func (m *Module) ReleaseRCC() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.concurrentRCC > 0 {
		m.concurrentRCC--
	}
}

// ConcurrentRCC reports the number of channels currently holding an RCC
// admission slot, for CLI introspection (spec §6).
func (m *Module) ConcurrentRCC() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.concurrentRCC
}

// ClearCounters implements spec §6's "clear counters" CLI operation
// across every registered channel: it snapshots every monotonic counter
// so that subsequent reads are relative to the snapshot. No other command
// mutates state.
func (m *Module) ClearCounters() {
	for _, c := range m.Channels() {
		c.ClearCounters()
	}
}
