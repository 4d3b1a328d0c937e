package dataplane

import (
	"context"
	"sync"
)

// FakeIPC is an in-memory IPC implementation used by control-plane unit
// tests to drive source-table reconciliation, gap reports, and RCC status
// without a real dataplane process. It is not part of the product.
type FakeIPC struct {
	mu sync.Mutex

	tables map[StreamID][]SourceEntry
	gaps   map[ChannelID][]GapEntry
	rcc    map[ChannelID]RCCStatus
	pcr    map[ChannelID]uint64
	pts    map[ChannelID]uint64
	infos  map[StreamID]map[string]SourceInfo // keyed by SourceKey.String()

	// Error injection, keyed by call name, forces the next call to fail.
	failNext map[string]error
}

// NewFakeIPC returns an empty fake dataplane.
func NewFakeIPC() *FakeIPC {
	return &FakeIPC{
		tables:   make(map[StreamID][]SourceEntry),
		gaps:     make(map[ChannelID][]GapEntry),
		rcc:      make(map[ChannelID]RCCStatus),
		pcr:      make(map[ChannelID]uint64),
		pts:      make(map[ChannelID]uint64),
		infos:    make(map[StreamID]map[string]SourceInfo),
		failNext: make(map[string]error),
	}
}

// SetTable installs the source table the fake reports for stream.
func (f *FakeIPC) SetTable(stream StreamID, table []SourceEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]SourceEntry, len(table))
	copy(cp, table)
	f.tables[stream] = cp
}

// SetGapReport installs the gap list the fake reports for chanID.
func (f *FakeIPC) SetGapReport(chanID ChannelID, gaps []GapEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]GapEntry, len(gaps))
	copy(cp, gaps)
	f.gaps[chanID] = cp
}

// SetRCCStatus installs the RCC status the fake reports for chanID.
func (f *FakeIPC) SetRCCStatus(chanID ChannelID, status RCCStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rcc[chanID] = status
}

// FailNext forces the next call named op to return err.
func (f *FakeIPC) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = err
}

func (f *FakeIPC) takeFailure(op string) error {
	if err, ok := f.failNext[op]; ok {
		delete(f.failNext, op)
		return err
	}
	return nil
}

func (f *FakeIPC) GetSrcInfo(_ context.Context, stream StreamID, key SourceKey, _ bool, _ bool) (SourceInfo, XRStats, XRStats, XRMAStats, SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("GetSrcInfo"); err != nil {
		return SourceInfo{}, XRStats{}, XRStats{}, XRMAStats{}, SessionInfo{}, err
	}
	byKey, ok := f.infos[stream]
	if !ok {
		return SourceInfo{}, XRStats{}, XRStats{}, XRMAStats{}, SessionInfo{}, ErrNotFound
	}
	info, ok := byKey[key.String()]
	if !ok {
		return SourceInfo{}, XRStats{}, XRStats{}, XRMAStats{}, SessionInfo{}, ErrNotFound
	}
	return info, XRStats{}, XRStats{}, XRMAStats{}, SessionInfo{}, nil
}

func (f *FakeIPC) GetSrcTable(_ context.Context, stream StreamID) ([]SourceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("GetSrcTable"); err != nil {
		return nil, err
	}
	out := make([]SourceEntry, len(f.tables[stream]))
	copy(out, f.tables[stream])
	return out, nil
}

func (f *FakeIPC) DeleteSrc(_ context.Context, stream StreamID, key SourceKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("DeleteSrc"); err != nil {
		return err
	}
	table := f.tables[stream]
	for i, e := range table {
		if e.Key.Equal(key) {
			f.tables[stream] = append(table[:i], table[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (f *FakeIPC) PermitPktflow(_ context.Context, stream StreamID, key SourceKey) (int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("PermitPktflow"); err != nil {
		return 0, err
	}
	table := f.tables[stream]
	for i, e := range table {
		if e.Key.Equal(key) {
			table[i].PktflowPermitted = true
			return e.SessionSeqOffset, nil
		}
	}
	return 0, ErrNotFound
}

func (f *FakeIPC) AddSsrcFilter(_ context.Context, stream StreamID, ssrc uint32) ([]SourceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("AddSsrcFilter"); err != nil {
		return nil, err
	}
	var filtered []SourceEntry
	for _, e := range f.tables[stream] {
		if e.Key.SSRC == ssrc {
			filtered = append(filtered, e)
		}
	}
	f.tables[stream] = filtered
	out := make([]SourceEntry, len(filtered))
	copy(out, filtered)
	return out, nil
}

func (f *FakeIPC) DelSsrcFilter(_ context.Context, _ StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.takeFailure("DelSsrcFilter")
}

func (f *FakeIPC) GetGapReport(_ context.Context, chanID ChannelID) ([]GapEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("GetGapReport"); err != nil {
		return nil, err
	}
	out := make([]GapEntry, len(f.gaps[chanID]))
	copy(out, f.gaps[chanID])
	return out, nil
}

func (f *FakeIPC) GetRCCStatus(_ context.Context, chanID ChannelID) (RCCStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFailure("GetRCCStatus"); err != nil {
		return RCCStatus{}, err
	}
	return f.rcc[chanID], nil
}

func (f *FakeIPC) GetPCR(_ context.Context, chanID ChannelID) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcr[chanID], f.takeFailure("GetPCR")
}

func (f *FakeIPC) GetPTS(_ context.Context, chanID ChannelID) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pts[chanID], f.takeFailure("GetPTS")
}

var _ IPC = (*FakeIPC)(nil)
