package vqecrtp

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wmanley/cisco-vqe-client-sub002/internal/dataplane"
	"github.com/wmanley/cisco-vqe-client-sub002/internal/rtcpext"
)

type recordingPPDDHandler struct {
	got []rtcpext.TLV
}

func (h *recordingPPDDHandler) HandlePPDD(_ context.Context, tlvs []rtcpext.TLV) error {
	h.got = tlvs
	return nil
}

func TestRepairSessionInstallsFilterAndReconciles(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	key := dataplane.SourceKey{SSRC: 55, SrcAddr: net.ParseIP("10.1.1.1"), SrcPort: 6004}
	ipc.SetTable(2, []dataplane.SourceEntry{{Key: key, State: dataplane.SourceActive}})

	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, CNAME: "c"})
	require.NoError(t, err)

	require.NoError(t, r.PrimaryPktflowSrcUpdate(context.Background(), 55))
	require.Equal(t, 2, r.Members.len()) // local + the reconciled remote member
}

func TestRepairSessionOverflowMaxKnownSourcesEntersError(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, MaxKnownSources: 2, CNAME: "c"})
	require.NoError(t, err)

	var table []dataplane.SourceEntry
	for i := uint32(1); i <= 2; i++ {
		key := dataplane.SourceKey{SSRC: i, SrcAddr: net.ParseIP("10.1.1.1"), SrcPort: 6004}
		table = append(table, dataplane.SourceEntry{Key: key, State: dataplane.SourceActive})
	}
	require.NoError(t, r.reconcileLocked(context.Background(), table, false))
	require.Len(t, r.known, 2)
	require.Equal(t, SessionActive, r.state)

	// A 3rd source over the bound is a resource-exhaustion error, not a
	// silent eviction of the oldest entry. The fake's authoritative table
	// agrees, so the single retry can't recover it either.
	table = append(table, dataplane.SourceEntry{
		Key: dataplane.SourceKey{SSRC: 3, SrcAddr: net.ParseIP("10.1.1.1"), SrcPort: 6004}, State: dataplane.SourceActive,
	})
	ipc.SetTable(2, table)
	err = r.reconcileLocked(context.Background(), table, false)
	require.Error(t, err)
	require.Equal(t, SessionError, r.state)
}

func TestRepairSessionReconcilePrunesSourcesNotInTable(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, CNAME: "c"})
	require.NoError(t, err)

	a := dataplane.SourceKey{SSRC: 1, SrcAddr: net.ParseIP("10.1.1.1"), SrcPort: 6004}
	b := dataplane.SourceKey{SSRC: 2, SrcAddr: net.ParseIP("10.1.1.2"), SrcPort: 6004}
	c := dataplane.SourceKey{SSRC: 3, SrcAddr: net.ParseIP("10.1.1.3"), SrcPort: 6004}

	require.NoError(t, r.reconcileLocked(context.Background(), []dataplane.SourceEntry{
		{Key: a, State: dataplane.SourceActive},
		{Key: b, State: dataplane.SourceActive},
		{Key: c, State: dataplane.SourceActive},
	}, false))
	require.Len(t, r.known, 3)

	require.NoError(t, r.reconcileLocked(context.Background(), []dataplane.SourceEntry{
		{Key: a, State: dataplane.SourceActive},
	}, false))
	require.Len(t, r.known, 1)
	require.EqualValues(t, 1, r.known[0].key.SSRC)
	_, ok := r.Members.bySSRCLookup(2)
	require.False(t, ok)
	_, ok = r.Members.bySSRCLookup(3)
	require.False(t, ok)
}

func TestRepairSessionRejectsDuplicateSsrcDifferingAddr(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, CNAME: "c"})
	require.NoError(t, err)

	table := []dataplane.SourceEntry{
		{Key: dataplane.SourceKey{SSRC: 1, SrcAddr: net.ParseIP("10.1.1.1"), SrcPort: 6004}, State: dataplane.SourceActive},
		{Key: dataplane.SourceKey{SSRC: 1, SrcAddr: net.ParseIP("10.1.1.2"), SrcPort: 6004}, State: dataplane.SourceActive},
	}
	ipc.FailNext("GetSrcTable", errors.New("boom")) // deny the reconcile retry too
	err = r.reconcileLocked(context.Background(), table, false)
	require.Error(t, err)
	require.Equal(t, SessionError, r.state)
}

func TestRepairSessionRejectsTableEntryNotMatchingInstalledFilter(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	key := dataplane.SourceKey{SSRC: 55, SrcAddr: net.ParseIP("10.1.1.1"), SrcPort: 6004}
	ipc.SetTable(2, []dataplane.SourceEntry{{Key: key, State: dataplane.SourceActive}})

	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, CNAME: "c"})
	require.NoError(t, err)
	require.NoError(t, r.PrimaryPktflowSrcUpdate(context.Background(), 55))

	badKey := dataplane.SourceKey{SSRC: 77, SrcAddr: net.ParseIP("10.1.1.9"), SrcPort: 6004}
	ipc.FailNext("GetSrcTable", errors.New("boom")) // deny the retry so the error sticks
	err = r.ProcessUpcallEvent(context.Background(), []dataplane.SourceEntry{{Key: badKey, State: dataplane.SourceActive}})
	require.Error(t, err)
	require.Equal(t, SessionError, r.state)
}

func TestRepairSessionReconcileRetryRecoversFromStaleUpcallTable(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	key := dataplane.SourceKey{SSRC: 55, SrcAddr: net.ParseIP("10.1.1.1"), SrcPort: 6004}
	ipc.SetTable(2, []dataplane.SourceEntry{{Key: key, State: dataplane.SourceActive}})

	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, CNAME: "c"})
	require.NoError(t, err)
	require.NoError(t, r.PrimaryPktflowSrcUpdate(context.Background(), 55))

	// An upcall delivers a stale table (carrying an SSRC other than the
	// installed filter's); the authoritative re-fetch from the fake matches the
	// installed filter, so the reconcile self-heals instead of erroring.
	badKey := dataplane.SourceKey{SSRC: 77, SrcAddr: net.ParseIP("10.1.1.9"), SrcPort: 6004}
	require.NoError(t, r.ProcessUpcallEvent(context.Background(), []dataplane.SourceEntry{{Key: badKey, State: dataplane.SourceActive}}))
	require.Equal(t, SessionActive, r.state)
}

func TestRepairSessionProcessesPPDD(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	h := &recordingPPDDHandler{}
	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, CNAME: "c", OnPPDD: h})
	require.NoError(t, err)

	payload := rtcpext.EncodeTLVs([]rtcpext.TLV{{Type: 1, Value: []byte{0xaa}}})
	app, err := rtcpext.NewApp(999, rtcpext.PPDDName, payload)
	require.NoError(t, err)

	require.NoError(t, r.ProcessAppPacket(context.Background(), app))
	require.Len(t, h.got, 1)
	require.EqualValues(t, 1, h.got[0].Type)
}

func TestRepairSessionRejectsUnknownAppName(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, CNAME: "c"})
	require.NoError(t, err)

	app, err := rtcpext.NewApp(1, "XYZZ", nil)
	require.NoError(t, err)
	err = r.ProcessAppPacket(context.Background(), app)
	require.Error(t, err)
}

func TestRepairSessionBuildNackReportEmptyWhenNoGaps(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, CNAME: "c"})
	require.NoError(t, err)

	nack, err := r.BuildNackReport(context.Background(), 1, 42)
	require.NoError(t, err)
	require.Nil(t, nack)
}

func TestRepairSessionDeleteMemberUserInitiatedRemovesDataplaneSource(t *testing.T) {
	ipc := dataplane.NewFakeIPC()
	key := dataplane.SourceKey{SSRC: 9, SrcAddr: net.ParseIP("10.1.1.2"), SrcPort: 6004}
	ipc.SetTable(2, []dataplane.SourceEntry{{Key: key, State: dataplane.SourceActive}})

	r, err := NewRepairSession(RepairSessionConfig{StreamID: 2, IPC: ipc, CNAME: "c"})
	require.NoError(t, err)
	require.NoError(t, r.PrimaryPktflowSrcUpdate(context.Background(), 9))

	m, ok := r.Members.bySSRCLookup(9)
	require.True(t, ok)
	require.NoError(t, r.DeleteMember(m.ID, RemoveUserInitiated))

	_, stillPresent := r.Members.bySSRCLookup(9)
	require.False(t, stillPresent)

	table, err := ipc.GetSrcTable(context.Background(), 2)
	require.NoError(t, err)
	require.Empty(t, table)
}
