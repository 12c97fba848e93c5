package analysis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxisworks/meshflow/common/capture"
)

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

func entered(ms int, id uint64, svc, op, version string) capture.Firing {
	return capture.Firing{
		Timestamp:    at(ms),
		TransitionID: capture.IngressTransition(op),
		Type:         capture.TypeIngress,
		TokenID:      id,
		WorkflowBase: (id / 1_000_000) * 1_000_000,
		Version:      version,
		Service:      svc,
		Operation:    op,
	}
}

func left(ms int, id uint64, svc, op, version, target string) capture.Firing {
	return capture.Firing{
		Timestamp:    at(ms),
		TransitionID: capture.EgressTransition(op),
		Type:         capture.TypeEgress,
		TokenID:      id,
		WorkflowBase: (id / 1_000_000) * 1_000_000,
		Version:      version,
		Service:      svc,
		Operation:    op,
		Target:       target,
	}
}

func retired(ms int, id uint64, svc, op, version string) capture.Firing {
	return capture.Firing{
		Timestamp:    at(ms),
		TransitionID: capture.TerminateTransition,
		Type:         capture.TypeTerminate,
		TokenID:      id,
		WorkflowBase: (id / 1_000_000) * 1_000_000,
		Version:      version,
		Service:      svc,
		Operation:    op,
	}
}

func divertedAt(ms int, id uint64, svc, op, version, outcome string) capture.Firing {
	return capture.Firing{
		Timestamp:    at(ms),
		TransitionID: capture.EgressTransition(op),
		Type:         capture.TypeDiverted,
		TokenID:      id,
		WorkflowBase: (id / 1_000_000) * 1_000_000,
		Version:      version,
		Service:      svc,
		Operation:    op,
		Outcome:      outcome,
	}
}

type fixtureReader struct {
	firings []capture.Firing
	edges   []capture.Genealogy
	joins   []capture.JoinSync
}

func (r fixtureReader) Firings(context.Context) ([]capture.Firing, error) {
	return r.firings, nil
}
func (r fixtureReader) GenealogyEdges(context.Context) ([]capture.Genealogy, error) {
	return r.edges, nil
}
func (r fixtureReader) JoinRecords(context.Context) ([]capture.JoinSync, error) {
	return r.joins, nil
}

func TestLinearRunIsClean(t *testing.T) {
	const id = 1_001_000
	rep, err := Verify(context.Background(), fixtureReader{
		firings: []capture.Firing{
			entered(0, id, "intake", "register", "v001"),
			left(10, id, "intake", "register", "v001", "records/close"),
			entered(20, id, "records", "close", "v001"),
			left(30, id, "records", "close", "v001", ""),
			retired(31, id, "records", "close", "v001"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Tokens)
	assert.Equal(t, 1, rep.Terminated)
	assert.True(t, rep.Clean())
	assert.Empty(t, rep.Inversions)
}

func TestStuckTokenIsADefect(t *testing.T) {
	const id = 1_001_000
	rep := verify([]capture.Firing{
		entered(0, id, "intake", "register", "v001"),
	}, nil, nil)

	assert.False(t, rep.Clean())
	assert.Equal(t, []uint64{id}, rep.Stuck)
	require.Len(t, rep.PairingViolations, 1)
	assert.Contains(t, rep.PairingViolations[0], "never left")
}

func TestReentryWithoutExitIsADefect(t *testing.T) {
	const id = 1_001_000
	rep := verify([]capture.Firing{
		entered(0, id, "intake", "register", "v001"),
		entered(10, id, "intake", "register", "v001"),
		left(20, id, "intake", "register", "v001", ""),
		retired(21, id, "intake", "register", "v001"),
	}, nil, nil)

	require.Len(t, rep.PairingViolations, 1)
	assert.Contains(t, rep.PairingViolations[0], "re-entered")
}

func TestForkAndJoinAccounting(t *testing.T) {
	const (
		parent = uint64(2_001_000)
		childA = uint64(2_001_201)
		childB = uint64(2_001_202)
	)
	edges := []capture.Genealogy{
		{Timestamp: at(10), ParentID: parent, ChildID: childA, Branch: 1, JoinCount: 2, ForkTransitionID: "T_out_dispatch", WorkflowBase: 2_000_000, Version: "v002"},
		{Timestamp: at(10), ParentID: parent, ChildID: childB, Branch: 2, JoinCount: 2, ForkTransitionID: "T_out_dispatch", WorkflowBase: 2_000_000, Version: "v002"},
	}
	joins := []capture.JoinSync{
		{Timestamp: at(40), JoinTransitionID: "T_join_register", RecordID: "r1", ParentID: parent, Expected: 2, Observed: []uint64{childA}, Status: capture.JoinWaiting},
		{Timestamp: at(50), JoinTransitionID: "T_join_register", RecordID: "r1", ParentID: parent, Expected: 2, Observed: []uint64{childA, childB}, Status: capture.JoinComplete, ContinuationID: parent},
	}
	firings := []capture.Firing{
		entered(0, parent, "orders", "dispatch", "v002"),
		left(10, parent, "orders", "dispatch", "v002", "lab/bloodwork"),
		left(11, parent, "orders", "dispatch", "v002", "scan/imaging"),
		entered(20, childA, "lab", "bloodwork", "v002"),
		left(25, childA, "lab", "bloodwork", "v002", "intake/register"),
		entered(21, childB, "scan", "imaging", "v002"),
		left(26, childB, "scan", "imaging", "v002", "intake/register"),
		entered(40, childA, "intake", "register", "v002"),
		entered(50, childB, "intake", "register", "v002"),
		entered(51, parent, "intake", "register", "v002"),
		left(60, parent, "intake", "register", "v002", ""),
		retired(61, parent, "intake", "register", "v002"),
	}

	rep := verify(firings, edges, joins)

	assert.True(t, rep.Clean(), "violations: %v %v %v", rep.PairingViolations, rep.ForkViolations, rep.JoinViolations)
	assert.Equal(t, 3, rep.Tokens)
	assert.Equal(t, 1, rep.Terminated)
	assert.Equal(t, 2, rep.JoinConsumed)
	assert.Empty(t, rep.Stuck)
}

func TestForkMissingBranchIsReported(t *testing.T) {
	rep := verify(nil, []capture.Genealogy{
		{Timestamp: at(0), ParentID: 2_001_000, ChildID: 2_001_201, Branch: 1, JoinCount: 2, ForkTransitionID: "T_out_dispatch"},
	}, nil)

	require.NotEmpty(t, rep.ForkViolations)
	assert.Contains(t, rep.ForkViolations[0], "expected 2")
}

func TestForkChildIDMismatchIsReported(t *testing.T) {
	rep := verify(nil, []capture.Genealogy{
		{Timestamp: at(0), ParentID: 2_001_000, ChildID: 2_001_201, Branch: 1, JoinCount: 2, ForkTransitionID: "T_out_dispatch"},
		{Timestamp: at(0), ParentID: 2_001_000, ChildID: 2_001_999, Branch: 2, JoinCount: 2, ForkTransitionID: "T_out_dispatch"},
	}, nil)

	found := false
	for _, v := range rep.ForkViolations {
		if strings.Contains(v, "2001999") && strings.Contains(v, "branch 2") {
			found = true
		}
	}
	assert.True(t, found, "violations: %v", rep.ForkViolations)
}

func TestJoinContinuationMustBeParent(t *testing.T) {
	joins := []capture.JoinSync{
		{Timestamp: at(0), JoinTransitionID: "T_join_register", RecordID: "r1", ParentID: 2_001_000, Expected: 2,
			Observed: []uint64{2_001_201, 2_001_202}, Status: capture.JoinComplete, ContinuationID: 2_001_201},
	}
	rep := verify(nil, nil, joins)

	require.NotEmpty(t, rep.JoinViolations)
	assert.Contains(t, rep.JoinViolations[0], "expected parent")
}

func TestJoinContinuationMustReenter(t *testing.T) {
	const parent = uint64(2_001_000)
	joins := []capture.JoinSync{
		{Timestamp: at(0), JoinTransitionID: "T_join_register", RecordID: "r1", ParentID: parent, Expected: 2,
			Observed: []uint64{2_001_201, 2_001_202}, Status: capture.JoinComplete, ContinuationID: parent},
	}
	rep := verify(nil, nil, joins)

	found := false
	for _, v := range rep.JoinViolations {
		if strings.Contains(v, "never re-entered") {
			found = true
		}
	}
	assert.True(t, found, "violations: %v", rep.JoinViolations)
}

func TestExpiredJoinEmitsNoContinuation(t *testing.T) {
	joins := []capture.JoinSync{
		{Timestamp: at(0), JoinTransitionID: "T_join_register", RecordID: "r1", ParentID: 2_001_000, Expected: 2,
			Observed: []uint64{2_001_201}, Status: capture.JoinExpired, ContinuationID: 2_001_000},
	}
	rep := verify(nil, nil, joins)

	assert.Equal(t, 1, rep.ExpiredJoins)
	require.NotEmpty(t, rep.JoinViolations)
	assert.Contains(t, rep.JoinViolations[0], "expired yet emitted")
}

func TestExpiredTokenIsItsOwnOutcome(t *testing.T) {
	const id = 1_001_000
	rep := verify([]capture.Firing{
		entered(0, id, "intake", "register", "v001"),
		divertedAt(10, id, "intake", "register", "v001", "Expired"),
	}, nil, nil)

	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 0, rep.Diverted)
	assert.True(t, rep.Clean())
}

func TestForkedParentIsNotLost(t *testing.T) {
	const parent = uint64(2_001_000)
	firings := []capture.Firing{
		entered(0, parent, "orders", "dispatch", "v002"),
		left(10, parent, "orders", "dispatch", "v002", "lab/bloodwork"),
		left(11, parent, "orders", "dispatch", "v002", "scan/imaging"),
		entered(20, 2_001_201, "lab", "bloodwork", "v002"),
		left(25, 2_001_201, "lab", "bloodwork", "v002", "intake/register"),
		entered(30, 2_001_201, "intake", "register", "v002"),
	}
	edges := []capture.Genealogy{
		{Timestamp: at(10), ParentID: parent, ChildID: 2_001_201, Branch: 1, JoinCount: 2, ForkTransitionID: "T_out_dispatch"},
		{Timestamp: at(10), ParentID: parent, ChildID: 2_001_202, Branch: 2, JoinCount: 2, ForkTransitionID: "T_out_dispatch"},
	}
	joins := []capture.JoinSync{
		{Timestamp: at(30), JoinTransitionID: "T_join_register", RecordID: "r1", ParentID: parent, Expected: 2,
			Observed: []uint64{2_001_201}, Status: capture.JoinWaiting},
	}

	rep := verify(firings, edges, joins)

	assert.Equal(t, 1, rep.Forked)
	assert.Equal(t, 1, rep.PendingJoins)
	assert.Empty(t, rep.Lost)
	assert.Empty(t, rep.Stuck)
}

func TestForwardedBeyondJournal(t *testing.T) {
	const id = 1_001_000
	rep := verify([]capture.Firing{
		entered(0, id, "intake", "register", "v001"),
		left(10, id, "intake", "register", "v001", "records/close"),
	}, nil, nil)

	assert.Equal(t, 1, rep.Forwarded)
	assert.True(t, rep.Clean())
}

func TestLostInTransitAcrossCoveredNodes(t *testing.T) {
	const (
		gone  = uint64(1_001_000)
		other = uint64(1_002_000)
	)
	rep := verify([]capture.Firing{
		entered(0, gone, "intake", "register", "v001"),
		left(10, gone, "intake", "register", "v001", "records/close"),
		// Another token proves the journal covers records/close.
		entered(20, other, "records", "close", "v001"),
		left(30, other, "records", "close", "v001", ""),
		retired(31, other, "records", "close", "v001"),
	}, nil, nil)

	assert.Equal(t, []uint64{gone}, rep.Lost)
	assert.False(t, rep.Clean())
}

func TestPriorityInversionReported(t *testing.T) {
	const (
		high = uint64(1_001_000) // v001 outranks v002
		low  = uint64(2_001_000)
	)
	rep := verify([]capture.Firing{
		entered(0, high, "intake", "register", "v001"),
		entered(1, low, "intake", "register", "v002"),
		left(10, low, "intake", "register", "v002", ""),
		retired(11, low, "intake", "register", "v002"),
		left(20, high, "intake", "register", "v001", ""),
		retired(21, high, "intake", "register", "v001"),
	}, nil, nil)

	require.Len(t, rep.Inversions, 1)
	assert.Contains(t, rep.Inversions[0], "2001000")
	assert.Contains(t, rep.Inversions[0], "1001000")
}

func TestJoinPromotionIsNotAnInversion(t *testing.T) {
	const (
		high = uint64(1_001_000)
		cont = uint64(2_001_000) // continuation of a completed join
	)
	firings := []capture.Firing{
		entered(0, high, "intake", "register", "v001"),
		entered(1, cont, "intake", "register", "v002"),
		left(10, cont, "intake", "register", "v002", ""),
		retired(11, cont, "intake", "register", "v002"),
		left(20, high, "intake", "register", "v001", ""),
		retired(21, high, "intake", "register", "v001"),
	}
	joins := []capture.JoinSync{
		{Timestamp: at(1), JoinTransitionID: "T_join_register", RecordID: "r1", ParentID: cont, Expected: 2,
			Observed: []uint64{2_001_201, 2_001_202}, Status: capture.JoinComplete, ContinuationID: cont},
	}

	rep := verify(firings, nil, joins)

	assert.Empty(t, rep.Inversions)
}

func TestOrderedWithinVersionIsClean(t *testing.T) {
	const (
		first  = uint64(1_001_000)
		second = uint64(1_002_000)
	)
	rep := verify([]capture.Firing{
		entered(0, first, "intake", "register", "v001"),
		entered(1, second, "intake", "register", "v001"),
		left(10, first, "intake", "register", "v001", ""),
		retired(11, first, "intake", "register", "v001"),
		left(20, second, "intake", "register", "v001", ""),
		retired(21, second, "intake", "register", "v001"),
	}, nil, nil)

	assert.Empty(t, rep.Inversions)
	assert.True(t, rep.Clean())
}
