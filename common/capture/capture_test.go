package capture

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	_ Appender = (*BoltStore)(nil)
	_ Reader   = (*BoltStore)(nil)
	_ Appender = (*PostgresStore)(nil)
	_ Reader   = (*PostgresStore)(nil)
	_ Appender = (*StreamStore)(nil)
	_ Reader   = (*StreamStore)(nil)
	_ Appender = Nop{}
)

type memAppender struct {
	mu        sync.Mutex
	firings   []Firing
	genealogy []Genealogy
	joins     []JoinSync
	closed    bool
}

func (m *memAppender) AppendFiring(ctx context.Context, f *Firing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.firings = append(m.firings, *f)
	return nil
}

func (m *memAppender) AppendGenealogy(ctx context.Context, g *Genealogy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.genealogy = append(m.genealogy, *g)
	return nil
}

func (m *memAppender) AppendJoin(ctx context.Context, j *JoinSync) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.joins = append(m.joins, *j)
	return nil
}

func (m *memAppender) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memAppender) snapshot() []Firing {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Firing, len(m.firings))
	copy(out, m.firings)
	return out
}

// blockingAppender stalls the drain goroutine on its first firing until
// released, so tests can fill the buffer deterministically.
type blockingAppender struct {
	memAppender
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingAppender) AppendFiring(ctx context.Context, f *Firing) error {
	if b.calls.Add(1) == 1 {
		close(b.started)
		<-b.release
	}
	return b.memAppender.AppendFiring(ctx, f)
}

type testLogger struct{ t *testing.T }

func (l testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("ERROR: %s %v", msg, kv) }
func (l testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("WARN: %s %v", msg, kv) }
func (l testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("DEBUG: %s %v", msg, kv) }

func firing(n uint64) *Firing {
	return &Firing{
		Timestamp:    time.Date(2024, 3, 1, 10, 0, int(n), 0, time.UTC),
		TransitionID: IngressTransition("assess"),
		Type:         TypeIngress,
		TokenID:      n,
		WorkflowBase: 1_000_000,
		Version:      "v001",
		Service:      "triage",
		Operation:    "assess",
	}
}

func TestSinkDeliversInOrder(t *testing.T) {
	app := &memAppender{}
	sink := NewSink(app, 16, testLogger{t})

	for i := uint64(1); i <= 5; i++ {
		sink.Firing(firing(i))
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := app.snapshot()
	if len(got) != 5 {
		t.Fatalf("appended %d records, want 5", len(got))
	}
	for i, f := range got {
		if f.TokenID != uint64(i+1) {
			t.Errorf("record %d has token %d", i, f.TokenID)
		}
	}
	stats := sink.Stats()
	if stats.Appended != 5 || stats.Dropped != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if !app.closed {
		t.Error("backend not closed")
	}
}

func TestSinkOverflowMarker(t *testing.T) {
	app := &blockingAppender{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	sink := NewSink(app, 2, testLogger{t})

	// First record occupies the drain goroutine inside the backend.
	sink.Firing(firing(1))
	<-app.started

	// Fill the buffer, then push two more that must be dropped.
	sink.Firing(firing(2))
	sink.Firing(firing(3))
	sink.Firing(firing(4))
	sink.Firing(firing(5))

	close(app.release)
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := app.snapshot()
	if len(got) != 4 {
		t.Fatalf("appended %d records, want 4 (1 + marker + 2): %+v", len(got), got)
	}
	if got[0].TokenID != 1 {
		t.Errorf("first record token = %d", got[0].TokenID)
	}
	marker := got[1]
	if marker.TransitionID != OverflowMarker || marker.Type != TypeOverflow {
		t.Fatalf("second record is not the overflow marker: %+v", marker)
	}
	if marker.Dropped != 2 {
		t.Errorf("marker dropped count = %d, want 2", marker.Dropped)
	}
	if marker.Outcome != "CaptureOverflow" {
		t.Errorf("marker outcome = %q", marker.Outcome)
	}
	if got[2].TokenID != 2 || got[3].TokenID != 3 {
		t.Errorf("surviving records = %d, %d", got[2].TokenID, got[3].TokenID)
	}
	if stats := sink.Stats(); stats.Dropped != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestSinkMixedRecordKinds(t *testing.T) {
	app := &memAppender{}
	sink := NewSink(app, 16, testLogger{t})

	sink.Firing(firing(1))
	sink.Genealogy(&Genealogy{
		ParentID:         1_000_000,
		ChildID:          1_000_201,
		Branch:           1,
		JoinCount:        2,
		ForkTransitionID: EgressTransition("assess"),
		WorkflowBase:     1_000_000,
		Version:          "v001",
	})
	deadline := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)
	sink.Join(&JoinSync{
		JoinTransitionID: JoinTransition("merge"),
		RecordID:         "aa11",
		ParentID:         1_000_000,
		Expected:         2,
		Observed:         []uint64{1_000_201},
		Status:           JoinWaiting,
		Deadline:         &deadline,
	})
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(app.firings) != 1 || len(app.genealogy) != 1 || len(app.joins) != 1 {
		t.Fatalf("record counts = %d/%d/%d", len(app.firings), len(app.genealogy), len(app.joins))
	}
	if app.genealogy[0].ChildID != 1_000_201 {
		t.Errorf("genealogy child = %d", app.genealogy[0].ChildID)
	}
	if app.joins[0].Status != JoinWaiting || app.joins[0].Deadline == nil {
		t.Errorf("join row = %+v", app.joins[0])
	}
}

func TestSinkDropsAfterClose(t *testing.T) {
	app := &memAppender{}
	sink := NewSink(app, 4, testLogger{t})
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	sink.Firing(firing(1))
	if stats := sink.Stats(); stats.Dropped != 1 || stats.Appended != 0 {
		t.Errorf("stats after closed write = %+v", stats)
	}
}

func TestBoltStoreRoundTrip(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "capture.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for i := uint64(1); i <= 3; i++ {
		if err := store.AppendFiring(ctx, firing(i)); err != nil {
			t.Fatalf("append firing %d: %v", i, err)
		}
	}
	gen := &Genealogy{
		Timestamp:        time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		ParentID:         1_000_000,
		ChildID:          1_000_202,
		Branch:           2,
		JoinCount:        2,
		ForkTransitionID: EgressTransition("assess"),
		WorkflowBase:     1_000_000,
		Version:          "v001",
	}
	if err := store.AppendGenealogy(ctx, gen); err != nil {
		t.Fatalf("append genealogy: %v", err)
	}
	deadline := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)
	join := &JoinSync{
		Timestamp:        time.Date(2024, 3, 1, 10, 1, 0, 0, time.UTC),
		JoinTransitionID: JoinTransition("merge"),
		RecordID:         "bb22",
		ParentID:         1_000_000,
		WorkflowBase:     1_000_000,
		Version:          "v001",
		Expected:         2,
		Observed:         []uint64{1_000_201, 1_000_202},
		Status:           JoinComplete,
		ContinuationID:   1_000_000,
		Deadline:         &deadline,
	}
	if err := store.AppendJoin(ctx, join); err != nil {
		t.Fatalf("append join: %v", err)
	}

	firings, err := store.Firings(ctx)
	if err != nil {
		t.Fatalf("read firings: %v", err)
	}
	if len(firings) != 3 {
		t.Fatalf("firings = %d", len(firings))
	}
	for i, f := range firings {
		if f.TokenID != uint64(i+1) {
			t.Errorf("firing %d token = %d, append order lost", i, f.TokenID)
		}
	}

	edges, err := store.GenealogyEdges(ctx)
	if err != nil {
		t.Fatalf("read genealogy: %v", err)
	}
	if len(edges) != 1 || edges[0].ChildID != gen.ChildID || edges[0].Branch != 2 {
		t.Errorf("edges = %+v", edges)
	}

	joins, err := store.JoinRecords(ctx)
	if err != nil {
		t.Fatalf("read joins: %v", err)
	}
	if len(joins) != 1 {
		t.Fatalf("joins = %d", len(joins))
	}
	got := joins[0]
	if got.Status != JoinComplete || got.Expected != 2 || len(got.Observed) != 2 {
		t.Errorf("join = %+v", got)
	}
	if got.Deadline == nil || !got.Deadline.Equal(deadline) {
		t.Errorf("join deadline = %v", got.Deadline)
	}
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.db")
	ctx := context.Background()

	store, err := NewBoltStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.AppendFiring(ctx, firing(7)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store, err = NewBoltStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	firings, err := store.Firings(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(firings) != 1 || firings[0].TokenID != 7 {
		t.Errorf("firings after reopen = %+v", firings)
	}
}

func TestTransitionNames(t *testing.T) {
	if got := IngressTransition("assess"); got != "T_in_assess" {
		t.Errorf("IngressTransition = %q", got)
	}
	if got := EgressTransition("assess"); got != "T_out_assess" {
		t.Errorf("EgressTransition = %q", got)
	}
	if got := JoinTransition("merge"); got != "T_join_merge" {
		t.Errorf("JoinTransition = %q", got)
	}
}
