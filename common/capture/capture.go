// Package capture implements the append-only journal of a control node:
// transition firings, fork genealogy edges, and join synchronization rows,
// buffered through a bounded sink that never blocks the dispatch path.
package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/metrics"
)

// Firing types.
const (
	TypeIngress   = "ingress"
	TypeEgress    = "egress"
	TypeTerminate = "terminate"
	TypeDiverted  = "diverted"
	TypeOverflow  = "overflow"
)

// Join record statuses.
const (
	JoinWaiting  = "waiting"
	JoinComplete = "complete"
	JoinExpired  = "expired"
)

// OverflowMarker is the transition id of the synthetic record written after
// a burst of dropped journal entries.
const OverflowMarker = "CAPTURE_OVERFLOW"

// TerminateTransition is the transition id of the retirement record written
// after the final egress of a token.
const TerminateTransition = "TERMINATE"

// IngressTransition names the admission firing of an operation.
func IngressTransition(operation string) string { return "T_in_" + operation }

// EgressTransition names the publish firing of an operation.
func EgressTransition(operation string) string { return "T_out_" + operation }

// JoinTransition names the synchronization firing of an operation.
func JoinTransition(operation string) string { return "T_join_" + operation }

// Firing is one journal row: a token moved through a transition.
type Firing struct {
	Timestamp    time.Time `json:"timestamp"`
	TransitionID string    `json:"transition_id"`
	Type         string    `json:"type"`
	TokenID      uint64    `json:"token_id"`
	WorkflowBase uint64    `json:"workflow_base"`
	Version      string    `json:"rule_base_version"`
	Service      string    `json:"service"`
	Operation    string    `json:"operation"`
	Target       string    `json:"target,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	Dropped      uint64    `json:"dropped,omitempty"`
}

// Genealogy is one parent-to-child edge written at fork time.
type Genealogy struct {
	Timestamp        time.Time `json:"timestamp"`
	ParentID         uint64    `json:"parent_id"`
	ChildID          uint64    `json:"child_id"`
	Branch           int       `json:"branch"`
	JoinCount        int       `json:"join_count"`
	ForkTransitionID string    `json:"fork_transition_id"`
	WorkflowBase     uint64    `json:"workflow_base"`
	Version          string    `json:"rule_base_version"`
}

// JoinSync is the lifecycle row of one join record. A row is written on
// every state change; the last row for a RecordID is authoritative.
type JoinSync struct {
	Timestamp        time.Time  `json:"timestamp"`
	JoinTransitionID string     `json:"join_transition_id"`
	RecordID         string     `json:"record_id"`
	ParentID         uint64     `json:"parent_id"`
	WorkflowBase     uint64     `json:"workflow_base"`
	Version          string     `json:"rule_base_version"`
	Expected         int        `json:"expected"`
	Observed         []uint64   `json:"observed"`
	Status           string     `json:"status"`
	ContinuationID   uint64     `json:"continuation_id,omitempty"`
	Deadline         *time.Time `json:"deadline,omitempty"`
}

// Appender is the write side of a journal backend.
type Appender interface {
	AppendFiring(ctx context.Context, f *Firing) error
	AppendGenealogy(ctx context.Context, g *Genealogy) error
	AppendJoin(ctx context.Context, j *JoinSync) error
	Close() error
}

// Reader is the read side, used by the offline journal analyzer.
type Reader interface {
	Firings(ctx context.Context) ([]Firing, error)
	GenealogyEdges(ctx context.Context) ([]Genealogy, error)
	JoinRecords(ctx context.Context) ([]JoinSync, error)
}

// Logger interface for logging
type Logger interface {
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Stats is a point-in-time snapshot of the sink for the admin surface.
type Stats struct {
	Appended uint64 `json:"appended"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}

type entry struct {
	firing    *Firing
	genealogy *Genealogy
	join      *JoinSync
}

// Sink decouples the dispatch path from the journal backend. Writes go
// through a bounded buffer; when the buffer is full the entry is dropped
// and the next drained entry is preceded by one overflow marker carrying
// the drop count for the burst. The dispatch path never blocks on capture.
type Sink struct {
	app Appender
	log Logger

	ch      chan entry
	done    chan struct{}
	stopped chan struct{}

	pendingDrops atomic.Uint64
	appended     atomic.Uint64
	dropped      atomic.Uint64

	closeOnce sync.Once
	now       func() time.Time
}

// NewSink starts the drain goroutine over a backend. Size is the bounded
// buffer capacity.
func NewSink(app Appender, size int, log Logger) *Sink {
	if size < 1 {
		size = 1
	}
	s := &Sink{
		app:     app,
		log:     log,
		ch:      make(chan entry, size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
	}
	go s.run()
	return s
}

// Firing journals a transition firing without blocking.
func (s *Sink) Firing(f *Firing) {
	s.offer(entry{firing: f})
}

// Genealogy journals a fork edge without blocking.
func (s *Sink) Genealogy(g *Genealogy) {
	s.offer(entry{genealogy: g})
}

// Join journals a join record state without blocking.
func (s *Sink) Join(j *JoinSync) {
	s.offer(entry{join: j})
}

func (s *Sink) offer(e entry) {
	select {
	case <-s.done:
		s.dropped.Add(1)
		metrics.CaptureDropped.Inc()
		return
	default:
	}
	select {
	case s.ch <- e:
	default:
		s.pendingDrops.Add(1)
		s.dropped.Add(1)
		metrics.CaptureDropped.Inc()
	}
}

// Stats reports sink counters.
func (s *Sink) Stats() Stats {
	return Stats{
		Appended: s.appended.Load(),
		Dropped:  s.dropped.Load(),
		Depth:    len(s.ch),
		Capacity: cap(s.ch),
	}
}

// Close drains the buffer, flushes any trailing overflow marker, and closes
// the backend. Concurrent writers after Close see their entries dropped.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.stopped
	return s.app.Close()
}

func (s *Sink) run() {
	defer close(s.stopped)
	for {
		select {
		case e := <-s.ch:
			s.write(e)
		case <-s.done:
			for {
				select {
				case e := <-s.ch:
					s.write(e)
				default:
					s.flushDropMarker()
					return
				}
			}
		}
	}
}

func (s *Sink) write(e entry) {
	s.flushDropMarker()
	ctx := context.Background()
	var err error
	switch {
	case e.firing != nil:
		err = s.app.AppendFiring(ctx, e.firing)
	case e.genealogy != nil:
		err = s.app.AppendGenealogy(ctx, e.genealogy)
	case e.join != nil:
		err = s.app.AppendJoin(ctx, e.join)
	}
	if err != nil {
		s.dropped.Add(1)
		metrics.CaptureDropped.Inc()
		s.log.Error("capture append failed", "error", err)
		return
	}
	s.appended.Add(1)
}

// flushDropMarker writes one overflow marker covering every entry dropped
// since the previous successfully drained entry.
func (s *Sink) flushDropMarker() {
	n := s.pendingDrops.Swap(0)
	if n == 0 {
		return
	}
	marker := &Firing{
		Timestamp:    s.now(),
		TransitionID: OverflowMarker,
		Type:         TypeOverflow,
		Outcome:      fault.KindCaptureOverflow.String(),
		Dropped:      n,
	}
	if err := s.app.AppendFiring(context.Background(), marker); err != nil {
		s.log.Error("capture overflow marker append failed", "dropped", n, "error", err)
		return
	}
	s.appended.Add(1)
	s.log.Warn("capture buffer overflowed", "dropped", n)
}

// Nop is the backend for CAPTURE_BACKEND=none.
type Nop struct{}

func (Nop) AppendFiring(context.Context, *Firing) error       { return nil }
func (Nop) AppendGenealogy(context.Context, *Genealogy) error { return nil }
func (Nop) AppendJoin(context.Context, *JoinSync) error       { return nil }
func (Nop) Close() error                                      { return nil }
