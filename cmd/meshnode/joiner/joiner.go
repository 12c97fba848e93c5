// Package joiner implements the synchronization side of fork/join: sibling
// tokens arriving at a join node are consumed into a join record, and the
// final arrival emits a promoted continuation carrying the parent identity
// and the merged attribute space.
package joiner

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/meshflow/cmd/meshnode/scheduler"
	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/metrics"
	"github.com/praxisworks/meshflow/common/payload"
	"github.com/praxisworks/meshflow/common/token"
)

// terminalRetention is how long a completed or expired record lingers as a
// tombstone, so stragglers and redeliveries resolve against the record's
// outcome instead of opening a fresh one.
const terminalRetention = time.Hour

// Promoter places a continuation at the head of its version band.
type Promoter interface {
	Promote(e *scheduler.Entry) error
}

type record struct {
	id       uuid.UUID
	parent   uint64
	base     uint64
	version  token.Version
	expected int
	observed map[int]*token.Token
	merged   map[string]string
	notAfter map[string]time.Time

	deadline    time.Time
	deadlineSet bool
	created     time.Time

	status     string // capture.JoinWaiting, JoinComplete or JoinExpired
	terminalAt time.Time
}

// RecordStatus describes one waiting join record for the admin surface.
type RecordStatus struct {
	RecordID string     `json:"record_id"`
	Parent   uint64     `json:"parent_id"`
	Expected int        `json:"expected"`
	Observed []uint64   `json:"observed"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Created  time.Time  `json:"created"`
}

// Coordinator holds the join records of one control node.
type Coordinator struct {
	service   string
	operation string
	skew      time.Duration
	sched     Promoter
	sink      *capture.Sink
	log       *logger.Logger

	mu      sync.Mutex
	records map[uint64]*record
	now     func() time.Time
}

// New creates a coordinator. Skew widens deadline evaluation so a sibling
// delayed by clock drift between nodes is not expired prematurely.
func New(service, operation string, skew time.Duration, sched Promoter, sink *capture.Sink, log *logger.Logger) *Coordinator {
	return &Coordinator{
		service:   service,
		operation: operation,
		skew:      skew,
		sched:     sched,
		sink:      sink,
		log:       log,
		records:   make(map[uint64]*record),
		now:       time.Now,
	}
}

// Observe consumes one sibling arrival. The token is not enqueued; it lives
// on only through the join record. A nil return means the sibling was
// absorbed, whether the record is still waiting or just completed. Arrivals
// that cannot belong to any join (no fork lineage, or an arity or version
// that disagrees with the open record) come back as malformed-payload faults
// so the caller diverts that one token.
func (c *Coordinator) Observe(t *token.Token) error {
	lin, ok := token.DecodeLineage(t.ID)
	if !ok {
		return fault.Newf(fault.KindMalformedPayload, "token %d has no fork lineage but arrived at a join node", t.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	rec, exists := c.records[lin.ParentID]
	if exists {
		switch rec.status {
		case capture.JoinComplete:
			// Redelivery of a sibling whose join already fired.
			c.log.Debug("sibling of completed join ignored", "token_id", t.ID, "record_id", rec.id.String())
			return nil
		case capture.JoinExpired:
			return fault.Newf(fault.KindExpired, "join record %s expired before sibling %d arrived", rec.id.String(), t.ID)
		}
	} else {
		rec = &record{
			id:       uuid.New(),
			parent:   lin.ParentID,
			base:     t.Base,
			version:  t.Version,
			expected: lin.JoinCount,
			observed: make(map[int]*token.Token, lin.JoinCount),
			merged:   make(map[string]string),
			notAfter: make(map[string]time.Time),
			created:  now,
			status:   capture.JoinWaiting,
		}
		c.records[lin.ParentID] = rec
	}

	if lin.JoinCount != rec.expected {
		return fault.Newf(fault.KindMalformedPayload, "sibling %d declares arity %d, record expects %d", t.ID, lin.JoinCount, rec.expected)
	}
	if t.Version != rec.version {
		return fault.Newf(fault.KindMalformedPayload, "sibling %d carries version %s, record holds %s", t.ID, t.Version, rec.version)
	}
	if _, seen := rec.observed[lin.Branch]; seen {
		// Redelivered sibling; observation is idempotent per branch.
		c.log.Debug("duplicate sibling ignored", "token_id", t.ID, "branch", lin.Branch)
		return nil
	}

	// Detect collisions before touching the record so a conflicting sibling
	// leaves it intact.
	for k, v := range t.Attrs {
		if existing, ok := rec.merged[k]; ok && existing != v {
			return fault.Newf(fault.KindBindingConflict, "attribute %q carries %q from an earlier branch, %q from token %d", k, existing, v, t.ID)
		}
	}
	for k, v := range t.Attrs {
		rec.merged[k] = v
		if na, ok := t.NotAfter[k]; ok {
			if prev, ok := rec.notAfter[k]; !ok || na.Before(prev) {
				rec.notAfter[k] = na
			}
		}
	}
	if d, ok := t.Deadline(); ok {
		if !rec.deadlineSet || d.Before(rec.deadline) {
			rec.deadline = d
			rec.deadlineSet = true
		}
	}
	rec.observed[lin.Branch] = t

	if len(rec.observed) < rec.expected {
		c.captureRecord(rec, 0, now)
		return nil
	}

	// Final sibling: emit the continuation under the parent's identity.
	rec.status = capture.JoinComplete
	rec.terminalAt = now
	cont := &token.Token{
		ID:           rec.parent,
		Version:      rec.version,
		Base:         rec.base,
		Service:      c.service,
		Operation:    c.operation,
		Attrs:        rec.merged,
		NotAfter:     rec.notAfter,
		Continuation: true,
	}
	c.captureRecord(rec, cont.ID, now)
	metrics.JoinsTotal.WithLabelValues(capture.JoinComplete).Inc()

	entry := &scheduler.Entry{
		Token:    cont,
		Doc:      payload.New(cont, now),
		Admitted: now,
	}
	if err := c.sched.Promote(entry); err != nil {
		return fault.Wrap(fault.KindCoordination, err, "failed to schedule continuation")
	}

	// The continuation is a fresh admission under the parent identity, so
	// it opens its own entry/exit pair in the journal.
	metrics.Firings.WithLabelValues(capture.TypeIngress).Inc()
	c.sink.Firing(&capture.Firing{
		Timestamp:    now,
		TransitionID: capture.IngressTransition(c.operation),
		Type:         capture.TypeIngress,
		TokenID:      cont.ID,
		WorkflowBase: cont.Base,
		Version:      string(cont.Version),
		Service:      c.service,
		Operation:    c.operation,
	})

	c.log.Info("join complete",
		"parent_id", rec.parent,
		"expected", rec.expected,
		"record_id", rec.id.String(),
	)
	return nil
}

// SweepExpired expires every waiting record whose deadline (plus skew
// tolerance) has passed, and prunes terminal tombstones past retention.
// Partially-observed joins end Expired here.
func (c *Coordinator) SweepExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for parent, rec := range c.records {
		if rec.status != capture.JoinWaiting {
			if now.Sub(rec.terminalAt) > terminalRetention {
				delete(c.records, parent)
			}
			continue
		}
		if !rec.deadlineSet || now.Before(rec.deadline.Add(c.skew)) {
			continue
		}
		rec.status = capture.JoinExpired
		rec.terminalAt = now
		c.captureRecord(rec, 0, now)
		metrics.JoinsTotal.WithLabelValues(capture.JoinExpired).Inc()
		c.log.Warn("join expired",
			"parent_id", rec.parent,
			"observed", len(rec.observed),
			"expected", rec.expected,
		)
		expired++
	}
	return expired
}

// Pending returns the number of waiting join records.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, rec := range c.records {
		if rec.status == capture.JoinWaiting {
			n++
		}
	}
	return n
}

// Snapshot lists waiting records ordered by parent id for the admin surface.
func (c *Coordinator) Snapshot() []RecordStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RecordStatus, 0, len(c.records))
	for _, rec := range c.records {
		if rec.status != capture.JoinWaiting {
			continue
		}
		st := RecordStatus{
			RecordID: rec.id.String(),
			Parent:   rec.parent,
			Expected: rec.expected,
			Observed: observedIDs(rec),
			Created:  rec.created,
		}
		if rec.deadlineSet {
			d := rec.deadline
			st.Deadline = &d
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Parent < out[j].Parent })
	return out
}

func (c *Coordinator) captureRecord(rec *record, continuationID uint64, now time.Time) {
	row := &capture.JoinSync{
		Timestamp:        now,
		JoinTransitionID: capture.JoinTransition(c.operation),
		RecordID:         rec.id.String(),
		ParentID:         rec.parent,
		WorkflowBase:     rec.base,
		Version:          string(rec.version),
		Expected:         rec.expected,
		Observed:         observedIDs(rec),
		Status:           rec.status,
		ContinuationID:   continuationID,
	}
	if rec.deadlineSet {
		d := rec.deadline
		row.Deadline = &d
	}
	c.sink.Join(row)
}

func observedIDs(rec *record) []uint64 {
	ids := make([]uint64, 0, len(rec.observed))
	for _, t := range rec.observed {
		ids = append(ids, t.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
