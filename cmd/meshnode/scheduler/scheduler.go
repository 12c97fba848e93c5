// Package scheduler implements the two-level dispatch queue of a control
// node: tokens are banded by rule-base version, bands drain in ascending
// version order, and arrival order is preserved inside a band.
package scheduler

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/metrics"
	"github.com/praxisworks/meshflow/common/payload"
	"github.com/praxisworks/meshflow/common/token"
)

// Entry is one admitted token waiting for the service worker.
type Entry struct {
	Token    *token.Token
	Doc      *payload.Document
	Admitted time.Time
	// Promoted marks a join continuation placed at the head of its band.
	Promoted bool
}

type band struct {
	version token.Version
	number  int
	fifo    *list.List
}

// BandStatus describes one version band for the admin surface.
type BandStatus struct {
	Version token.Version `json:"version"`
	Depth   int           `json:"depth"`
}

// Scheduler is the dispatch queue. One worker drains it; the reactor, the
// join coordinator, and the deadline sweep mutate it.
type Scheduler struct {
	log           *logger.Logger
	highWatermark int

	mu    sync.Mutex
	bands []*band
	size  int
	peak  int
	wake  chan struct{}
}

// New creates an empty scheduler bounded at highWatermark queued tokens.
func New(highWatermark int, log *logger.Logger) *Scheduler {
	return &Scheduler{
		log:           log,
		highWatermark: highWatermark,
		wake:          make(chan struct{}),
	}
}

// Enqueue appends a token to the tail of its version band. At the high
// watermark new tokens are refused so ingress backpressure reaches the
// sender instead of growing the heap.
func (s *Scheduler) Enqueue(e *Entry) error {
	number, err := e.Token.Version.Number()
	if err != nil {
		return fault.Wrap(fault.KindMalformedPayload, err, "version band")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size >= s.highWatermark {
		metrics.QueueShed.Inc()
		return fault.Newf(fault.KindTransient, "queue at high watermark %d", s.highWatermark)
	}
	s.bandFor(e.Token.Version, number).fifo.PushBack(e)
	s.grewLocked()
	return nil
}

// Promote places a join continuation at the head of its version band so the
// merged token is dispatched before ordinary arrivals of the same version.
// Continuations are exempt from the watermark: refusing one would strand a
// completed join.
func (s *Scheduler) Promote(e *Entry) error {
	number, err := e.Token.Version.Number()
	if err != nil {
		return fault.Wrap(fault.KindMalformedPayload, err, "version band")
	}
	e.Promoted = true

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bandFor(e.Token.Version, number).fifo.PushFront(e)
	s.grewLocked()
	return nil
}

// Dequeue blocks until a token is available or the context ends. Bands are
// drained in ascending version order, FIFO within a band.
func (s *Scheduler) Dequeue(ctx context.Context) (*Entry, error) {
	for {
		s.mu.Lock()
		if e := s.popLocked(); e != nil {
			s.mu.Unlock()
			metrics.DispatchLatency.Observe(time.Since(e.Admitted).Seconds())
			return e, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// SweepExpired removes every queued token whose deadline has passed and
// returns them for diversion. Runs on a timer so expired work never reaches
// the service.
func (s *Scheduler) SweepExpired(now time.Time) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Entry
	kept := s.bands[:0]
	for _, b := range s.bands {
		for el := b.fifo.Front(); el != nil; {
			next := el.Next()
			e := el.Value.(*Entry)
			if e.Token.ExpiredAt(now) {
				b.fifo.Remove(el)
				s.size--
				expired = append(expired, e)
			}
			el = next
		}
		if b.fifo.Len() > 0 {
			kept = append(kept, b)
		}
	}
	s.bands = kept
	metrics.QueueDepth.Set(float64(s.size))
	return expired
}

// Depth returns the total number of queued tokens.
func (s *Scheduler) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Peak returns the highest depth observed since start.
func (s *Scheduler) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Snapshot lists the bands in drain order for the admin surface.
func (s *Scheduler) Snapshot() []BandStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BandStatus, 0, len(s.bands))
	for _, b := range s.bands {
		out = append(out, BandStatus{Version: b.version, Depth: b.fifo.Len()})
	}
	return out
}

func (s *Scheduler) bandFor(version token.Version, number int) *band {
	i := sort.Search(len(s.bands), func(i int) bool { return s.bands[i].number >= number })
	if i < len(s.bands) && s.bands[i].number == number {
		return s.bands[i]
	}
	b := &band{version: version, number: number, fifo: list.New()}
	s.bands = append(s.bands, nil)
	copy(s.bands[i+1:], s.bands[i:])
	s.bands[i] = b
	return b
}

func (s *Scheduler) grewLocked() {
	s.size++
	if s.size > s.peak {
		s.peak = s.size
	}
	metrics.QueueDepth.Set(float64(s.size))
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Scheduler) popLocked() *Entry {
	for len(s.bands) > 0 {
		b := s.bands[0]
		el := b.fifo.Front()
		if el == nil {
			s.bands = s.bands[1:]
			continue
		}
		b.fifo.Remove(el)
		if b.fifo.Len() == 0 {
			s.bands = s.bands[1:]
		}
		s.size--
		metrics.QueueDepth.Set(float64(s.size))
		return el.Value.(*Entry)
	}
	return nil
}
