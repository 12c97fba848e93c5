package scheduler_test

import (
	"context"
	"testing"
	"time"

	"github.com/praxisworks/meshflow/cmd/meshnode/scheduler"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/token"
)

// The dispatch queue sits between the ingress reactor and the service
// worker, so every admitted token pays its cost twice. These benchmarks
// keep the queue depth constant per iteration; the band counts bracket
// what a node sees during a rolling version upgrade.
//
// Usage:
//
//	go test -bench=. -benchmem ./perf_tests/scheduler/

func benchEntry(version int, n uint64) *scheduler.Entry {
	v := token.VersionFor(version)
	base, _ := v.Base()
	return &scheduler.Entry{
		Token: &token.Token{
			ID:        token.RootID(base, n),
			Version:   v,
			Base:      base,
			Service:   "intake",
			Operation: "register",
		},
		Admitted: time.Now(),
	}
}

func BenchmarkEnqueueDequeue(b *testing.B) {
	s := scheduler.New(1<<20, logger.New("error", "text"))
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := s.Enqueue(benchEntry(1, uint64(i%500))); err != nil {
			b.Fatalf("Enqueue: %v", err)
		}
		if _, err := s.Dequeue(ctx); err != nil {
			b.Fatalf("Dequeue: %v", err)
		}
	}
}

// Parked tokens in higher bands never drain here: dequeue always pops the
// lowest band first, so the round trip below measures band lookup with a
// populated band list rather than an empty one.
func BenchmarkEnqueueDequeueAcrossBands(b *testing.B) {
	s := scheduler.New(1<<20, logger.New("error", "text"))
	ctx := context.Background()
	for v := 2; v <= 9; v++ {
		if err := s.Enqueue(benchEntry(v, 1)); err != nil {
			b.Fatalf("Enqueue: %v", err)
		}
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := s.Enqueue(benchEntry(1, uint64(i%500))); err != nil {
			b.Fatalf("Enqueue: %v", err)
		}
		e, err := s.Dequeue(ctx)
		if err != nil {
			b.Fatalf("Dequeue: %v", err)
		}
		if e.Token.Version != "v001" {
			b.Fatalf("dequeued %s, want v001", e.Token.Version)
		}
	}
}

func BenchmarkPromote(b *testing.B) {
	s := scheduler.New(1<<20, logger.New("error", "text"))
	ctx := context.Background()
	for i := 0; i < 256; i++ {
		if err := s.Enqueue(benchEntry(1, uint64(i))); err != nil {
			b.Fatalf("Enqueue: %v", err)
		}
	}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		cont := benchEntry(1, 999)
		cont.Token.Continuation = true
		if err := s.Promote(cont); err != nil {
			b.Fatalf("Promote: %v", err)
		}
		e, err := s.Dequeue(ctx)
		if err != nil {
			b.Fatalf("Dequeue: %v", err)
		}
		if !e.Promoted {
			b.Fatalf("dequeued ordinary token ahead of a continuation")
		}
	}
}

// BenchmarkSweepSteadyState measures the deadline sweep over a full queue
// where nothing has expired, which is the cost every sweep tick pays.
func BenchmarkSweepSteadyState(b *testing.B) {
	s := scheduler.New(1<<20, logger.New("error", "text"))
	for v := 1; v <= 4; v++ {
		for i := 0; i < 256; i++ {
			if err := s.Enqueue(benchEntry(v, uint64(i))); err != nil {
				b.Fatalf("Enqueue: %v", err)
			}
		}
	}
	now := time.Now()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if expired := s.SweepExpired(now); len(expired) != 0 {
			b.Fatalf("swept %d tokens from a deadline-free queue", len(expired))
		}
	}
}
