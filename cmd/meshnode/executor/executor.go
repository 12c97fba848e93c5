// Package executor runs the single service worker of a control node. One
// goroutine drains the scheduler, so canonical bindings are enforced without
// interleaving: at most one invocation of the node's operation is in flight.
package executor

import (
	"context"
	"time"

	"github.com/praxisworks/meshflow/cmd/meshnode/invoker"
	"github.com/praxisworks/meshflow/cmd/meshnode/scheduler"
	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/metrics"
	"github.com/praxisworks/meshflow/common/payload"
	"github.com/praxisworks/meshflow/common/rulebase"
	"github.com/praxisworks/meshflow/common/token"
)

// Publisher routes a finished token onward. The payload document is the
// ingress carrier; the publisher derives outbound payloads from it so the
// accumulated monitor entries survive the hop. An error return is a fault
// to divert; coordination faults are fatal for the node.
type Publisher interface {
	Publish(ctx context.Context, t *token.Token, doc *payload.Document) error
}

// Config carries the worker's retry policy.
type Config struct {
	RetryCap   int
	RetryDelay time.Duration
}

// Executor drains the scheduler, invokes the service and hands results to
// the publisher.
type Executor struct {
	sched  *scheduler.Scheduler
	engine *rulebase.Engine
	inv    invoker.Invoker
	pub    Publisher
	sink   *capture.Sink
	log    *logger.Logger
	cfg    Config

	now func() time.Time
}

func New(sched *scheduler.Scheduler, engine *rulebase.Engine, inv invoker.Invoker, pub Publisher, sink *capture.Sink, cfg Config, log *logger.Logger) *Executor {
	return &Executor{
		sched:  sched,
		engine: engine,
		inv:    inv,
		pub:    pub,
		sink:   sink,
		log:    log,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run consumes the scheduler until ctx is cancelled or a fatal coordination
// fault surfaces.
func (e *Executor) Run(ctx context.Context) error {
	for {
		entry, err := e.sched.Dequeue(ctx)
		if err != nil {
			return err
		}
		if err := e.Process(ctx, entry); err != nil {
			return err
		}
	}
}

// Process handles one dequeued entry. Only fatal faults are returned;
// everything else ends in a diversion.
func (e *Executor) Process(ctx context.Context, entry *scheduler.Entry) error {
	t := entry.Token
	doc := entry.Doc
	node := t.Service + "/" + t.Operation
	doc.Stamp(node, func(m *payload.MonitorEntry) { m.DispatchedAt = payload.Millis(e.now()) })

	// Continuations carry the min-merged deadline of their branches, so
	// they pass through the same gate as ordinary tokens.
	if t.ExpiredAt(e.now()) {
		e.divert(t, fault.New(fault.KindExpired, "deadline passed before dispatch"))
		return nil
	}

	if t.Continuation {
		// The branches already did the work; a continuation only needs
		// routing under the parent's identity.
		return e.publish(ctx, t, doc)
	}

	bindings, err := e.engine.CanonicalBindings(t.Operation, t.Version)
	if err != nil {
		e.divert(t, err)
		return nil
	}
	input, err := requiredInput(t, bindings)
	if err != nil {
		e.divert(t, err)
		return nil
	}

	// The service sees only the attributes its bindings declare required.
	call := t.Clone()
	call.Attrs = input
	produced, err := e.invokeWithRetry(ctx, call)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.divert(t, err)
		return nil
	}

	// A result that lands after the deadline is discarded, not published.
	if t.ExpiredAt(e.now()) {
		e.divert(t, fault.New(fault.KindExpired, "service result arrived after deadline"))
		return nil
	}
	doc.Stamp(node, func(m *payload.MonitorEntry) { m.CompletedAt = payload.Millis(e.now()) })

	if err := applyProduced(t, bindings, produced); err != nil {
		e.divert(t, err)
		return nil
	}
	return e.publish(ctx, t, doc)
}

func (e *Executor) publish(ctx context.Context, t *token.Token, doc *payload.Document) error {
	if err := e.pub.Publish(ctx, t, doc); err != nil {
		if fault.IsKind(err, fault.KindCoordination) {
			return err
		}
		e.divert(t, err)
	}
	return nil
}

// requiredInput restricts the token's attributes to the ones the
// operation's bindings declare required. A missing required attribute is a
// BindingViolation.
func requiredInput(t *token.Token, bindings []rulebase.CanonicalBinding) (map[string]string, error) {
	input := make(map[string]string, len(bindings))
	for _, b := range bindings {
		if b.Required == rulebase.AttrNone {
			continue
		}
		v, ok := t.Attrs[b.Required]
		if !ok {
			return nil, fault.Newf(fault.KindBindingViolation, "operation %s requires attribute %q, token %d does not carry it", t.Operation, b.Required, t.ID)
		}
		input[b.Required] = v
	}
	return input, nil
}

// applyProduced replaces the token's attribute space with the service
// result. Every returned attribute must be inside the declared produced
// set; produced attributes inherit the token's effective deadline. An
// operation with no bindings is a pass-through and leaves the attributes
// untouched.
func applyProduced(t *token.Token, bindings []rulebase.CanonicalBinding, produced map[string]string) error {
	if len(bindings) == 0 {
		if len(produced) > 0 {
			return fault.Newf(fault.KindBindingViolation, "pass-through operation %s received %d produced attributes", t.Operation, len(produced))
		}
		return nil
	}

	declared := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if b.Produced != rulebase.AttrNone {
			declared[b.Produced] = true
		}
	}
	for name := range produced {
		if !declared[name] {
			return fault.Newf(fault.KindBindingViolation, "service returned attribute %q outside the produced set of %s", name, t.Operation)
		}
	}

	deadline, bounded := t.Deadline()
	t.Attrs = make(map[string]string, len(produced))
	t.NotAfter = make(map[string]time.Time, len(produced))
	for name, value := range produced {
		t.Attrs[name] = value
		if bounded {
			t.NotAfter[name] = deadline
		}
	}
	return nil
}

func (e *Executor) invokeWithRetry(ctx context.Context, t *token.Token) (map[string]string, error) {
	delay := e.cfg.RetryDelay
	for attempt := 0; ; attempt++ {
		start := e.now()
		produced, err := e.inv.Invoke(ctx, t)
		metrics.ServiceLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.ServiceInvocations.WithLabelValues("ok").Inc()
			return produced, nil
		}
		if !fault.IsKind(err, fault.KindTransient) || attempt >= e.cfg.RetryCap {
			metrics.ServiceInvocations.WithLabelValues("failed").Inc()
			return nil, err
		}
		metrics.ServiceRetries.Inc()
		e.log.Warn("transient service failure, retrying",
			"token_id", t.ID,
			"attempt", attempt+1,
			"retry_cap", e.cfg.RetryCap,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if t.ExpiredAt(e.now()) {
			return nil, fault.New(fault.KindExpired, "deadline passed while waiting to retry")
		}
	}
}

func (e *Executor) divert(t *token.Token, cause error) {
	kind := fault.KindOf(cause)
	metrics.TokensDiverted.WithLabelValues(kind.String()).Inc()
	e.log.Warn("token diverted",
		"token_id", t.ID,
		"reason", kind.String(),
		"error", cause,
	)
	e.sink.Firing(&capture.Firing{
		Timestamp:    e.now(),
		TransitionID: capture.EgressTransition(t.Operation),
		Type:         capture.TypeDiverted,
		TokenID:      t.ID,
		WorkflowBase: t.Base,
		Version:      string(t.Version),
		Service:      t.Service,
		Operation:    t.Operation,
		Outcome:      kind.String(),
		Detail:       cause.Error(),
	})
}
