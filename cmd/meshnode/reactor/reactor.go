// Package reactor is the token ingress of a control node. It decodes
// arriving datagrams, enforces admission (deadline, active rule base,
// canonical queue admission), hands join siblings to the coordinator and
// everything else to the scheduler, and runs the deadline sweep.
package reactor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/praxisworks/meshflow/cmd/meshnode/joiner"
	"github.com/praxisworks/meshflow/cmd/meshnode/scheduler"
	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/metrics"
	"github.com/praxisworks/meshflow/common/payload"
	"github.com/praxisworks/meshflow/common/rulebase"
	"github.com/praxisworks/meshflow/common/token"
	"github.com/praxisworks/meshflow/common/transport"
)

// Config carries the reactor's admission policy.
type Config struct {
	Service    string
	Operation  string
	Grace      time.Duration // how long tokens wait for their rule base
	SweepEvery time.Duration
}

type parkedToken struct {
	tok   *token.Token
	doc   *payload.Document
	until time.Time
}

// Reactor owns the token ingress socket and the deadline sweep.
type Reactor struct {
	cfg      Config
	store    *rulebase.Store
	engine   *rulebase.Engine
	sched    *scheduler.Scheduler
	joins    *joiner.Coordinator
	sink     *capture.Sink
	log      *logger.Logger
	listener *transport.Listener

	mu     sync.Mutex
	parked map[token.Version][]parkedToken

	fatal chan error
	now   func() time.Time
}

// New binds the ingress socket immediately.
func New(addr string, cfg Config, store *rulebase.Store, engine *rulebase.Engine, sched *scheduler.Scheduler, joins *joiner.Coordinator, sink *capture.Sink, log *logger.Logger) (*Reactor, error) {
	l, err := transport.NewListener(addr, log)
	if err != nil {
		return nil, err
	}
	return &Reactor{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		sched:    sched,
		joins:    joins,
		sink:     sink,
		log:      log,
		listener: l,
		parked:   make(map[token.Version][]parkedToken),
		fatal:    make(chan error, 1),
		now:      time.Now,
	}, nil
}

// Addr returns the bound token ingress address.
func (r *Reactor) Addr() net.Addr {
	return r.listener.Addr()
}

// Run serves ingress datagrams and the periodic sweep until ctx is
// cancelled or a coordination fault surfaces.
func (r *Reactor) Run(ctx context.Context) error {
	r.log.Info("token ingress listening", "addr", r.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.listener.Serve(ctx, r.handle) }()

	ticker := time.NewTicker(r.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-serveErr:
			return err
		case err := <-r.fatal:
			return err
		case <-ticker.C:
			r.sweep(r.now())
		}
	}
}

func (r *Reactor) handle(data []byte, _ net.Addr) {
	now := r.now()
	doc, err := payload.Decode(data)
	if err != nil {
		r.divertRaw(err, now)
		return
	}
	tok, err := doc.Token()
	if err != nil {
		r.divertRaw(err, now)
		return
	}
	doc.AppendMonitor(payload.MonitorEntry{
		Node:       r.cfg.Service + "/" + r.cfg.Operation,
		ReceivedAt: payload.Millis(now),
	})
	r.admit(tok, doc, now)
}

// admit runs the admission checks and routes the token to the join
// coordinator or the scheduler. Both paths count as admission and fire the
// ingress transition.
func (r *Reactor) admit(tok *token.Token, doc *payload.Document, now time.Time) {
	if tok.Service != r.cfg.Service || tok.Operation != r.cfg.Operation {
		r.divert(tok, fault.Newf(fault.KindMalformedPayload, "payload addressed to %s/%s arrived at %s/%s", tok.Service, tok.Operation, r.cfg.Service, r.cfg.Operation), now)
		return
	}
	if tok.ExpiredAt(now) {
		r.divert(tok, fault.Newf(fault.KindExpired, "token %d arrived at or past its deadline", tok.ID), now)
		return
	}
	if !r.store.IsActive(tok.Version) {
		r.park(tok, doc, now)
		return
	}

	nt, err := r.engine.NodeType(r.cfg.Service, r.cfg.Operation, tok.Version)
	if err != nil {
		r.divert(tok, err, now)
		return
	}
	if nt == rulebase.NodeJoin && !tok.Continuation {
		if err := r.joins.Observe(tok); err != nil {
			if fault.IsKind(err, fault.KindCoordination) {
				r.raise(err)
			} else {
				r.divert(tok, err, now)
			}
			return
		}
		r.admitted(tok, now)
		return
	}

	entry := &scheduler.Entry{Token: tok, Doc: doc, Admitted: now}
	if err := r.sched.Enqueue(entry); err != nil {
		r.divert(tok, err, now)
		return
	}
	r.admitted(tok, now)
}

func (r *Reactor) admitted(tok *token.Token, now time.Time) {
	metrics.TokensAdmitted.Inc()
	metrics.Firings.WithLabelValues(capture.TypeIngress).Inc()
	r.sink.Firing(&capture.Firing{
		Timestamp:    now,
		TransitionID: capture.IngressTransition(r.cfg.Operation),
		Type:         capture.TypeIngress,
		TokenID:      tok.ID,
		WorkflowBase: tok.Base,
		Version:      string(tok.Version),
		Service:      r.cfg.Service,
		Operation:    r.cfg.Operation,
	})
}

// park holds a token whose rule base has not activated yet. The sweep
// diverts it if the grace window closes first.
func (r *Reactor) park(tok *token.Token, doc *payload.Document, now time.Time) {
	r.mu.Lock()
	r.parked[tok.Version] = append(r.parked[tok.Version], parkedToken{
		tok:   tok,
		doc:   doc,
		until: now.Add(r.cfg.Grace),
	})
	total := r.parkedLocked()
	r.mu.Unlock()

	metrics.TokensParked.Set(float64(total))
	r.log.WithToken(tok.ID).Info("token parked awaiting rule base",
		"version", string(tok.Version),
		"grace", r.cfg.Grace,
	)
}

// NotifyActivation re-admits tokens parked for a version that just became
// active. The distribution agent calls it after commit.
func (r *Reactor) NotifyActivation(version token.Version) {
	r.mu.Lock()
	waiting := r.parked[version]
	delete(r.parked, version)
	total := r.parkedLocked()
	r.mu.Unlock()

	metrics.TokensParked.Set(float64(total))
	if len(waiting) == 0 {
		return
	}
	r.log.Info("re-admitting parked tokens", "version", string(version), "count", len(waiting))
	now := r.now()
	for _, p := range waiting {
		r.admit(p.tok, p.doc, now)
	}
}

// Parked returns the number of tokens waiting for a rule base.
func (r *Reactor) Parked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parkedLocked()
}

func (r *Reactor) parkedLocked() int {
	n := 0
	for _, list := range r.parked {
		n += len(list)
	}
	return n
}

// sweep diverts queued tokens past their deadline, expires overdue join
// records, and evicts parked tokens whose grace window closed. Parked tokens
// whose version activated in the meantime are re-admitted, not evicted.
func (r *Reactor) sweep(now time.Time) {
	for _, e := range r.sched.SweepExpired(now) {
		r.divert(e.Token, fault.Newf(fault.KindExpired, "token %d passed its deadline while queued", e.Token.ID), now)
	}
	r.joins.SweepExpired(now)

	r.mu.Lock()
	var evicted, readmit []parkedToken
	for version, list := range r.parked {
		// The version may have committed without the activation callback
		// reaching us. Re-admit instead of evicting in that case.
		if r.store.IsActive(version) {
			readmit = append(readmit, list...)
			delete(r.parked, version)
			continue
		}
		kept := list[:0]
		for _, p := range list {
			if now.Before(p.until) && !p.tok.ExpiredAt(now) {
				kept = append(kept, p)
			} else {
				evicted = append(evicted, p)
			}
		}
		if len(kept) == 0 {
			delete(r.parked, version)
		} else {
			r.parked[version] = kept
		}
	}
	total := r.parkedLocked()
	r.mu.Unlock()

	metrics.TokensParked.Set(float64(total))
	for _, p := range readmit {
		r.admit(p.tok, p.doc, now)
	}
	for _, p := range evicted {
		if p.tok.ExpiredAt(now) {
			r.divert(p.tok, fault.Newf(fault.KindExpired, "token %d passed its deadline while parked", p.tok.ID), now)
			continue
		}
		r.divert(p.tok, fault.Newf(fault.KindRuleBaseNotActive, "rule base %s did not activate within the grace window", p.tok.Version), now)
	}
}

func (r *Reactor) divert(tok *token.Token, cause error, now time.Time) {
	kind := fault.KindOf(cause)
	metrics.TokensDiverted.WithLabelValues(kind.String()).Inc()
	r.log.WithToken(tok.ID).Warn("token diverted at ingress",
		"reason", kind.String(),
		"error", cause,
	)
	r.sink.Firing(&capture.Firing{
		Timestamp:    now,
		TransitionID: capture.IngressTransition(r.cfg.Operation),
		Type:         capture.TypeDiverted,
		TokenID:      tok.ID,
		WorkflowBase: tok.Base,
		Version:      string(tok.Version),
		Service:      r.cfg.Service,
		Operation:    r.cfg.Operation,
		Outcome:      kind.String(),
		Detail:       cause.Error(),
	})
}

// divertRaw records a datagram that never became a token.
func (r *Reactor) divertRaw(cause error, now time.Time) {
	kind := fault.KindOf(cause)
	metrics.TokensDiverted.WithLabelValues(kind.String()).Inc()
	r.log.Warn("undecodable ingress datagram", "reason", kind.String(), "error", cause)
	r.sink.Firing(&capture.Firing{
		Timestamp:    now,
		TransitionID: capture.IngressTransition(r.cfg.Operation),
		Type:         capture.TypeDiverted,
		Service:      r.cfg.Service,
		Operation:    r.cfg.Operation,
		Outcome:      kind.String(),
		Detail:       cause.Error(),
	})
}

func (r *Reactor) raise(err error) {
	select {
	case r.fatal <- err:
	default:
	}
}
