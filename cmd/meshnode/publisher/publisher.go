// Package publisher is the egress side of a control node: it turns a
// finished token into zero or more outbound datagrams according to the
// node's type and the active routing facts.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/metrics"
	"github.com/praxisworks/meshflow/common/payload"
	"github.com/praxisworks/meshflow/common/rulebase"
	"github.com/praxisworks/meshflow/common/token"
	"github.com/praxisworks/meshflow/common/transport"
)

// Publisher routes finished tokens onward over UDP. Faults are returned to
// the caller for diversion; only successful egress is recorded here.
type Publisher struct {
	service   string
	operation string
	engine    *rulebase.Engine
	send      transport.Sender
	sink      *capture.Sink
	log       *logger.Logger

	now func() time.Time
}

func New(service, operation string, engine *rulebase.Engine, send transport.Sender, sink *capture.Sink, log *logger.Logger) *Publisher {
	return &Publisher{
		service:   service,
		operation: operation,
		engine:    engine,
		send:      send,
		sink:      sink,
		log:       log,
		now:       time.Now,
	}
}

// Publish routes one token. The outbound payloads are derived from doc,
// the ingress carrier, so monitor entries accumulate across hops. The
// returned error is a fault for the caller to divert, except coordination
// faults, which are fatal.
func (p *Publisher) Publish(_ context.Context, t *token.Token, doc *payload.Document) error {
	nt, err := p.engine.NodeType(p.service, p.operation, t.Version)
	if err != nil {
		return err
	}

	if nt == rulebase.NodeJoin {
		if !t.Continuation {
			return fault.Newf(fault.KindCoordination, "unjoined token %d reached the publisher of a join node", t.ID)
		}
		// Continuation egress is plain routing of the merged token.
		nt = rulebase.NodePass
	}

	switch nt {
	case rulebase.NodeFork:
		return p.fork(t, doc)
	case rulebase.NodeGateway, rulebase.NodeDecision:
		return p.routeExclusive(t, doc)
	case rulebase.NodeMerge, rulebase.NodePass:
		return p.routeAll(t, doc)
	default:
		p.log.Warn("node type unknown, routing with pass semantics",
			"service", p.service,
			"operation", p.operation,
		)
		return p.routeAll(t, doc)
	}
}

// survivors applies guard filtering to the derived route targets, keeping
// their deterministic order.
func (p *Publisher) survivors(t *token.Token) ([]rulebase.Target, error) {
	targets, err := p.engine.RouteTargets(p.service, p.operation, t.Attrs, t.Version)
	if err != nil {
		return nil, err
	}
	kept := targets[:0]
	for _, tgt := range targets {
		allowed, err := p.engine.EdgeAllowed(p.service, p.operation, tgt, t.Attrs, t.Version)
		if err != nil {
			metrics.GuardEvaluations.WithLabelValues("error").Inc()
			return nil, err
		}
		if allowed {
			metrics.GuardEvaluations.WithLabelValues("allowed").Inc()
			kept = append(kept, tgt)
		} else {
			metrics.GuardEvaluations.WithLabelValues("blocked").Inc()
		}
	}
	return kept, nil
}

// dedupe collapses targets to one per destination operation. Route targets
// carry one entry per inducing attribute, and a token is sent to a
// destination once no matter how many attributes point there.
func dedupe(targets []rulebase.Target) []rulebase.Target {
	seen := make(map[string]bool, len(targets))
	out := targets[:0]
	for _, tgt := range targets {
		key := tgt.Service + "/" + tgt.Operation
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, tgt)
	}
	return out
}

func (p *Publisher) routeExclusive(t *token.Token, doc *payload.Document) error {
	kept, err := p.survivors(t)
	if err != nil {
		return err
	}
	kept = dedupe(kept)
	if len(kept) != 1 {
		return fault.Newf(fault.KindRoutingAmbiguous, "token %d resolved %d routes, exactly one required", t.ID, len(kept))
	}
	return p.emit(t, doc, kept[0])
}

func (p *Publisher) routeAll(t *token.Token, doc *payload.Document) error {
	kept, err := p.survivors(t)
	if err != nil {
		return err
	}
	kept = dedupe(kept)
	if len(kept) == 0 {
		p.terminate(t)
		return nil
	}
	var firstErr error
	for _, tgt := range kept {
		if err := p.emit(t, doc, tgt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fork sends one child per surviving target entry. Two entries naming the
// same destination are still two children; arity is the entry count.
func (p *Publisher) fork(t *token.Token, doc *payload.Document) error {
	kept, err := p.survivors(t)
	if err != nil {
		return err
	}
	switch n := len(kept); {
	case n == 0:
		p.terminate(t)
		return nil
	case n == 1:
		// A fork that degenerated to one branch behaves like a pass.
		p.log.Warn("fork resolved a single branch", "token_id", t.ID)
		return p.emit(t, doc, kept[0])
	case n > token.MaxForkArity:
		return fault.Newf(fault.KindCoordination, "fork arity %d exceeds the lineage encoding maximum %d", n, token.MaxForkArity)
	}

	now := p.now()
	n := len(kept)
	var firstErr error
	for i, tgt := range kept {
		branch := i + 1
		childID, err := token.ChildID(t.ID, n, branch)
		if err != nil {
			return fault.Wrap(fault.KindCoordination, err, "cannot encode fork child")
		}
		child := t.Clone()
		child.ID = childID
		// The edge is journaled even when the branch send fails, so the
		// analyzer can account for the missing sibling.
		p.sink.Genealogy(&capture.Genealogy{
			Timestamp:        now,
			ParentID:         t.ID,
			ChildID:          childID,
			Branch:           branch,
			JoinCount:        n,
			ForkTransitionID: capture.EgressTransition(p.operation),
			WorkflowBase:     t.Base,
			Version:          string(t.Version),
		})
		if err := p.emit(child, doc, tgt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	metrics.ForksTotal.Inc()
	p.log.Info("token forked",
		"token_id", t.ID,
		"branches", n,
	)
	return firstErr
}

// emit sends the token to one destination and records the egress firing.
// The outgoing payload is the ingress document with the target rewritten,
// the joinAttribute section replaced by the token's attributes, and this
// node's monitor timings stamped. A send failure is returned so the caller
// diverts the token; the firing is journaled either way.
func (p *Publisher) emit(t *token.Token, doc *payload.Document, tgt rulebase.Target) error {
	now := p.now()
	out := doc.Clone()
	out.SetSequence(t.ID)
	out.SetTarget(tgt.Service, tgt.Operation)
	out.SetAttributes(t.Attrs, t.NotAfter)
	out.Header.SentAt = payload.Millis(now)
	out.Stamp(p.service+"/"+p.operation, func(m *payload.MonitorEntry) {
		m.SentAt = payload.Millis(now)
	})

	data, err := out.Encode()
	if err != nil {
		return fault.Wrap(fault.KindMalformedPayload, err, "outbound payload encode")
	}
	sendErr := p.send.Send(tgt.Address, data)

	metrics.Firings.WithLabelValues(capture.TypeEgress).Inc()
	p.sink.Firing(&capture.Firing{
		Timestamp:    now,
		TransitionID: capture.EgressTransition(p.operation),
		Type:         capture.TypeEgress,
		TokenID:      t.ID,
		WorkflowBase: t.Base,
		Version:      string(t.Version),
		Service:      p.service,
		Operation:    p.operation,
		Target:       fmt.Sprintf("%s/%s", tgt.Service, tgt.Operation),
	})

	if sendErr != nil {
		p.log.Warn("outbound send failed",
			"token_id", t.ID,
			"addr", tgt.Address,
			"error", sendErr,
		)
		return fault.Wrap(fault.KindTransient, sendErr, "send to "+tgt.Address)
	}
	return nil
}

// terminate retires a token that has no remaining routes: the exit firing
// closes this place's entry/exit pair, then the retirement record marks
// the workflow instance complete.
func (p *Publisher) terminate(t *token.Token) {
	now := p.now()
	metrics.Firings.WithLabelValues(capture.TypeEgress).Inc()
	p.sink.Firing(&capture.Firing{
		Timestamp:    now,
		TransitionID: capture.EgressTransition(p.operation),
		Type:         capture.TypeEgress,
		TokenID:      t.ID,
		WorkflowBase: t.Base,
		Version:      string(t.Version),
		Service:      p.service,
		Operation:    p.operation,
	})
	metrics.Firings.WithLabelValues(capture.TypeTerminate).Inc()
	p.sink.Firing(&capture.Firing{
		Timestamp:    now,
		TransitionID: capture.TerminateTransition,
		Type:         capture.TypeTerminate,
		TokenID:      t.ID,
		WorkflowBase: t.Base,
		Version:      string(t.Version),
		Service:      p.service,
		Operation:    p.operation,
	})
	p.log.Info("token retired", "token_id", t.ID)
}
