// Package distribution runs a control node's rule ingress agent: it stages
// fragment deliveries, acknowledges complete rule bases toward the
// deployer's commitment port, and activates them. The agent prepares the
// base before acknowledging, so an ACK is never sent for a base that would
// fail to build, and commits only after the ACK is on the wire, so a base
// never activates unacknowledged.
package distribution

import (
	"context"
	"net"
	"strconv"

	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/metrics"
	"github.com/praxisworks/meshflow/common/rulebase"
	"github.com/praxisworks/meshflow/common/token"
	"github.com/praxisworks/meshflow/common/transport"
)

// Agent owns the rule ingress socket of one node.
type Agent struct {
	nodeID             string
	commitmentEndpoint string
	store              *rulebase.Store
	send               transport.Sender
	listener           *transport.Listener
	log                *logger.Logger

	// notify is called after a version activates, with the store already
	// updated. The reactor uses it to wake parked tokens.
	notify func(version token.Version)
}

// New binds the rule ingress socket immediately.
func New(addr, nodeID, commitmentEndpoint string, store *rulebase.Store, send transport.Sender, notify func(token.Version), log *logger.Logger) (*Agent, error) {
	l, err := transport.NewListener(addr, log)
	if err != nil {
		return nil, err
	}
	return &Agent{
		nodeID:             nodeID,
		commitmentEndpoint: commitmentEndpoint,
		store:              store,
		send:               send,
		listener:           l,
		log:                log,
		notify:             notify,
	}, nil
}

// Addr returns the bound rule ingress address.
func (a *Agent) Addr() net.Addr {
	return a.listener.Addr()
}

// Run serves fragment datagrams until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("rule ingress listening", "addr", a.Addr().String())
	return a.listener.Serve(ctx, a.handle)
}

func (a *Agent) handle(data []byte, _ net.Addr) {
	frag, err := rulebase.DecodeFragment(data)
	if err != nil {
		metrics.RuleFragments.WithLabelValues("malformed").Inc()
		a.log.Warn("undecodable rule fragment dropped", "error", err)
		return
	}
	version := token.Version(frag.RuleBaseVersion)
	log := a.log.WithVersion(frag.RuleBaseVersion)

	res, err := a.store.Stage(frag)
	if err != nil {
		if fault.IsKind(err, fault.KindRuleVersionConflict) {
			metrics.RuleFragments.WithLabelValues("conflict").Inc()
			log.Error("rule fragment conflicts with held content", "error", err)
		} else {
			metrics.RuleFragments.WithLabelValues("malformed").Inc()
			log.Warn("rule fragment rejected", "error", err)
		}
		return
	}

	if res.AlreadyActive {
		// The deployer did not see our ACK; repeat it.
		metrics.RuleFragments.WithLabelValues("duplicate").Inc()
		a.acknowledge(version, res.Total, log)
		return
	}
	if res.Duplicate {
		metrics.RuleFragments.WithLabelValues("duplicate").Inc()
	} else {
		metrics.RuleFragments.WithLabelValues("staged").Inc()
	}
	if !res.Complete {
		log.Debug("rule fragment staged",
			"received", res.Received,
			"total", res.Total,
		)
		return
	}

	if _, err := a.store.Prepare(version); err != nil {
		metrics.RuleFragments.WithLabelValues("build_failed").Inc()
		log.Error("complete rule base failed to build, not acknowledging", "error", err)
		return
	}
	a.acknowledge(version, res.Total, log)
	if _, err := a.store.Commit(version); err != nil {
		log.Error("prepared rule base failed to commit", "error", err)
		return
	}
	metrics.RuleBasesActive.Set(float64(len(a.store.ActiveVersions())))
	log.Info("rule base activated", "fragments", res.Total)
	if a.notify != nil {
		a.notify(version)
	}
}

// acknowledge sends the commitment datagram. Best-effort: the deployer
// retransmits fragments until an ACK lands, and redeliveries re-ACK.
func (a *Agent) acknowledge(version token.Version, fragments int, log *logger.Logger) {
	c := &rulebase.Commitment{
		RuleBaseVersion:   string(version),
		NodeID:            a.nodeID,
		FragmentsReceived: strconv.Itoa(fragments),
		Status:            rulebase.StatusAck,
	}
	data, err := c.Encode()
	if err != nil {
		log.Error("failed to encode commitment", "error", err)
		return
	}
	if err := a.send.Send(a.commitmentEndpoint, data); err != nil {
		log.Warn("commitment send failed", "endpoint", a.commitmentEndpoint, "error", err)
		return
	}
	log.Info("rule base acknowledged", "endpoint", a.commitmentEndpoint)
}
