// Package distributor ships a compiled rule base to every node of a
// topology and collects their commitment ACKs. Delivery is datagrams all
// the way down: fragments go out over UDP, ACKs come back over UDP, and
// loss is healed by periodically re-sending to the nodes that have not
// acknowledged. Agents stage idempotently, so redelivery is safe.
package distributor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praxisworks/meshflow/cmd/meshctl/topology"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/rulebase"
	"github.com/praxisworks/meshflow/common/transport"
)

// DefaultFragmentBytes bounds one fragment's content comfortably below the
// datagram ceiling, leaving room for the XML envelope.
const DefaultFragmentBytes = 8 * 1024

// Config tunes one deployment round.
type Config struct {
	CommitmentAddr string        // where ACKs are collected
	FragmentBytes  int           // max content bytes per fragment
	Resend         time.Duration // re-send interval for unacknowledged nodes
	Timeout        time.Duration // overall deployment deadline
}

func (c Config) withDefaults() Config {
	if c.CommitmentAddr == "" {
		c.CommitmentAddr = ":30000"
	}
	if c.FragmentBytes <= 0 {
		c.FragmentBytes = DefaultFragmentBytes
	}
	if c.Resend <= 0 {
		c.Resend = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// NodeReport is the per-node outcome of a deployment.
type NodeReport struct {
	Node     string `json:"node"`
	RuleAddr string `json:"rule_addr"`
	Acked    bool   `json:"acked"`
}

// Release summarizes one deployment round.
type Release struct {
	DeploymentID string        `json:"deployment_id"`
	Version      string        `json:"version"`
	Fragments    int           `json:"fragments"`
	Nodes        []NodeReport  `json:"nodes"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Acked counts the nodes that acknowledged.
func (r *Release) Acked() int {
	n := 0
	for _, node := range r.Nodes {
		if node.Acked {
			n++
		}
	}
	return n
}

// PlanFragments splits rendered facts into wire fragments on statement
// boundaries. Blank lines are dropped; they are grouping, not content.
func PlanFragments(version, facts string, maxBytes int) ([]*rulebase.Fragment, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultFragmentBytes
	}

	var chunks []string
	var cur strings.Builder
	for _, line := range strings.Split(facts, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line)+1 > maxBytes {
			return nil, fmt.Errorf("statement of %d bytes exceeds fragment capacity %d", len(line), maxBytes)
		}
		if cur.Len() > 0 && cur.Len()+len(line)+1 > maxBytes {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("rule base has no statements")
	}

	total := strconv.Itoa(len(chunks))
	frags := make([]*rulebase.Fragment, len(chunks))
	for i, content := range chunks {
		frags[i] = &rulebase.Fragment{
			RuleBaseVersion: version,
			FragmentID:      strconv.Itoa(i + 1),
			TotalFragments:  total,
			Content:         content,
		}
	}
	return frags, nil
}

// Distributor runs deployment rounds.
type Distributor struct {
	send transport.Sender
	cfg  Config
	log  *logger.Logger
}

func New(send transport.Sender, cfg Config, log *logger.Logger) *Distributor {
	return &Distributor{send: send, cfg: cfg.withDefaults(), log: log}
}

// Deploy compiles the topology, ships every fragment to every node's rule
// ingress, and waits for all commitment ACKs. On timeout the release
// reports which nodes never acknowledged, alongside the error.
func (d *Distributor) Deploy(ctx context.Context, topo *topology.Topology) (*Release, error) {
	start := time.Now()

	facts, err := topo.Facts()
	if err != nil {
		return nil, err
	}
	frags, err := PlanFragments(topo.Version, facts, d.cfg.FragmentBytes)
	if err != nil {
		return nil, err
	}
	encoded := make([][]byte, len(frags))
	for i, f := range frags {
		if encoded[i], err = f.Encode(); err != nil {
			return nil, fmt.Errorf("failed to encode fragment %s: %w", f.FragmentID, err)
		}
	}

	want := make(map[string]string, len(topo.Nodes))
	for _, n := range topo.Nodes {
		want[n.Key()] = n.RuleAddr()
	}

	ln, err := transport.NewListener(d.cfg.CommitmentAddr, d.log)
	if err != nil {
		return nil, fmt.Errorf("failed to bind commitment port: %w", err)
	}
	defer ln.Close()

	var mu sync.Mutex
	acked := make(map[string]bool, len(want))
	done := make(chan struct{})

	serveCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = ln.Serve(serveCtx, func(data []byte, _ net.Addr) {
			c, err := rulebase.DecodeCommitment(data)
			if err != nil {
				d.log.Warn("undecodable commitment dropped", "error", err)
				return
			}
			if c.RuleBaseVersion != topo.Version || c.Status != rulebase.StatusAck {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if _, known := want[c.NodeID]; !known || acked[c.NodeID] {
				return
			}
			acked[c.NodeID] = true
			d.log.Info("commitment received",
				"node", c.NodeID,
				"version", c.RuleBaseVersion,
				"acked", len(acked),
				"of", len(want),
			)
			if len(acked) == len(want) {
				close(done)
			}
		})
	}()

	pending := func() map[string]string {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]string)
		for key, addr := range want {
			if !acked[key] {
				out[key] = addr
			}
		}
		return out
	}
	ship := func(targets map[string]string) {
		for key, addr := range targets {
			for i, data := range encoded {
				if err := d.send.Send(addr, data); err != nil {
					d.log.Warn("fragment send failed",
						"node", key,
						"addr", addr,
						"fragment", frags[i].FragmentID,
						"error", err,
					)
				}
			}
		}
	}

	deploymentID := uuid.New().String()
	d.log.Info("deployment started",
		"deployment_id", deploymentID,
		"version", topo.Version,
		"fragments", len(frags),
		"nodes", len(want),
	)
	ship(pending())

	ticker := time.NewTicker(d.cfg.Resend)
	defer ticker.Stop()
	deadline := time.NewTimer(d.cfg.Timeout)
	defer deadline.Stop()

	var deployErr error
loop:
	for {
		select {
		case <-ctx.Done():
			deployErr = ctx.Err()
			break loop
		case <-done:
			break loop
		case <-deadline.C:
			mu.Lock()
			deployErr = fmt.Errorf("deployment timed out: %d of %d nodes acknowledged", len(acked), len(want))
			mu.Unlock()
			break loop
		case <-ticker.C:
			ship(pending())
		}
	}

	mu.Lock()
	release := &Release{
		DeploymentID: deploymentID,
		Version:      topo.Version,
		Fragments:    len(frags),
		Elapsed:      time.Since(start),
	}
	for _, n := range topo.Nodes {
		release.Nodes = append(release.Nodes, NodeReport{
			Node:     n.Key(),
			RuleAddr: n.RuleAddr(),
			Acked:    acked[n.Key()],
		})
	}
	mu.Unlock()
	return release, deployErr
}
