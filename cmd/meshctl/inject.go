package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/praxisworks/meshflow/cmd/meshctl/topology"
	"github.com/praxisworks/meshflow/common/logger"
	"github.com/praxisworks/meshflow/common/payload"
	"github.com/praxisworks/meshflow/common/token"
	"github.com/praxisworks/meshflow/common/transport"
)

var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Inject workflow root tokens into an entry node",
	Long: `Build root tokens for a workflow version and send them to an entry
node's token ingress port. Root ids are allocated from the version's id
range; each injection takes the next sequence slot.

Examples:
  # Inject one root into the topology's entry node
  meshctl inject -f triage.yaml --attr caseRef=C-7

  # Inject 50 roots starting at sequence 100, addressed explicitly
  meshctl inject --target 10.0.0.5:4000 --service intake --operation register \
    --version v003 --seq 100 --count 50 --attr caseRef=load`,
	RunE: runInject,
}

func init() {
	injectCmd.Flags().StringP("file", "f", "", "topology YAML file to resolve the entry node from")
	injectCmd.Flags().String("node", "", "entry node key (service/operation) within the topology")
	injectCmd.Flags().String("target", "", "token ingress address (host:port) when no topology is given")
	injectCmd.Flags().String("service", "", "entry service name when no topology is given")
	injectCmd.Flags().String("operation", "", "entry operation name when no topology is given")
	injectCmd.Flags().String("version", "", "rule base version tag, e.g. v003")
	injectCmd.Flags().StringArray("attr", nil, "join attribute as name=value (repeatable)")
	injectCmd.Flags().Duration("deadline", 0, "notAfter deadline applied to every attribute")
	injectCmd.Flags().Uint64("seq", 1, "first root sequence number")
	injectCmd.Flags().Int("count", 1, "number of roots to inject")

	rootCmd.AddCommand(injectCmd)
}

func runInject(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	nodeKey, _ := cmd.Flags().GetString("node")
	target, _ := cmd.Flags().GetString("target")
	service, _ := cmd.Flags().GetString("service")
	operation, _ := cmd.Flags().GetString("operation")
	versionTag, _ := cmd.Flags().GetString("version")
	attrPairs, _ := cmd.Flags().GetStringArray("attr")
	deadline, _ := cmd.Flags().GetDuration("deadline")
	seq, _ := cmd.Flags().GetUint64("seq")
	count, _ := cmd.Flags().GetInt("count")

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read topology: %v", err)
		}
		topo, err := topology.Load(data)
		if err != nil {
			return err
		}
		node, err := resolveEntry(topo, nodeKey)
		if err != nil {
			return err
		}
		target, service, operation = node.Addr(), node.Service, node.Operation
		if versionTag == "" {
			versionTag = topo.Version
		}
	}
	if target == "" || service == "" || operation == "" {
		return fmt.Errorf("need either -f topology or all of --target, --service, --operation")
	}
	if versionTag == "" {
		return fmt.Errorf("a rule base version is required")
	}
	if count < 1 {
		return fmt.Errorf("count must be at least 1")
	}

	ver := token.Version(versionTag)
	base, err := ver.Base()
	if err != nil {
		return err
	}

	attrs := make(map[string]string, len(attrPairs))
	for _, pair := range attrPairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return fmt.Errorf("malformed attribute %q, want name=value", pair)
		}
		attrs[name] = value
	}

	now := time.Now()
	notAfter := make(map[string]time.Time)
	if deadline > 0 {
		for name := range attrs {
			notAfter[name] = now.Add(deadline)
		}
	}

	send := transport.NewUDPSender(logger.New("warn", "text"))
	for i := 0; i < count; i++ {
		tok := &token.Token{
			ID:        token.RootID(base, seq+uint64(i)),
			Version:   ver,
			Base:      base,
			Service:   service,
			Operation: operation,
			Attrs:     attrs,
			NotAfter:  notAfter,
		}
		data, err := payload.New(tok, now).Encode()
		if err != nil {
			return fmt.Errorf("failed to encode token %d: %w", tok.ID, err)
		}
		if err := send.Send(target, data); err != nil {
			return fmt.Errorf("failed to send token %d: %w", tok.ID, err)
		}
		fmt.Printf("injected token %d (%s) into %s/%s at %s\n", tok.ID, ver, service, operation, target)
	}
	return nil
}

// resolveEntry picks the injection point: the named node, or the single
// entry node of the topology.
func resolveEntry(topo *topology.Topology, key string) (topology.Node, error) {
	if key != "" {
		node, ok := topo.NodeFor(key)
		if !ok {
			return topology.Node{}, fmt.Errorf("node %s not in topology", key)
		}
		return node, nil
	}
	entries := topo.Entries()
	if len(entries) == 0 {
		return topology.Node{}, fmt.Errorf("topology has no entry node")
	}
	if len(entries) > 1 {
		keys := make([]string, len(entries))
		for i, e := range entries {
			keys[i] = e.Key()
		}
		return topology.Node{}, fmt.Errorf("topology has %d entry nodes (%s), pick one with --node", len(entries), strings.Join(keys, ", "))
	}
	return entries[0], nil
}
