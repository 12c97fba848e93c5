// Package topology turns operator-written workflow documents into the fact
// base the control nodes route by. A document names every node, the
// attributes it consumes and produces, and the guards on its edges; the
// compiler derives the activeService, nodeType, canonicalBinding,
// decisionValue and meetsCondition statements from it.
package topology

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/praxisworks/meshflow/common/config"
	"github.com/praxisworks/meshflow/common/rulebase"
	"github.com/praxisworks/meshflow/common/token"
)

// Topology is one workflow version as the operator writes it.
type Topology struct {
	Version  string  `yaml:"version" json:"version"`
	Workflow string  `yaml:"workflow,omitempty" json:"workflow,omitempty"`
	Nodes    []Node  `yaml:"nodes" json:"nodes"`
	Guards   []Guard `yaml:"guards,omitempty" json:"guards,omitempty"`
}

// Node is one control node of the workflow. Operation names are globally
// unique: canonical bindings are keyed by operation alone.
type Node struct {
	Service   string   `yaml:"service" json:"service"`
	Operation string   `yaml:"operation" json:"operation"`
	Host      string   `yaml:"host" json:"host"`
	Port      int      `yaml:"port" json:"port"`
	RulePort  int      `yaml:"rulePort,omitempty" json:"rulePort,omitempty"`
	Channel   int      `yaml:"channel,omitempty" json:"channel,omitempty"`
	Type      string   `yaml:"type" json:"type"`
	Requires  []string `yaml:"requires,omitempty" json:"requires,omitempty"`
	Produces  []string `yaml:"produces,omitempty" json:"produces,omitempty"`
	Decisions []string `yaml:"decisions,omitempty" json:"decisions,omitempty"`
}

// Guard is one meetsCondition rule: a CEL predicate protecting the edge
// from one node to another.
type Guard struct {
	Name string `yaml:"name" json:"name"`
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
	When string `yaml:"when" json:"when"`
}

// Key identifies the node in edge derivations and error messages.
func (n Node) Key() string {
	return n.Service + "/" + n.Operation
}

// Addr is the token ingress address of the node.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// RuleAddr is the rule ingress address of the node. An explicit rulePort
// wins; otherwise the port follows from the node's distribution channel.
func (n Node) RuleAddr() string {
	port := n.RulePort
	if port == 0 {
		port = config.RulePortFor(n.Channel, 1)
	}
	return fmt.Sprintf("%s:%d", n.Host, port)
}

// Load parses a topology document.
func Load(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	return &t, nil
}

// Entries returns the nodes a workflow can start at: those with no
// required attributes.
func (t *Topology) Entries() []Node {
	var out []Node
	for _, n := range t.Nodes {
		if len(n.Requires) == 0 {
			out = append(out, n)
		}
	}
	return out
}

// NodeFor looks a node up by its service/operation key.
func (t *Topology) NodeFor(key string) (Node, bool) {
	for _, n := range t.Nodes {
		if n.Key() == key {
			return n, true
		}
	}
	return Node{}, false
}

// edges derives the routing graph: producer key to the sorted distinct keys
// of the nodes requiring any of its produced attributes.
func (t *Topology) edges() map[string][]string {
	requirers := make(map[string][]string)
	for _, n := range t.Nodes {
		for _, attr := range n.Requires {
			requirers[attr] = append(requirers[attr], n.Key())
		}
	}
	out := make(map[string][]string, len(t.Nodes))
	for _, n := range t.Nodes {
		seen := map[string]bool{}
		for _, attr := range n.Produces {
			for _, key := range requirers[attr] {
				if key == n.Key() || seen[key] {
					continue
				}
				seen[key] = true
				out[n.Key()] = append(out[n.Key()], key)
			}
		}
		sort.Strings(out[n.Key()])
	}
	return out
}

// Validate checks the document for every mistake that would strand tokens
// at runtime.
func (t *Topology) Validate() error {
	// 1. The version tag must parse; derived versions must move forward,
	// which only works on well-formed tags.
	if _, err := token.Version(t.Version).Number(); err != nil {
		return err
	}

	// 2. Node identity: at least one node, unique service/operation pairs,
	// unique operations (bindings are operation-keyed), known types, real
	// endpoints.
	if len(t.Nodes) == 0 {
		return fmt.Errorf("topology has no nodes")
	}
	keys := map[string]bool{}
	operations := map[string]string{}
	for _, n := range t.Nodes {
		if n.Service == "" || n.Operation == "" {
			return fmt.Errorf("node %q missing service or operation", n.Key())
		}
		if keys[n.Key()] {
			return fmt.Errorf("duplicate node %s", n.Key())
		}
		keys[n.Key()] = true
		if owner, ok := operations[n.Operation]; ok {
			return fmt.Errorf("operation %q declared by both %s and %s; bindings are keyed by operation", n.Operation, owner, n.Key())
		}
		operations[n.Operation] = n.Key()
		if rulebase.ParseNodeType(n.Type) == rulebase.NodeUnknown {
			return fmt.Errorf("node %s: unknown type %q", n.Key(), n.Type)
		}
		if n.Host == "" {
			return fmt.Errorf("node %s: missing host", n.Key())
		}
		if n.Port < 1 || n.Port > 65535 {
			return fmt.Errorf("node %s: port %d out of range", n.Key(), n.Port)
		}
	}

	// 3. Attribute closure: every required attribute must be produced
	// somewhere else, or the node can never receive a token.
	produced := map[string][]string{}
	for _, n := range t.Nodes {
		for _, attr := range n.Produces {
			produced[attr] = append(produced[attr], n.Key())
		}
	}
	for _, n := range t.Nodes {
		for _, attr := range n.Requires {
			producers := 0
			for _, key := range produced[attr] {
				if key != n.Key() {
					producers++
				}
			}
			if producers == 0 {
				return fmt.Errorf("node %s requires attribute %q which no other node produces", n.Key(), attr)
			}
		}
	}

	// 4. An entry node must exist (no place to inject otherwise).
	if len(t.Entries()) == 0 {
		return fmt.Errorf("topology has no entry nodes (every node requires attributes)")
	}

	// 5. A terminal must exist: some node whose output routes nowhere, or
	// tokens would circulate forever.
	edges := t.edges()
	terminal := false
	for _, n := range t.Nodes {
		if len(edges[n.Key()]) == 0 {
			terminal = true
			break
		}
	}
	if !terminal {
		return fmt.Errorf("topology has no terminal nodes (every node routes onward)")
	}

	// 6. Fork arity must fit the lineage encoding; joins need at least two
	// inbound attributes to synchronize on.
	for _, n := range t.Nodes {
		switch rulebase.ParseNodeType(n.Type) {
		case rulebase.NodeFork:
			branches := len(edges[n.Key()])
			if branches < token.MinForkArity || branches > token.MaxForkArity {
				return fmt.Errorf("fork %s has %d branches, must be %d..%d", n.Key(), branches, token.MinForkArity, token.MaxForkArity)
			}
		case rulebase.NodeJoin:
			if len(n.Requires) < 2 {
				return fmt.Errorf("join %s requires %d attributes, needs at least 2 to synchronize", n.Key(), len(n.Requires))
			}
		}
	}

	// 7. Guards must name real edges and compile as CEL.
	env, err := cel.NewEnv(
		cel.Variable("attrs", cel.DynType),
		cel.Variable("decisions", cel.DynType),
	)
	if err != nil {
		return fmt.Errorf("failed to create CEL env: %w", err)
	}
	guardNames := map[string]bool{}
	for _, g := range t.Guards {
		if g.Name == "" || g.When == "" {
			return fmt.Errorf("guard %q missing name or expression", g.Name)
		}
		if guardNames[g.Name] {
			return fmt.Errorf("duplicate guard %q", g.Name)
		}
		guardNames[g.Name] = true
		from, ok := t.NodeFor(g.From)
		if !ok {
			return fmt.Errorf("guard %q: unknown node %q", g.Name, g.From)
		}
		if _, ok := t.NodeFor(g.To); !ok {
			return fmt.Errorf("guard %q: unknown node %q", g.Name, g.To)
		}
		onEdge := false
		for _, key := range edges[from.Key()] {
			if key == g.To {
				onEdge = true
				break
			}
		}
		if !onEdge {
			return fmt.Errorf("guard %q: no attribute routes %s to %s", g.Name, g.From, g.To)
		}
		if _, issues := env.Compile(g.When); issues != nil && issues.Err() != nil {
			return fmt.Errorf("guard %q: %w", g.Name, issues.Err())
		}
	}

	// 8. No cycles: a token flowing producer to requirer must reach a
	// terminal. DFS with a recursion stack.
	visited := map[string]bool{}
	onStack := map[string]bool{}
	var walk func(key string) error
	walk = func(key string) error {
		visited[key] = true
		onStack[key] = true
		for _, next := range edges[key] {
			if onStack[next] {
				return fmt.Errorf("attribute flow cycles through %s and %s", key, next)
			}
			if !visited[next] {
				if err := walk(next); err != nil {
					return err
				}
			}
		}
		onStack[key] = false
		return nil
	}
	for _, n := range t.Nodes {
		if !visited[n.Key()] {
			if err := walk(n.Key()); err != nil {
				return err
			}
		}
	}

	return nil
}

// Compile validates the document and derives its fact statements in a
// deterministic order, so identical topologies always render identical
// rule bases.
func (t *Topology) Compile() ([]rulebase.Statement, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	var out []rulebase.Statement
	for _, n := range t.Nodes {
		out = append(out, rulebase.Statement{
			Relation: "activeService",
			Args:     []string{n.Service, n.Operation, n.Host, fmt.Sprintf("%d", n.Port)},
		})
	}
	for _, n := range t.Nodes {
		out = append(out, rulebase.Statement{
			Relation: "nodeType",
			Args:     []string{n.Service, n.Operation, strings.ToLower(n.Type)},
		})
	}
	for _, n := range t.Nodes {
		if len(n.Produces) == 0 && len(n.Requires) == 0 {
			// Pure pass-through: no binding rows at all.
			continue
		}
		prod := n.Produces
		if len(prod) == 0 {
			prod = []string{rulebase.AttrNone}
		}
		req := n.Requires
		if len(req) == 0 {
			req = []string{rulebase.AttrNone}
		}
		for _, p := range prod {
			for _, r := range req {
				out = append(out, rulebase.Statement{
					Relation: "canonicalBinding",
					Args:     []string{n.Operation, p, r},
				})
			}
		}
	}
	for _, n := range t.Nodes {
		for _, d := range n.Decisions {
			out = append(out, rulebase.Statement{
				Relation: "decisionValue",
				Args:     []string{n.Service, n.Operation, d},
			})
		}
	}
	for _, g := range t.Guards {
		from, _ := t.NodeFor(g.From)
		to, _ := t.NodeFor(g.To)
		out = append(out, rulebase.Statement{
			Relation: "meetsCondition",
			Args:     []string{g.Name, from.Service, from.Operation, to.Service, to.Operation, g.When},
		})
	}
	return out, nil
}

// Facts renders the compiled statements as fragment content, grouped by
// relation for readability on the wire.
func (t *Topology) Facts() (string, error) {
	statements, err := t.Compile()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	prev := ""
	for _, s := range statements {
		if prev != "" && s.Relation != prev {
			b.WriteByte('\n')
		}
		prev = s.Relation
		b.WriteString(s.String())
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Derive produces the next topology version by applying an RFC 6902 patch
// to the JSON form of a base document. The result must carry a strictly
// newer version tag, either from the patch itself or from the version
// argument.
func Derive(base *Topology, version string, patchJSON []byte) (*Topology, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("failed to encode base topology: %w", err)
	}
	patch, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode patch: %w", err)
	}
	derivedJSON, err := patch.Apply(baseJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to apply patch operations: %w", err)
	}
	var out Topology
	if err := json.Unmarshal(derivedJSON, &out); err != nil {
		return nil, fmt.Errorf("failed to decode derived topology: %w", err)
	}
	if version != "" {
		out.Version = version
	}

	baseNum, err := token.Version(base.Version).Number()
	if err != nil {
		return nil, err
	}
	derivedNum, err := token.Version(out.Version).Number()
	if err != nil {
		return nil, err
	}
	if derivedNum <= baseNum {
		return nil, fmt.Errorf("derived version %s does not advance past %s", out.Version, base.Version)
	}
	return &out, nil
}
