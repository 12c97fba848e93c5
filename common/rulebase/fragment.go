// Package rulebase implements the versioned routing knowledge of a control
// node: the fragment wire format, the fact/rule grammar, the staged-to-active
// store, and the query façade the rest of the node routes through.
package rulebase

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/praxisworks/meshflow/common/fault"
)

// Fragment is the wire form of one rule-fragment datagram. Fields are
// string-typed on the wire like every other datagram in the system.
type Fragment struct {
	XMLName         xml.Name `xml:"ruleFragment"`
	RuleBaseVersion string   `xml:"ruleBaseVersion"`
	FragmentID      string   `xml:"fragmentId"`
	TotalFragments  string   `xml:"totalFragments"`
	Content         string   `xml:"content"`
}

// DecodeFragment parses and validates a fragment datagram.
func DecodeFragment(data []byte) (*Fragment, error) {
	var f Fragment
	if err := xml.Unmarshal(data, &f); err != nil {
		return nil, fault.Wrap(fault.KindMalformedPayload, err, "rule fragment XML")
	}
	if f.RuleBaseVersion == "" {
		return nil, fault.New(fault.KindMalformedPayload, "fragment missing ruleBaseVersion")
	}
	if _, _, err := f.Numbers(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(f.Content) == "" {
		return nil, fault.New(fault.KindMalformedPayload, "fragment content empty")
	}
	return &f, nil
}

// Encode serializes the fragment for the wire.
func (f *Fragment) Encode() ([]byte, error) {
	return xml.Marshal(f)
}

// Numbers parses the 1-based fragment id and the total count.
func (f *Fragment) Numbers() (id, total int, err error) {
	id, err = strconv.Atoi(f.FragmentID)
	if err != nil {
		return 0, 0, fault.Newf(fault.KindMalformedPayload, "fragmentId %q is not numeric", f.FragmentID)
	}
	total, err = strconv.Atoi(f.TotalFragments)
	if err != nil {
		return 0, 0, fault.Newf(fault.KindMalformedPayload, "totalFragments %q is not numeric", f.TotalFragments)
	}
	if total < 1 || id < 1 || id > total {
		return 0, 0, fault.Newf(fault.KindMalformedPayload, "fragment %d of %d out of range", id, total)
	}
	return id, total, nil
}

// Commitment is the ACK datagram a control node sends to the distributor on
// the commitment port once a rule base is complete.
type Commitment struct {
	XMLName           xml.Name `xml:"commitment"`
	RuleBaseVersion   string   `xml:"ruleBaseVersion"`
	NodeID            string   `xml:"nodeId"`
	FragmentsReceived string   `xml:"fragmentsReceived"`
	Status            string   `xml:"status"`
}

// StatusAck is the only commitment status a healthy agent sends.
const StatusAck = "ack"

// DecodeCommitment parses a commitment datagram.
func DecodeCommitment(data []byte) (*Commitment, error) {
	var c Commitment
	if err := xml.Unmarshal(data, &c); err != nil {
		return nil, fault.Wrap(fault.KindMalformedPayload, err, "commitment XML")
	}
	if c.RuleBaseVersion == "" || c.NodeID == "" {
		return nil, fault.New(fault.KindMalformedPayload, "commitment missing ruleBaseVersion or nodeId")
	}
	return &c, nil
}

// Encode serializes the commitment for the wire.
func (c *Commitment) Encode() ([]byte, error) {
	return xml.Marshal(c)
}

// Statement is one parsed fact or rule line. The grammar is
// relation(arg, arg, ...) with an optional trailing period; double quotes
// protect arguments containing commas, parentheses, or spaces. Lines
// starting with % are comments.
type Statement struct {
	Relation string
	Args     []string
}

// String renders the statement back into the grammar, quoting arguments
// that need it. The meshctl compiler and the distribution agent share this
// one formatter so redelivery comparison is byte-stable.
func (s Statement) String() string {
	var b strings.Builder
	b.WriteString(s.Relation)
	b.WriteByte('(')
	for i, a := range s.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		if needsQuoting(a) {
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(a, `"`, `\"`))
			b.WriteByte('"')
		} else {
			b.WriteString(a)
		}
	}
	b.WriteString(").")
	return b.String()
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	return strings.ContainsAny(s, `(),." `+"\t")
}

// ParseStatements parses every statement in a fragment content block.
// Blank lines and %-comments are skipped.
func ParseStatements(content string) ([]Statement, error) {
	var out []Statement
	for i, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		st, err := parseStatement(line)
		if err != nil {
			return nil, fault.Newf(fault.KindMalformedPayload, "line %d: %v", i+1, err)
		}
		out = append(out, st)
	}
	return out, nil
}

func parseStatement(line string) (Statement, error) {
	open := strings.IndexByte(line, '(')
	if open <= 0 {
		return Statement{}, fmt.Errorf("no relation in %q", line)
	}
	relation := strings.TrimSpace(line[:open])
	if !validIdentifier(relation) {
		return Statement{}, fmt.Errorf("bad relation name %q", relation)
	}

	rest := line[open+1:]
	var (
		args     []string
		current  strings.Builder
		inQuote  bool
		escaped  bool
		closed   bool
		tailFrom int
	)
	for i := 0; i < len(rest); i++ {
		ch := rest[i]
		switch {
		case escaped:
			current.WriteByte(ch)
			escaped = false
		case inQuote && ch == '\\':
			escaped = true
		case inQuote && ch == '"':
			inQuote = false
		case inQuote:
			current.WriteByte(ch)
		case ch == '"':
			inQuote = true
		case ch == ',':
			args = append(args, strings.TrimSpace(current.String()))
			current.Reset()
		case ch == ')':
			closed = true
			tailFrom = i + 1
		default:
			if closed {
				continue
			}
			current.WriteByte(ch)
		}
		if closed {
			break
		}
	}
	if inQuote {
		return Statement{}, fmt.Errorf("unterminated quote in %q", line)
	}
	if !closed {
		return Statement{}, fmt.Errorf("missing closing parenthesis in %q", line)
	}
	if tail := strings.TrimSpace(rest[tailFrom:]); tail != "" && tail != "." {
		return Statement{}, fmt.Errorf("trailing content %q", tail)
	}
	last := strings.TrimSpace(current.String())
	if last != "" || len(args) > 0 {
		args = append(args, last)
	}
	return Statement{Relation: relation, Args: args}, nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// AttrNone is the atom marking an absent side of a canonical binding: an
// operation with no required inputs binds (produced, none), a sink with no
// produced outputs binds (none, required).
const AttrNone = "none"

// NodeType is the closed set of routing node types.
type NodeType int

const (
	NodeUnknown NodeType = iota
	NodePass
	NodeGateway
	NodeDecision
	NodeFork
	NodeJoin
	NodeMerge
)

// String returns the lowercase fact-vocabulary name.
func (n NodeType) String() string {
	switch n {
	case NodePass:
		return "pass"
	case NodeGateway:
		return "gateway"
	case NodeDecision:
		return "decision"
	case NodeFork:
		return "fork"
	case NodeJoin:
		return "join"
	case NodeMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// ParseNodeType maps a fact argument onto the closed node-type set.
func ParseNodeType(s string) NodeType {
	switch strings.ToLower(s) {
	case "pass":
		return NodePass
	case "gateway":
		return NodeGateway
	case "decision":
		return NodeDecision
	case "fork":
		return NodeFork
	case "join":
		return NodeJoin
	case "merge":
		return NodeMerge
	default:
		return NodeUnknown
	}
}

// ActiveService is the activeService(service, operation, host, port) fact.
type ActiveService struct {
	Service   string
	Operation string
	Host      string
	Port      int
}

// Addr returns the token ingress address of the service's control node.
func (a ActiveService) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// CanonicalBinding is the canonicalBinding(operation, producedAttr,
// requiredAttr) fact. Either side may be the none atom.
type CanonicalBinding struct {
	Operation string
	Produced  string
	Required  string
}

// GuardRule is the meetsCondition(guardName, service, operation,
// targetService, targetOperation, expression) rule. The expression is a CEL
// predicate over the variables attrs (map) and decisions (list).
type GuardRule struct {
	Name            string
	Service         string
	Operation       string
	TargetService   string
	TargetOperation string
	Expression      string
}
