package rulebase

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/token"
)

type svcOp struct {
	Service   string
	Operation string
}

type edgeKey struct {
	Service         string
	Operation       string
	TargetService   string
	TargetOperation string
}

// RuleBase is the immutable, fully-indexed rule set for one workflow
// version. Instances are built once during promotion and never mutated, so
// readers may hold them without locks.
type RuleBase struct {
	Version     token.Version
	Base        uint64
	ActivatedAt time.Time

	services    map[svcOp]ActiveService
	byOperation map[string][]ActiveService
	nodeTypes   map[svcOp]NodeType
	bindings    map[string][]CanonicalBinding
	decisions   map[svcOp][]string
	guards      map[edgeKey][]GuardRule
	guardNames  map[string]GuardRule
}

// NodeTypeOf answers the node-type query; Unknown when no fact exists.
func (rb *RuleBase) NodeTypeOf(service, operation string) NodeType {
	return rb.nodeTypes[svcOp{service, operation}]
}

// Bindings returns the canonical bindings declared for an operation. An
// empty result means the operation is a pass-through.
func (rb *RuleBase) Bindings(operation string) []CanonicalBinding {
	return rb.bindings[operation]
}

// RequiredAttrs returns the sorted set of attributes an operation requires.
func (rb *RuleBase) RequiredAttrs(operation string) []string {
	return bindingSide(rb.bindings[operation], func(b CanonicalBinding) string { return b.Required })
}

// ProducedAttrs returns the sorted set of attributes an operation produces.
func (rb *RuleBase) ProducedAttrs(operation string) []string {
	return bindingSide(rb.bindings[operation], func(b CanonicalBinding) string { return b.Produced })
}

func bindingSide(bindings []CanonicalBinding, side func(CanonicalBinding) string) []string {
	seen := map[string]bool{}
	var out []string
	for _, b := range bindings {
		attr := side(b)
		if attr == "" || attr == AttrNone || seen[attr] {
			continue
		}
		seen[attr] = true
		out = append(out, attr)
	}
	sort.Strings(out)
	return out
}

// Requirers returns the active services whose named operation requires the
// attribute, ordered by (service, operation) so routing is deterministic.
func (rb *RuleBase) Requirers(attr string) []ActiveService {
	var out []ActiveService
	for operation, bindings := range rb.bindings {
		requires := false
		for _, b := range bindings {
			if b.Required == attr {
				requires = true
				break
			}
		}
		if !requires {
			continue
		}
		out = append(out, rb.byOperation[operation]...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// Decisions returns the decisionValue facts for an operation.
func (rb *RuleBase) Decisions(service, operation string) []string {
	return rb.decisions[svcOp{service, operation}]
}

// GuardsForEdge returns the guard rules protecting one routing edge.
func (rb *RuleBase) GuardsForEdge(service, operation, targetService, targetOperation string) []GuardRule {
	return rb.guards[edgeKey{service, operation, targetService, targetOperation}]
}

// GuardByName resolves a guard rule by its name.
func (rb *RuleBase) GuardByName(name string) (GuardRule, bool) {
	g, ok := rb.guardNames[name]
	return g, ok
}

// Services lists every activeService fact, ordered by (service, operation).
func (rb *RuleBase) Services() []ActiveService {
	out := make([]ActiveService, 0, len(rb.services))
	for _, svc := range rb.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Service != out[j].Service {
			return out[i].Service < out[j].Service
		}
		return out[i].Operation < out[j].Operation
	})
	return out
}

// ServiceAt resolves the activeService fact for one (service, operation).
func (rb *RuleBase) ServiceAt(service, operation string) (ActiveService, bool) {
	svc, ok := rb.services[svcOp{service, operation}]
	return svc, ok
}

// validateStatement checks relation name, arity, and argument shape. It
// runs at staging time so a control node never acknowledges a fragment it
// could not build a rule base from.
func validateStatement(st Statement) error {
	switch st.Relation {
	case "activeService":
		if len(st.Args) != 4 {
			return badArity(st, 4)
		}
		port, err := strconv.Atoi(st.Args[3])
		if err != nil || port <= 0 || port > 65535 {
			return fault.Newf(fault.KindMalformedPayload, "activeService port %q invalid", st.Args[3])
		}
	case "canonicalBinding":
		if len(st.Args) != 3 {
			return badArity(st, 3)
		}
	case "nodeType":
		if len(st.Args) != 3 {
			return badArity(st, 3)
		}
		if ParseNodeType(st.Args[2]) == NodeUnknown {
			return fault.Newf(fault.KindMalformedPayload, "nodeType %q not recognized", st.Args[2])
		}
	case "decisionValue":
		if len(st.Args) != 3 {
			return badArity(st, 3)
		}
	case "meetsCondition":
		if len(st.Args) != 6 {
			return badArity(st, 6)
		}
	default:
		return fault.Newf(fault.KindMalformedPayload, "unknown relation %q", st.Relation)
	}
	return nil
}

func buildRuleBase(version token.Version, statements []Statement) (*RuleBase, error) {
	base, err := version.Base()
	if err != nil {
		return nil, fault.Wrap(fault.KindMalformedPayload, err, "rule base version")
	}
	rb := &RuleBase{
		Version:     version,
		Base:        base,
		services:    map[svcOp]ActiveService{},
		byOperation: map[string][]ActiveService{},
		nodeTypes:   map[svcOp]NodeType{},
		bindings:    map[string][]CanonicalBinding{},
		decisions:   map[svcOp][]string{},
		guards:      map[edgeKey][]GuardRule{},
		guardNames:  map[string]GuardRule{},
	}

	for _, st := range statements {
		if err := validateStatement(st); err != nil {
			return nil, err
		}
		switch st.Relation {
		case "activeService":
			port, _ := strconv.Atoi(st.Args[3])
			svc := ActiveService{Service: st.Args[0], Operation: st.Args[1], Host: st.Args[2], Port: port}
			key := svcOp{svc.Service, svc.Operation}
			if prev, ok := rb.services[key]; ok && prev != svc {
				return nil, fault.Newf(fault.KindMalformedPayload, "conflicting activeService facts for %s/%s", svc.Service, svc.Operation)
			}
			rb.services[key] = svc
			rb.byOperation[svc.Operation] = appendServiceOnce(rb.byOperation[svc.Operation], svc)
		case "canonicalBinding":
			rb.bindings[st.Args[0]] = append(rb.bindings[st.Args[0]], CanonicalBinding{
				Operation: st.Args[0],
				Produced:  st.Args[1],
				Required:  st.Args[2],
			})
		case "nodeType":
			nt := ParseNodeType(st.Args[2])
			key := svcOp{st.Args[0], st.Args[1]}
			if prev, ok := rb.nodeTypes[key]; ok && prev != nt {
				return nil, fault.Newf(fault.KindMalformedPayload, "conflicting nodeType facts for %s/%s", key.Service, key.Operation)
			}
			rb.nodeTypes[key] = nt
		case "decisionValue":
			key := svcOp{st.Args[0], st.Args[1]}
			rb.decisions[key] = append(rb.decisions[key], st.Args[2])
		case "meetsCondition":
			g := GuardRule{
				Name:            st.Args[0],
				Service:         st.Args[1],
				Operation:       st.Args[2],
				TargetService:   st.Args[3],
				TargetOperation: st.Args[4],
				Expression:      st.Args[5],
			}
			if prev, ok := rb.guardNames[g.Name]; ok && prev != g {
				return nil, fault.Newf(fault.KindMalformedPayload, "conflicting meetsCondition rules named %q", g.Name)
			}
			rb.guardNames[g.Name] = g
			key := edgeKey{g.Service, g.Operation, g.TargetService, g.TargetOperation}
			rb.guards[key] = append(rb.guards[key], g)
		}
	}

	for _, bindings := range rb.bindings {
		sort.Slice(bindings, func(i, j int) bool {
			if bindings[i].Produced != bindings[j].Produced {
				return bindings[i].Produced < bindings[j].Produced
			}
			return bindings[i].Required < bindings[j].Required
		})
	}
	for _, values := range rb.decisions {
		sort.Strings(values)
	}
	return rb, nil
}

func appendServiceOnce(list []ActiveService, svc ActiveService) []ActiveService {
	for _, existing := range list {
		if existing == svc {
			return list
		}
	}
	return append(list, svc)
}

func badArity(st Statement, want int) error {
	return fault.Newf(fault.KindMalformedPayload, "%s expects %d arguments, got %d", st.Relation, want, len(st.Args))
}

type staging struct {
	total      int
	contents   map[int]string
	statements map[int][]Statement
	firstSeen  time.Time
	built      *RuleBase
}

// StageResult reports what one fragment delivery changed.
type StageResult struct {
	// Complete is set when every fragment of the version is staged and the
	// base is ready for promotion.
	Complete bool
	// AlreadyActive is set when the version was committed before this
	// delivery; byte-identical fragments are dropped silently.
	AlreadyActive bool
	// Duplicate is set when this exact fragment was already staged.
	Duplicate bool
	Received  int
	Total     int
}

// StagedInfo describes one staged version for the admin surface.
type StagedInfo struct {
	Version   token.Version `json:"version"`
	Received  int           `json:"received"`
	Total     int           `json:"total"`
	FirstSeen time.Time     `json:"first_seen"`
}

// Store holds every staged and active rule base of a control node. Staging
// and promotion serialize on one mutex; queries fetch an immutable RuleBase
// pointer and run lock-free afterwards.
type Store struct {
	mu        sync.RWMutex
	active    map[token.Version]*RuleBase
	committed map[token.Version]map[int]string
	staged    map[token.Version]*staging
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		active:    map[token.Version]*RuleBase{},
		committed: map[token.Version]map[int]string{},
		staged:    map[token.Version]*staging{},
		now:       time.Now,
	}
}

// Stage validates and buffers one fragment. Mismatched redelivery of staged
// or committed content raises RuleVersionConflict; byte-identical redelivery
// is idempotent.
func (s *Store) Stage(f *Fragment) (StageResult, error) {
	id, total, err := f.Numbers()
	if err != nil {
		return StageResult{}, err
	}
	version := token.Version(f.RuleBaseVersion)
	if _, err := version.Number(); err != nil {
		return StageResult{}, fault.Wrap(fault.KindMalformedPayload, err, "fragment version tag")
	}
	statements, err := ParseStatements(f.Content)
	if err != nil {
		return StageResult{}, err
	}
	if len(statements) == 0 {
		return StageResult{}, fault.New(fault.KindMalformedPayload, "fragment carries no statements")
	}
	for _, st := range statements {
		if err := validateStatement(st); err != nil {
			return StageResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if raw, ok := s.committed[version]; ok {
		if len(raw) != total {
			return StageResult{}, fault.Newf(fault.KindRuleVersionConflict, "version %s committed with %d fragments, redelivery claims %d", version, len(raw), total)
		}
		if prev, ok := raw[id]; !ok || prev != f.Content {
			return StageResult{}, fault.Newf(fault.KindRuleVersionConflict, "version %s fragment %d differs from committed content", version, id)
		}
		return StageResult{AlreadyActive: true, Received: total, Total: total}, nil
	}

	st, ok := s.staged[version]
	if !ok {
		st = &staging{
			total:      total,
			contents:   map[int]string{},
			statements: map[int][]Statement{},
			firstSeen:  s.now(),
		}
		s.staged[version] = st
	}
	if st.total != total {
		return StageResult{}, fault.Newf(fault.KindRuleVersionConflict, "version %s staged with %d fragments, delivery claims %d", version, st.total, total)
	}
	if prev, ok := st.contents[id]; ok {
		if prev == f.Content {
			return StageResult{
				Duplicate: true,
				Complete:  len(st.contents) == st.total,
				Received:  len(st.contents),
				Total:     st.total,
			}, nil
		}
		return StageResult{}, fault.Newf(fault.KindRuleVersionConflict, "version %s fragment %d redelivered with different content", version, id)
	}

	st.contents[id] = f.Content
	st.statements[id] = statements
	return StageResult{
		Complete: len(st.contents) == st.total,
		Received: len(st.contents),
		Total:    st.total,
	}, nil
}

// Prepare builds the rule base for a fully-staged version without
// activating it. The distribution agent calls this before acknowledging, so
// an ACK always precedes activation and is never sent for a base that would
// fail to build.
func (s *Store) Prepare(version token.Version) (*RuleBase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rb, ok := s.active[version]; ok {
		return rb, nil
	}
	st, ok := s.staged[version]
	if !ok {
		return nil, fault.Newf(fault.KindRuleBaseNotActive, "version %s has nothing staged", version)
	}
	if len(st.contents) != st.total {
		return nil, fault.Newf(fault.KindRuleBaseNotActive, "version %s staged %d of %d fragments", version, len(st.contents), st.total)
	}
	if st.built != nil {
		return st.built, nil
	}

	var statements []Statement
	for id := 1; id <= st.total; id++ {
		statements = append(statements, st.statements[id]...)
	}
	rb, err := buildRuleBase(version, statements)
	if err != nil {
		return nil, err
	}
	st.built = rb
	return rb, nil
}

// Commit atomically swaps a prepared version to active. Committing an
// already-active version is a no-op returning the committed base.
func (s *Store) Commit(version token.Version) (*RuleBase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rb, ok := s.active[version]; ok {
		return rb, nil
	}
	st, ok := s.staged[version]
	if !ok {
		return nil, fault.Newf(fault.KindRuleBaseNotActive, "version %s has nothing staged", version)
	}
	if st.built == nil {
		return nil, fault.Newf(fault.KindRuleBaseNotActive, "version %s has not been prepared", version)
	}
	rb := st.built
	rb.ActivatedAt = s.now()

	s.active[version] = rb
	s.committed[version] = st.contents
	delete(s.staged, version)
	return rb, nil
}

// Promote prepares and commits in one step.
func (s *Store) Promote(version token.Version) (*RuleBase, error) {
	if _, err := s.Prepare(version); err != nil {
		return nil, err
	}
	return s.Commit(version)
}

// Active returns the committed rule base for a version, or a
// RuleBaseNotActive fault.
func (s *Store) Active(version token.Version) (*RuleBase, error) {
	s.mu.RLock()
	rb, ok := s.active[version]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.KindRuleBaseNotActive, "version %s is not active", version)
	}
	return rb, nil
}

// IsActive reports whether the version has been committed.
func (s *Store) IsActive(version token.Version) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.active[version]
	return ok
}

// ActiveVersions lists committed versions ordered by version number.
func (s *Store) ActiveVersions() []token.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]token.Version, 0, len(s.active))
	for v := range s.active {
		out = append(out, v)
	}
	sortVersions(out)
	return out
}

// StagedVersions lists incomplete versions ordered by version number.
func (s *Store) StagedVersions() []StagedInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StagedInfo, 0, len(s.staged))
	for v, st := range s.staged {
		out = append(out, StagedInfo{
			Version:   v,
			Received:  len(st.contents),
			Total:     st.total,
			FirstSeen: st.firstSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return versionLess(out[i].Version, out[j].Version) })
	return out
}

// Retire drops a committed version. The caller is responsible for ensuring
// no live token still references it.
func (s *Store) Retire(version token.Version) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[version]; !ok {
		return false
	}
	delete(s.active, version)
	delete(s.committed, version)
	return true
}

func sortVersions(vs []token.Version) {
	sort.Slice(vs, func(i, j int) bool { return versionLess(vs[i], vs[j]) })
}

func versionLess(a, b token.Version) bool {
	an, aerr := a.Number()
	bn, berr := b.Number()
	if aerr != nil || berr != nil {
		return a < b
	}
	return an < bn
}
