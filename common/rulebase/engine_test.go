package rulebase

import (
	"reflect"
	"strings"
	"testing"

	"github.com/praxisworks/meshflow/common/fault"
)

const engineFacts = `
activeService(triage, assess, 127.0.0.1, 20101).
activeService(radiology, scan, 127.0.0.1, 20102).
activeService(ward, admit, 127.0.0.1, 20103).
activeService(pharmacy, dispense, 127.0.0.1, 20104).
activeService(records, report, 127.0.0.1, 20105).

nodeType(triage, assess, decision).
nodeType(radiology, scan, pass).

canonicalBinding(assess, severity, patientRef).
canonicalBinding(scan, image, severity).
canonicalBinding(admit, bed, severity).
canonicalBinding(dispense, receipt, dosage).
canonicalBinding(report, summary, image).

decisionValue(triage, assess, urgent).
decisionValue(triage, assess, routine).

meetsCondition(route_urgent, triage, assess, radiology, scan, "attrs.severity == 'urgent'").
meetsCondition(has_patient, triage, assess, radiology, scan, "has(attrs.patientRef)").
meetsCondition(route_routine, triage, assess, ward, admit, "attrs.severity in decisions && attrs.severity != 'urgent'").
meetsCondition(bad_guard, triage, assess, pharmacy, dispense, "attrs.severity").
`

func engineFixture(t *testing.T) *Engine {
	t.Helper()
	s := NewStore()
	if _, err := s.Stage(frag("v001", 1, 1, engineFacts)); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if _, err := s.Promote("v001"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	return NewEngine(s)
}

func TestNodeTypeQuery(t *testing.T) {
	e := engineFixture(t)

	nt, err := e.NodeType("triage", "assess", "v001")
	if err != nil || nt != NodeDecision {
		t.Errorf("NodeType(triage, assess) = %v, %v", nt, err)
	}
	nt, err = e.NodeType("radiology", "scan", "v001")
	if err != nil || nt != NodePass {
		t.Errorf("NodeType(radiology, scan) = %v, %v", nt, err)
	}
	// No nodeType fact means Unknown, not an error.
	nt, err = e.NodeType("ward", "admit", "v001")
	if err != nil || nt != NodeUnknown {
		t.Errorf("NodeType(ward, admit) = %v, %v", nt, err)
	}
	if _, err := e.NodeType("triage", "assess", "v999"); !fault.IsKind(err, fault.KindRuleBaseNotActive) {
		t.Errorf("inactive version: want RuleBaseNotActive, got %v", err)
	}
}

func TestCanonicalBindingsQuery(t *testing.T) {
	e := engineFixture(t)

	bindings, err := e.CanonicalBindings("assess", "v001")
	if err != nil {
		t.Fatalf("CanonicalBindings: %v", err)
	}
	want := []CanonicalBinding{{Operation: "assess", Produced: "severity", Required: "patientRef"}}
	if !reflect.DeepEqual(bindings, want) {
		t.Errorf("bindings = %+v, want %+v", bindings, want)
	}

	// An operation without binding facts is a pass-through.
	bindings, err = e.CanonicalBindings("unlisted", "v001")
	if err != nil || len(bindings) != 0 {
		t.Errorf("unlisted bindings = %+v, %v", bindings, err)
	}
}

func TestRouteTargets(t *testing.T) {
	e := engineFixture(t)

	// severity is required by radiology/scan and ward/admit.
	targets, err := e.RouteTargets("triage", "assess", map[string]string{"severity": "urgent"}, "v001")
	if err != nil {
		t.Fatalf("RouteTargets: %v", err)
	}
	want := []Target{
		{Service: "radiology", Operation: "scan", Address: "127.0.0.1:20102", Attr: "severity"},
		{Service: "ward", Operation: "admit", Address: "127.0.0.1:20103", Attr: "severity"},
	}
	if !reflect.DeepEqual(targets, want) {
		t.Errorf("targets = %+v, want %+v", targets, want)
	}

	// Two produced attributes fan to every requirer of each.
	targets, err = e.RouteTargets("triage", "assess", map[string]string{"severity": "routine", "image": "img-1"}, "v001")
	if err != nil {
		t.Fatalf("RouteTargets: %v", err)
	}
	wantServices := []string{"radiology", "records", "ward"}
	if len(targets) != 3 {
		t.Fatalf("targets = %+v", targets)
	}
	for i, svc := range wantServices {
		if targets[i].Service != svc {
			t.Errorf("targets[%d].Service = %s, want %s", i, targets[i].Service, svc)
		}
	}

	// An operation never routes back to itself on its own output.
	targets, err = e.RouteTargets("ward", "admit", map[string]string{"severity": "routine"}, "v001")
	if err != nil {
		t.Fatalf("RouteTargets: %v", err)
	}
	if len(targets) != 1 || targets[0].Service != "radiology" {
		t.Errorf("self-exclusion: targets = %+v", targets)
	}

	// An attribute nobody requires yields no targets; the caller retires
	// the token.
	targets, err = e.RouteTargets("pharmacy", "dispense", map[string]string{"receipt": "r-1"}, "v001")
	if err != nil || len(targets) != 0 {
		t.Errorf("unrequired attribute: targets = %+v, %v", targets, err)
	}

	if _, err := e.RouteTargets("triage", "assess", nil, "v999"); !fault.IsKind(err, fault.KindRuleBaseNotActive) {
		t.Errorf("inactive version: want RuleBaseNotActive, got %v", err)
	}
}

func TestRouteTargetsDeterministic(t *testing.T) {
	e := engineFixture(t)
	var first []Target
	for i := 0; i < 10; i++ {
		targets, err := e.RouteTargets("triage", "assess", map[string]string{
			"severity": "urgent",
			"image":    "img-1",
			"receipt":  "r-1",
		}, "v001")
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if first == nil {
			first = targets
			continue
		}
		if !reflect.DeepEqual(targets, first) {
			t.Fatalf("run %d ordering differs:\n%+v\n%+v", i, targets, first)
		}
	}
}

func TestEvaluateGuard(t *testing.T) {
	e := engineFixture(t)

	cases := []struct {
		name     string
		guard    string
		bindings map[string]string
		want     bool
	}{
		{"urgent passes", "route_urgent", map[string]string{"severity": "urgent"}, true},
		{"routine fails urgent", "route_urgent", map[string]string{"severity": "routine"}, false},
		{"routine in decisions", "route_routine", map[string]string{"severity": "routine"}, true},
		{"undeclared decision", "route_routine", map[string]string{"severity": "low"}, false},
		{"has() on present key", "has_patient", map[string]string{"patientRef": "p-1"}, true},
		{"has() on absent key", "has_patient", map[string]string{"severity": "urgent"}, false},
	}
	for _, tc := range cases {
		got, err := e.EvaluateGuard(tc.guard, tc.bindings, "v001")
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEvaluateGuardErrors(t *testing.T) {
	e := engineFixture(t)

	if _, err := e.EvaluateGuard("no_such_guard", nil, "v001"); err == nil || !strings.Contains(err.Error(), "no_such_guard") {
		t.Errorf("unknown guard: %v", err)
	}
	// A guard expression must produce a boolean.
	if _, err := e.EvaluateGuard("bad_guard", map[string]string{"severity": "urgent"}, "v001"); err == nil || !strings.Contains(err.Error(), "boolean") {
		t.Errorf("non-boolean guard: %v", err)
	}
	// Referring to an absent attribute is an evaluation error, not false.
	if _, err := e.EvaluateGuard("route_urgent", map[string]string{}, "v001"); err == nil {
		t.Error("missing attribute should fail evaluation")
	}
	if _, err := e.EvaluateGuard("route_urgent", nil, "v999"); !fault.IsKind(err, fault.KindRuleBaseNotActive) {
		t.Errorf("inactive version: want RuleBaseNotActive, got %v", err)
	}
}

func TestEdgeAllowed(t *testing.T) {
	e := engineFixture(t)
	scanEdge := Target{Service: "radiology", Operation: "scan"}
	admitEdge := Target{Service: "ward", Operation: "admit"}
	reportEdge := Target{Service: "records", Operation: "report"}

	// Both guards on the edge must hold.
	ok, err := e.EdgeAllowed("triage", "assess", scanEdge, map[string]string{"severity": "urgent", "patientRef": "p-1"}, "v001")
	if err != nil || !ok {
		t.Errorf("urgent with patientRef: %v, %v", ok, err)
	}
	ok, err = e.EdgeAllowed("triage", "assess", scanEdge, map[string]string{"severity": "urgent"}, "v001")
	if err != nil || ok {
		t.Errorf("urgent without patientRef must be blocked: %v, %v", ok, err)
	}
	ok, err = e.EdgeAllowed("triage", "assess", scanEdge, map[string]string{"severity": "routine", "patientRef": "p-1"}, "v001")
	if err != nil || ok {
		t.Errorf("routine on urgent edge must be blocked: %v, %v", ok, err)
	}
	ok, err = e.EdgeAllowed("triage", "assess", admitEdge, map[string]string{"severity": "routine"}, "v001")
	if err != nil || !ok {
		t.Errorf("routine on routine edge: %v, %v", ok, err)
	}
	// An unguarded edge always passes.
	ok, err = e.EdgeAllowed("radiology", "scan", reportEdge, nil, "v001")
	if err != nil || !ok {
		t.Errorf("unguarded edge: %v, %v", ok, err)
	}
}

func TestGuardsForEdge(t *testing.T) {
	e := engineFixture(t)

	guards, err := e.GuardsForEdge("triage", "assess", Target{Service: "radiology", Operation: "scan"}, "v001")
	if err != nil {
		t.Fatalf("GuardsForEdge: %v", err)
	}
	if len(guards) != 2 {
		t.Fatalf("guards = %+v", guards)
	}
	names := map[string]bool{guards[0].Name: true, guards[1].Name: true}
	if !names["route_urgent"] || !names["has_patient"] {
		t.Errorf("guard names = %v", names)
	}

	guards, err = e.GuardsForEdge("radiology", "scan", Target{Service: "records", Operation: "report"}, "v001")
	if err != nil || len(guards) != 0 {
		t.Errorf("unguarded edge guards = %+v, %v", guards, err)
	}
}

func TestGuardProgramCache(t *testing.T) {
	e := engineFixture(t)
	if e.CacheSize() != 0 {
		t.Fatalf("fresh cache size = %d", e.CacheSize())
	}
	bindings := map[string]string{"severity": "urgent"}
	for i := 0; i < 3; i++ {
		if _, err := e.EvaluateGuard("route_urgent", bindings, "v001"); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}
	if e.CacheSize() != 1 {
		t.Errorf("cache size after repeats = %d, want 1", e.CacheSize())
	}
	if _, err := e.EvaluateGuard("route_routine", map[string]string{"severity": "routine"}, "v001"); err != nil {
		t.Fatalf("second guard: %v", err)
	}
	if e.CacheSize() != 2 {
		t.Errorf("cache size after second guard = %d, want 2", e.CacheSize())
	}
}
