package token

import (
	"testing"
	"time"
)

func TestVersionNumberAndBase(t *testing.T) {
	tests := []struct {
		tag      Version
		number   int
		base     uint64
		wantErr  bool
	}{
		{tag: "v001", number: 1, base: 1_000_000},
		{tag: "v002", number: 2, base: 2_000_000},
		{tag: "v042", number: 42, base: 42_000_000},
		{tag: "001", wantErr: true},
		{tag: "v", wantErr: true},
		{tag: "vxyz", wantErr: true},
		{tag: "v000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(string(tt.tag), func(t *testing.T) {
			n, err := tt.tag.Number()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Number() = %d, want error", n)
				}
				return
			}
			if err != nil {
				t.Fatalf("Number() error: %v", err)
			}
			if n != tt.number {
				t.Errorf("Number() = %d, want %d", n, tt.number)
			}
			base, err := tt.tag.Base()
			if err != nil {
				t.Fatalf("Base() error: %v", err)
			}
			if base != tt.base {
				t.Errorf("Base() = %d, want %d", base, tt.base)
			}
		})
	}
}

func TestVersionForRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 9, 10, 999} {
		v := VersionFor(n)
		got, err := v.Number()
		if err != nil {
			t.Fatalf("VersionFor(%d) = %q, Number() error: %v", n, v, err)
		}
		if got != n {
			t.Errorf("VersionFor(%d).Number() = %d", n, got)
		}
	}
}

func TestChildIDEncoding(t *testing.T) {
	// The arity-2 fork of parent 1_000_000 must produce 1_000_201 and
	// 1_000_202.
	c1, err := ChildID(1_000_000, 2, 1)
	if err != nil {
		t.Fatalf("ChildID branch 1: %v", err)
	}
	c2, err := ChildID(1_000_000, 2, 2)
	if err != nil {
		t.Fatalf("ChildID branch 2: %v", err)
	}
	if c1 != 1_000_201 || c2 != 1_000_202 {
		t.Errorf("children = %d, %d; want 1000201, 1000202", c1, c2)
	}
}

func TestChildIDRejects(t *testing.T) {
	tests := []struct {
		name      string
		parent    uint64
		joinCount int
		branch    int
	}{
		{name: "arity 1", parent: 1_000_000, joinCount: 1, branch: 1},
		{name: "arity 10", parent: 1_000_000, joinCount: 10, branch: 1},
		{name: "branch 0", parent: 1_000_000, joinCount: 2, branch: 0},
		{name: "branch beyond arity", parent: 1_000_000, joinCount: 2, branch: 3},
		{name: "parent with lineage digits", parent: 1_000_201, joinCount: 2, branch: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ChildID(tt.parent, tt.joinCount, tt.branch); err == nil {
				t.Error("ChildID succeeded, want error")
			}
		})
	}
}

func TestDecodeLineage(t *testing.T) {
	tests := []struct {
		name  string
		id    uint64
		want  Lineage
		child bool
	}{
		{
			name:  "branch 1 of arity 2",
			id:    1_000_201,
			want:  Lineage{ParentID: 1_000_000, JoinCount: 2, Branch: 1},
			child: true,
		},
		{
			name:  "branch 2 of arity 2",
			id:    1_000_202,
			want:  Lineage{ParentID: 1_000_000, JoinCount: 2, Branch: 2},
			child: true,
		},
		{
			name:  "branch 9 of arity 9",
			id:    2_003_909,
			want:  Lineage{ParentID: 2_003_000, JoinCount: 9, Branch: 9},
			child: true,
		},
		{name: "root id", id: 1_000_000, child: false},
		{name: "root id with instance offset", id: 1_001_000, child: false},
		{name: "branch digit zero", id: 1_000_200, child: false},
		{name: "branch beyond joinCount digit", id: 1_000_203, child: false},
		{name: "joinCount digit below two", id: 1_000_101, child: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeLineage(tt.id)
			if ok != tt.child {
				t.Fatalf("DecodeLineage(%d) ok = %v, want %v", tt.id, ok, tt.child)
			}
			if ok && got != tt.want {
				t.Errorf("DecodeLineage(%d) = %+v, want %+v", tt.id, got, tt.want)
			}
		})
	}
}

func TestEncodeDecodeAllBranches(t *testing.T) {
	const parent = 3_002_000
	for arity := MinForkArity; arity <= MaxForkArity; arity++ {
		for branch := 1; branch <= arity; branch++ {
			id, err := ChildID(parent, arity, branch)
			if err != nil {
				t.Fatalf("ChildID(%d,%d,%d): %v", parent, arity, branch, err)
			}
			lin, ok := DecodeLineage(id)
			if !ok {
				t.Fatalf("DecodeLineage(%d) not a child", id)
			}
			if lin.ParentID != parent || lin.JoinCount != arity || lin.Branch != branch {
				t.Errorf("round trip (%d,%d,%d) -> %+v", parent, arity, branch, lin)
			}
		}
	}
}

func TestRootIDPartitioning(t *testing.T) {
	base := uint64(1_000_000)
	seen := map[uint64]bool{}
	for n := uint64(0); n < 5; n++ {
		id := RootID(base, n)
		if !Forkable(id) {
			t.Errorf("RootID(%d) = %d not forkable", n, id)
		}
		if BaseOf(id) != base {
			t.Errorf("BaseOf(%d) = %d, want %d", id, BaseOf(id), base)
		}
		if seen[id] {
			t.Errorf("duplicate root id %d", id)
		}
		seen[id] = true
	}
	if VersionOf(RootID(base, 3)) != 1 {
		t.Errorf("VersionOf = %d, want 1", VersionOf(RootID(base, 3)))
	}
}

func TestTokenDeadline(t *testing.T) {
	now := time.Now()
	early := now.Add(5 * time.Second)
	late := now.Add(30 * time.Second)

	tok := &Token{
		Attrs: map[string]string{"a": "1", "b": "2", "c": "3"},
		NotAfter: map[string]time.Time{
			"a": late,
			"b": early,
		},
	}

	d, ok := tok.Deadline()
	if !ok {
		t.Fatal("Deadline() not found")
	}
	if !d.Equal(early) {
		t.Errorf("Deadline() = %v, want %v", d, early)
	}

	if tok.ExpiredAt(early.Add(-time.Millisecond)) {
		t.Error("expired before deadline")
	}
	// Arrival exactly at notAfter counts as expired.
	if !tok.ExpiredAt(early) {
		t.Error("not expired at exact deadline")
	}
	if !tok.ExpiredAt(early.Add(time.Millisecond)) {
		t.Error("not expired after deadline")
	}

	bare := &Token{Attrs: map[string]string{"x": "1"}}
	if _, ok := bare.Deadline(); ok {
		t.Error("Deadline() found on token without notAfter")
	}
	if bare.ExpiredAt(now.Add(time.Hour)) {
		t.Error("token without deadline expired")
	}
}

func TestTokenClone(t *testing.T) {
	orig := &Token{
		ID:       1_000_201,
		Version:  "v001",
		Attrs:    map[string]string{"k": "v"},
		NotAfter: map[string]time.Time{"k": time.Now()},
	}
	c := orig.Clone()
	c.Attrs["k"] = "changed"
	c.NotAfter["k"] = time.Time{}
	if orig.Attrs["k"] != "v" {
		t.Error("clone aliases Attrs")
	}
	if orig.NotAfter["k"].IsZero() {
		t.Error("clone aliases NotAfter")
	}
}
