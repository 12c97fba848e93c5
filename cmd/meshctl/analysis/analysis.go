// Package analysis is the offline journal analyzer behind meshctl verify.
// It replays a capture journal, one node's or several nodes' merged, and
// checks the accounting the runtime promises: every admitted token reaches
// a terminal outcome, entries pair with exits, fork genealogy is sound,
// join records resolve exactly once, and the scheduler honored version
// priority.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/praxisworks/meshflow/common/capture"
	"github.com/praxisworks/meshflow/common/fault"
	"github.com/praxisworks/meshflow/common/token"
)

// Report is the outcome of one verification pass.
type Report struct {
	Tokens       int `json:"tokens"`
	Terminated   int `json:"terminated"`
	Expired      int `json:"expired"`
	Diverted     int `json:"diverted"`
	JoinConsumed int `json:"join_consumed"`
	Forked       int `json:"forked"`
	PendingJoins int `json:"pending_joins"`
	ExpiredJoins int `json:"expired_joins"`
	Forwarded    int `json:"forwarded"`

	Lost  []uint64 `json:"lost,omitempty"`
	Stuck []uint64 `json:"stuck,omitempty"`

	PairingViolations []string `json:"pairing_violations,omitempty"`
	ForkViolations    []string `json:"fork_violations,omitempty"`
	JoinViolations    []string `json:"join_violations,omitempty"`
	Inversions        []string `json:"priority_inversions,omitempty"`
}

// Clean reports whether the journal satisfied every invariant. Pending
// joins and forwarded tokens are in-flight work, not defects; priority
// inversions are reported but tolerated, the scheduler only orders what
// it can see.
func (r *Report) Clean() bool {
	return len(r.Lost) == 0 &&
		len(r.Stuck) == 0 &&
		len(r.PairingViolations) == 0 &&
		len(r.ForkViolations) == 0 &&
		len(r.JoinViolations) == 0
}

// Verify loads the whole journal and runs every check.
func Verify(ctx context.Context, reader capture.Reader) (*Report, error) {
	firings, err := reader.Firings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read firings: %w", err)
	}
	edges, err := reader.GenealogyEdges(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read genealogy: %w", err)
	}
	joins, err := reader.JoinRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read join records: %w", err)
	}
	return verify(firings, edges, joins), nil
}

func verify(firings []capture.Firing, edges []capture.Genealogy, joins []capture.JoinSync) *Report {
	r := &Report{}

	byToken := make(map[uint64][]capture.Firing)
	coveredNodes := make(map[string]bool)
	for _, f := range firings {
		// Overflow markers and undecodable-datagram rows carry no token.
		if f.Type == capture.TypeOverflow || f.TokenID == 0 {
			continue
		}
		byToken[f.TokenID] = append(byToken[f.TokenID], f)
		coveredNodes[f.Service+"/"+f.Operation] = true
	}
	for id := range byToken {
		rows := byToken[id]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })
		byToken[id] = rows
	}

	observed, pendingObserved, promoted := joinIndexes(joins)
	captiveParents := captiveParents(edges, joins)

	r.Tokens = len(byToken)
	for _, id := range sortedTokenIDs(byToken) {
		r.classify(id, byToken[id], observed, pendingObserved, captiveParents, coveredNodes)
		r.checkPairing(id, byToken[id], observed, pendingObserved)
	}
	r.checkForks(edges)
	r.checkJoins(joins, byToken)
	r.checkPriority(byToken, promoted)
	return r
}

// joinIndexes derives the sibling-consumption and promotion sets from the
// join lifecycle rows. The last row per record is authoritative.
func joinIndexes(joins []capture.JoinSync) (observed, pendingObserved map[uint64]bool, promoted map[uint64]bool) {
	observed = make(map[uint64]bool)
	pendingObserved = make(map[uint64]bool)
	promoted = make(map[uint64]bool)

	last := make(map[string]capture.JoinSync)
	for _, j := range joins {
		cur, ok := last[j.RecordID]
		if !ok || j.Timestamp.After(cur.Timestamp) {
			last[j.RecordID] = j
		}
	}
	for _, j := range last {
		for _, id := range j.Observed {
			if j.Status == capture.JoinWaiting {
				pendingObserved[id] = true
			} else {
				observed[id] = true
			}
		}
		if j.Status == capture.JoinComplete && j.ContinuationID != 0 {
			promoted[j.ContinuationID] = true
		}
	}
	return observed, pendingObserved, promoted
}

// captiveParents reports which forked parent identities are still held by
// their fork: every parent in the genealogy whose join has not completed.
// A completed join resurrects the parent id as the continuation instead.
func captiveParents(edges []capture.Genealogy, joins []capture.JoinSync) map[uint64]bool {
	captive := make(map[uint64]bool)
	for _, e := range edges {
		captive[e.ParentID] = true
	}
	last := make(map[string]capture.JoinSync)
	for _, j := range joins {
		cur, ok := last[j.RecordID]
		if !ok || j.Timestamp.After(cur.Timestamp) {
			last[j.RecordID] = j
		}
	}
	for _, j := range last {
		if j.Status == capture.JoinComplete {
			delete(captive, j.ParentID)
		}
	}
	return captive
}

func isExit(f capture.Firing) bool {
	switch f.Type {
	case capture.TypeEgress, capture.TypeTerminate, capture.TypeDiverted:
		return true
	}
	return false
}

// classify assigns the token its terminal outcome. Admission requires one
// of: retirement, diversion, join consumption, fork consumption, or a
// forward into a node beyond this journal. Anything else is stuck or lost.
func (r *Report) classify(id uint64, rows []capture.Firing, observed, pendingObserved, captiveParents map[uint64]bool, coveredNodes map[string]bool) {
	for _, f := range rows {
		if f.Type == capture.TypeTerminate {
			r.Terminated++
			return
		}
	}
	last := rows[len(rows)-1]
	if last.Type == capture.TypeDiverted {
		if last.Outcome == fault.KindExpired.String() {
			r.Expired++
		} else {
			r.Diverted++
		}
		return
	}
	if observed[id] {
		r.JoinConsumed++
		return
	}
	if pendingObserved[id] {
		r.PendingJoins++
		return
	}
	if captiveParents[id] {
		r.Forked++
		return
	}
	if last.Type == capture.TypeEgress && last.Target != "" {
		if coveredNodes[last.Target] {
			// The journal covers the destination node but never saw the
			// token arrive: the datagram is gone.
			r.Lost = append(r.Lost, id)
			return
		}
		r.Forwarded++
		return
	}
	r.Stuck = append(r.Stuck, id)
}

// checkPairing enforces the strict entry/exit discipline per node: every
// T_in is followed by an exit row at the same node before the next T_in
// there. Join-consumed siblings are the sanctioned exception.
func (r *Report) checkPairing(id uint64, rows []capture.Firing, observed, pendingObserved map[uint64]bool) {
	type nodeState struct {
		open    bool
		openRow capture.Firing
	}
	nodes := make(map[string]*nodeState)
	for _, f := range rows {
		key := f.Service + "/" + f.Operation
		st := nodes[key]
		if st == nil {
			st = &nodeState{}
			nodes[key] = st
		}
		switch {
		case f.Type == capture.TypeIngress:
			if st.open {
				r.PairingViolations = append(r.PairingViolations,
					fmt.Sprintf("token %d re-entered %s via %s without leaving first", id, key, f.TransitionID))
			}
			st.open = true
			st.openRow = f
		case isExit(f):
			st.open = false
		}
	}
	for key, st := range nodes {
		if !st.open {
			continue
		}
		if observed[id] || pendingObserved[id] {
			continue
		}
		r.PairingViolations = append(r.PairingViolations,
			fmt.Sprintf("token %d entered %s via %s and never left", id, key, st.openRow.TransitionID))
	}
}

// checkForks validates every genealogy group: branch numbers dense from 1,
// arity within bounds and equal to the recorded join count, child ids
// consistent with the lineage encoding.
func (r *Report) checkForks(edges []capture.Genealogy) {
	type forkKey struct {
		parent     uint64
		transition string
	}
	groups := make(map[forkKey][]capture.Genealogy)
	for _, e := range edges {
		k := forkKey{parent: e.ParentID, transition: e.ForkTransitionID}
		groups[k] = append(groups[k], e)
	}

	keys := make([]forkKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].parent != keys[j].parent {
			return keys[i].parent < keys[j].parent
		}
		return keys[i].transition < keys[j].transition
	})

	for _, k := range keys {
		group := groups[k]
		arity := group[0].JoinCount
		if arity < token.MinForkArity || arity > token.MaxForkArity {
			r.ForkViolations = append(r.ForkViolations,
				fmt.Sprintf("fork of %d at %s recorded arity %d", k.parent, k.transition, arity))
			continue
		}
		if len(group) != arity {
			r.ForkViolations = append(r.ForkViolations,
				fmt.Sprintf("fork of %d at %s has %d genealogy rows, expected %d", k.parent, k.transition, len(group), arity))
		}
		branches := make(map[int]bool)
		for _, e := range group {
			if e.JoinCount != arity {
				r.ForkViolations = append(r.ForkViolations,
					fmt.Sprintf("fork of %d at %s mixes arities %d and %d", k.parent, k.transition, arity, e.JoinCount))
			}
			if branches[e.Branch] {
				r.ForkViolations = append(r.ForkViolations,
					fmt.Sprintf("fork of %d at %s repeats branch %d", k.parent, k.transition, e.Branch))
			}
			branches[e.Branch] = true
			wantChild, err := token.ChildID(e.ParentID, e.JoinCount, e.Branch)
			if err != nil || wantChild != e.ChildID {
				r.ForkViolations = append(r.ForkViolations,
					fmt.Sprintf("fork of %d at %s: child %d does not encode branch %d of %d", k.parent, k.transition, e.ChildID, e.Branch, e.JoinCount))
			}
		}
		for b := 1; b <= arity; b++ {
			if !branches[b] {
				r.ForkViolations = append(r.ForkViolations,
					fmt.Sprintf("fork of %d at %s missing branch %d", k.parent, k.transition, b))
			}
		}
	}
}

// checkJoins validates record lifecycles: one terminal row per record, a
// completed record's continuation is the decoded parent and actually
// re-entered the mesh, an expired record never emitted one.
func (r *Report) checkJoins(joins []capture.JoinSync, byToken map[uint64][]capture.Firing) {
	byRecord := make(map[string][]capture.JoinSync)
	order := []string{}
	for _, j := range joins {
		if _, ok := byRecord[j.RecordID]; !ok {
			order = append(order, j.RecordID)
		}
		byRecord[j.RecordID] = append(byRecord[j.RecordID], j)
	}

	for _, id := range order {
		rows := byRecord[id]
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Timestamp.Before(rows[j].Timestamp) })

		terminals := 0
		for _, j := range rows {
			if j.Status != capture.JoinWaiting {
				terminals++
			}
		}
		if terminals > 1 {
			r.JoinViolations = append(r.JoinViolations,
				fmt.Sprintf("join record %s resolved %d times", id, terminals))
		}

		last := rows[len(rows)-1]
		switch last.Status {
		case capture.JoinExpired:
			r.ExpiredJoins++
			if last.ContinuationID != 0 {
				r.JoinViolations = append(r.JoinViolations,
					fmt.Sprintf("join record %s expired yet emitted continuation %d", id, last.ContinuationID))
			}
		case capture.JoinComplete:
			if last.ContinuationID != last.ParentID {
				r.JoinViolations = append(r.JoinViolations,
					fmt.Sprintf("join record %s continued as %d, expected parent %d", id, last.ContinuationID, last.ParentID))
			}
			if len(last.Observed) != last.Expected {
				r.JoinViolations = append(r.JoinViolations,
					fmt.Sprintf("join record %s completed with %d of %d siblings", id, len(last.Observed), last.Expected))
			}
			if !hasIngress(byToken[last.ContinuationID], last.JoinTransitionID) {
				r.JoinViolations = append(r.JoinViolations,
					fmt.Sprintf("join record %s completed but continuation %d never re-entered", id, last.ContinuationID))
			}
		}
	}
}

// hasIngress reports whether the token has an admission row at the join
// node. The join transition T_join_<op> shares its operation with the
// ingress transition T_in_<op>.
func hasIngress(rows []capture.Firing, joinTransition string) bool {
	op := joinTransition[len("T_join_"):]
	want := capture.IngressTransition(op)
	for _, f := range rows {
		if f.Type == capture.TypeIngress && f.TransitionID == want {
			return true
		}
	}
	return false
}

// checkPriority reports version-priority inversions: a lower-priority
// token left a node while a higher-priority token had been admitted there
// and was still waiting. Join continuations are promoted to the band head
// on purpose and are excluded.
func (r *Report) checkPriority(byToken map[uint64][]capture.Firing, promoted map[uint64]bool) {
	type stay struct {
		id      uint64
		version int
		in      time.Time
		out     time.Time
		hasOut  bool
	}
	perNode := make(map[string][]stay)

	for _, id := range sortedTokenIDs(byToken) {
		open := make(map[string]*stay)
		for _, f := range byToken[id] {
			key := f.Service + "/" + f.Operation
			switch {
			case f.Type == capture.TypeIngress:
				n, err := token.Version(f.Version).Number()
				if err != nil {
					continue
				}
				open[key] = &stay{id: id, version: n, in: f.Timestamp}
			case isExit(f):
				if s, ok := open[key]; ok && !s.hasOut {
					s.out = f.Timestamp
					s.hasOut = true
				}
			}
		}
		for key, s := range open {
			perNode[key] = append(perNode[key], *s)
		}
	}

	nodeKeys := make([]string, 0, len(perNode))
	for key := range perNode {
		nodeKeys = append(nodeKeys, key)
	}
	sort.Strings(nodeKeys)

	for _, key := range nodeKeys {
		stays := perNode[key]
		for _, low := range stays {
			if !low.hasOut || promoted[low.id] {
				continue
			}
			for _, high := range stays {
				if high.id == low.id || high.version >= low.version {
					continue
				}
				waitedPast := !high.hasOut || high.out.After(low.out)
				if high.in.Before(low.out) && waitedPast {
					r.Inversions = append(r.Inversions,
						fmt.Sprintf("token %d (v%03d) left %s while token %d (v%03d) was waiting", low.id, low.version, key, high.id, high.version))
				}
			}
		}
	}
}

func sortedTokenIDs(byToken map[uint64][]capture.Firing) []uint64 {
	ids := make([]uint64, 0, len(byToken))
	for id := range byToken {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
