// Package token defines workflow token identity: version tags, the numeric
// workflow base that partitions the id space, and the lineage encoding that
// lets a join coordinator recover a forked child's parent and siblings from
// the child id alone.
package token

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// versionStride is the size of the id range owned by one workflow
	// version: version V owns [V*versionStride, (V+1)*versionStride).
	versionStride = 1_000_000

	// rootStride spaces root token ids inside a version range. The low
	// three decimal digits of an id are reserved for fork lineage, so
	// roots sit on a multiple of 1000.
	rootStride = 1_000

	// MinForkArity and MaxForkArity bound the number of branches a single
	// fork may produce. The upper bound keeps the joinCount digit of the
	// lineage encoding unambiguous.
	MinForkArity = 2
	MaxForkArity = 9
)

// Version is a workflow version tag such as "v001". Versions are assigned
// monotonically; a lower number outranks a higher one in the scheduler.
type Version string

// Number returns the numeric part of the version tag.
func (v Version) Number() (int, error) {
	s := string(v)
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return 0, fmt.Errorf("malformed version tag %q", s)
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("malformed version tag %q", s)
	}
	return n, nil
}

// Base returns the workflow base anchoring this version's id range.
func (v Version) Base() (uint64, error) {
	n, err := v.Number()
	if err != nil {
		return 0, err
	}
	return uint64(n) * versionStride, nil
}

// VersionFor formats a version tag for a version number.
func VersionFor(n int) Version {
	return Version(fmt.Sprintf("v%03d", n))
}

// VersionOf recovers the version number owning an id.
func VersionOf(id uint64) int {
	return int(id / versionStride)
}

// BaseOf recovers the workflow base owning an id.
func BaseOf(id uint64) uint64 {
	return (id / versionStride) * versionStride
}

// RootID returns the id of the nth root token of a version. Roots are spaced
// so their lineage digits are zero and any root may later fork.
func RootID(base uint64, n uint64) uint64 {
	return base + n*rootStride
}

// Forkable reports whether an id may act as a fork parent. Only ids with
// clear lineage digits can encode children; forking an unjoined forked
// child is a coordination error upstream.
func Forkable(id uint64) bool {
	return id%rootStride == 0
}

// ChildID encodes the identity of one forked child:
//
//	childId = parentId + joinCount*100 + branch
//
// with branch in [1, joinCount] and joinCount in [MinForkArity, MaxForkArity].
func ChildID(parentID uint64, joinCount, branch int) (uint64, error) {
	if joinCount < MinForkArity || joinCount > MaxForkArity {
		return 0, fmt.Errorf("fork arity %d outside [%d,%d]", joinCount, MinForkArity, MaxForkArity)
	}
	if branch < 1 || branch > joinCount {
		return 0, fmt.Errorf("branch %d outside [1,%d]", branch, joinCount)
	}
	if !Forkable(parentID) {
		return 0, fmt.Errorf("parent id %d carries lineage digits", parentID)
	}
	return parentID + uint64(joinCount)*100 + uint64(branch), nil
}

// Lineage is the decoded fork ancestry of a child id.
type Lineage struct {
	ParentID  uint64
	JoinCount int
	Branch    int
}

// DecodeLineage recovers the lineage from the low three decimal digits of an
// id. The second return is false when the id is not a forked child.
func DecodeLineage(id uint64) (Lineage, bool) {
	offset := id % rootStride
	joinCount := int(offset / 100)
	branch := int(offset % 100)
	if joinCount < MinForkArity || joinCount > MaxForkArity {
		return Lineage{}, false
	}
	if branch < 1 || branch > joinCount {
		return Lineage{}, false
	}
	return Lineage{
		ParentID:  id - offset,
		JoinCount: joinCount,
		Branch:    branch,
	}, true
}

// Token is the in-memory form of one in-flight workflow instance, parsed
// from an ingress payload. The wire representation lives in common/payload.
type Token struct {
	ID        uint64
	Version   Version
	Base      uint64
	Service   string
	Operation string

	// Attrs carries the joinAttribute name/value pairs.
	Attrs map[string]string

	// NotAfter holds the per-attribute deadlines; absent attributes have
	// no deadline.
	NotAfter map[string]time.Time

	// Continuation marks a token emitted by a completed join. It routes
	// with pass semantics and skips the local service invocation.
	Continuation bool
}

// Deadline returns the effective deadline: the minimum over all attribute
// notAfter values. The second return is false when no attribute carries one.
func (t *Token) Deadline() (time.Time, bool) {
	var min time.Time
	found := false
	for _, d := range t.NotAfter {
		if d.IsZero() {
			continue
		}
		if !found || d.Before(min) {
			min = d
			found = true
		}
	}
	return min, found
}

// ExpiredAt reports whether the token's effective deadline has passed at
// now. A token arriving exactly at its deadline counts as expired.
func (t *Token) ExpiredAt(now time.Time) bool {
	d, ok := t.Deadline()
	if !ok {
		return false
	}
	return !now.Before(d)
}

// Clone returns a deep copy. Publisher and join code mutate attribute maps;
// queued tokens must not alias them.
func (t *Token) Clone() *Token {
	c := *t
	c.Attrs = make(map[string]string, len(t.Attrs))
	for k, v := range t.Attrs {
		c.Attrs[k] = v
	}
	c.NotAfter = make(map[string]time.Time, len(t.NotAfter))
	for k, v := range t.NotAfter {
		c.NotAfter[k] = v
	}
	return &c
}
