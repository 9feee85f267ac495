package digest

import (
	"sort"
)

// SetBuilder accumulates digests for constructing an immutable Set.
type SetBuilder struct {
	digests map[Digest]struct{}
}

// NewSetBuilder creates a SetBuilder holding no elements.
func NewSetBuilder() SetBuilder {
	return SetBuilder{
		digests: map[Digest]struct{}{},
	}
}

// Add an element to the Set being built. Duplicates collapse.
func (sb SetBuilder) Add(digest Digest) SetBuilder {
	sb.digests[digest] = struct{}{}
	return sb
}

// Length returns the number of elements the built Set would contain.
func (sb SetBuilder) Length() int {
	return len(sb.digests)
}

// Build the Set from the digests provided to Add().
func (sb SetBuilder) Build() Set {
	if len(sb.digests) == 0 {
		return Set{}
	}

	digests := make(digestList, 0, len(sb.digests))
	for digest := range sb.digests {
		digests = append(digests, digest)
	}

	// Sets are sorted, which makes results deterministic and lets
	// GetDifferenceAndIntersection() run in linear time.
	sort.Sort(digests)
	return Set{digests: digests}
}

type digestList []Digest

func (l digestList) Len() int {
	return len(l)
}

func (l digestList) Less(i, j int) bool {
	return l[i].String() < l[j].String()
}

func (l digestList) Swap(i, j int) {
	l[i], l[j] = l[j], l[i]
}
