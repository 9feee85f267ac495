package digest

// Set is an immutable, sorted collection of digests, created through
// SetBuilder. FindMissing() and the existence cache operate on sets.
type Set struct {
	digests []Digest
}

// EmptySet contains zero elements.
var EmptySet = Set{}

// Items returns the elements of the set in sorted order.
func (s Set) Items() []Digest {
	return s.digests
}

// Empty returns true if the set contains zero elements.
func (s Set) Empty() bool {
	return len(s.digests) == 0
}

// First returns the first element of the set, with ok denoting whether
// the set was non-empty.
func (s Set) First() (Digest, bool) {
	if len(s.digests) == 0 {
		return BadDigest, false
	}
	return s.digests[0], true
}

// Length returns the number of elements in the set.
func (s Set) Length() int {
	return len(s.digests)
}

// RemoveEmptyBlob returns a set with all entries for the empty blob
// filtered out. Empty blobs are implicitly present in the CAS, so they
// must never be reported missing.
func (s Set) RemoveEmptyBlob() Set {
	for start, digest := range s.digests {
		if digest.GetSizeBytes() == 0 {
			// Copy the prefix scanned so far and filter the
			// remainder.
			nonEmptyBlobs := append([]Digest(nil), s.digests[:start]...)
			for _, digest := range s.digests[start+1:] {
				if digest.GetSizeBytes() != 0 {
					nonEmptyBlobs = append(nonEmptyBlobs, digest)
				}
			}
			return Set{digests: nonEmptyBlobs}
		}
	}

	// No empty blobs present; return the set as is.
	return s
}

// GetDifferenceAndIntersection splits the elements of sets A and B into
// the elements only in A, the elements in both, and the elements only
// in B. Both inputs being sorted, this is a single linear merge pass.
func GetDifferenceAndIntersection(setA, setB Set) (onlyA, both, onlyB Set) {
	a, b := setA.digests, setB.digests
	for len(a) > 0 && len(b) > 0 {
		if sA, sB := a[0].String(), b[0].String(); sA < sB {
			onlyA.digests = append(onlyA.digests, a[0])
			a = a[1:]
		} else if sA == sB {
			both.digests = append(both.digests, a[0])
			a, b = a[1:], b[1:]
		} else {
			onlyB.digests = append(onlyB.digests, b[0])
			b = b[1:]
		}
	}
	onlyA.digests = append(onlyA.digests, a...)
	onlyB.digests = append(onlyB.digests, b...)
	return onlyA, both, onlyB
}
