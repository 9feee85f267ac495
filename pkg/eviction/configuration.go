package eviction

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewSetFromConfiguration creates a new cache replacement set using an
// algorithm specified by its configuration name.
func NewSetFromConfiguration[T comparable](cacheReplacementPolicy string) (Set[T], error) {
	switch cacheReplacementPolicy {
	case "first_in_first_out":
		return NewFIFOSet[T](), nil
	case "least_recently_used", "":
		return NewLRUSet[T](), nil
	case "random_replacement":
		return NewRRSet[T](), nil
	default:
		return nil, status.Errorf(codes.InvalidArgument, "Unknown cache replacement policy %#v", cacheReplacementPolicy)
	}
}
