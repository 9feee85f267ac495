package eviction_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/eviction"
)

func TestLRUSetExample(t *testing.T) {
	set := eviction.NewLRUSet[string]()

	// Insert a set of words.
	words := []string{
		"acushla", "dimity", "favonian", "grimoire",
		"isthmus", "lacustrine", "noctilucent", "tessera",
	}
	for _, word := range words {
		set.Insert(word)
	}

	// Touch some of them. This should cause these entries to be
	// returned last.
	set.Touch("favonian")
	set.Touch("isthmus")

	// Remove all of the words from the set. They should be returned
	// in the same order at which they were inserted or touched.
	// Test that only peeking at them doesn't remove them.
	extractedWords := []string{
		"acushla", "dimity", "grimoire", "lacustrine",
		"noctilucent", "tessera", "favonian", "isthmus",
	}
	for _, word := range extractedWords {
		require.Equal(t, word, set.Peek())
		require.Equal(t, word, set.Peek())
		set.Remove()
	}
}
