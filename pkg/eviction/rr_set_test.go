package eviction_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/eviction"
)

func TestRRSetExample(t *testing.T) {
	set := eviction.NewRRSet[string]()

	// Insert a set of words.
	words := []string{
		"bezoar", "chatoyant", "eyot", "mondegreen",
		"petrichor", "sfumato", "williwaw", "zarf",
	}
	for _, word := range words {
		set.Insert(word)
	}

	// Touch some of them. This should have no effect, as Random
	// Replacement does not respect any order.
	set.Touch("chatoyant")
	set.Touch("williwaw")

	// Remove all of the words from the set. Their order is
	// unspecified, but each word must come out exactly once. Test
	// that only peeking at them doesn't remove them.
	extractedWords := make([]string, 0, len(words))
	for i := 0; i < len(words); i++ {
		word := set.Peek()
		require.Equal(t, word, set.Peek())
		extractedWords = append(extractedWords, word)
		set.Remove()
	}
	sort.Strings(extractedWords)
	require.Equal(t, words, extractedWords)
}
