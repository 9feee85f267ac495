package digest_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/util"
)

func TestInstanceNameTrie(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		// Lookups on a trie holding no elements.
		it := digest.NewInstanceNameTrie()

		require.Equal(t, -1, it.GetExact(digest.EmptyInstanceName))
		require.False(t, it.ContainsExact(digest.EmptyInstanceName))
		require.False(t, it.ContainsPrefix(digest.EmptyInstanceName))

		require.Equal(t, -1, it.GetExact(util.Must(digest.NewInstanceName("acme"))))
		require.False(t, it.ContainsExact(util.Must(digest.NewInstanceName("acme"))))
		require.False(t, it.ContainsPrefix(util.Must(digest.NewInstanceName("acme/ci"))))
	})

	t.Run("WithoutRoot", func(t *testing.T) {
		// The empty instance name is not part of the trie, so
		// only the named entries and their extensions match.
		it := digest.NewInstanceNameTrie()
		it.Set(util.Must(digest.NewInstanceName("acme")), 123)
		it.Set(util.Must(digest.NewInstanceName("acme/ci/linux")), 456)

		require.Equal(t, -1, it.GetExact(digest.EmptyInstanceName))
		require.False(t, it.ContainsPrefix(digest.EmptyInstanceName))

		require.Equal(t, 123, it.GetExact(util.Must(digest.NewInstanceName("acme"))))
		require.True(t, it.ContainsExact(util.Must(digest.NewInstanceName("acme"))))
		require.True(t, it.ContainsPrefix(util.Must(digest.NewInstanceName("acme"))))

		// "acme/ci" is only covered as an extension of "acme".
		require.Equal(t, -1, it.GetExact(util.Must(digest.NewInstanceName("acme/ci"))))
		require.False(t, it.ContainsExact(util.Must(digest.NewInstanceName("acme/ci"))))
		require.True(t, it.ContainsPrefix(util.Must(digest.NewInstanceName("acme/ci"))))

		require.Equal(t, 456, it.GetExact(util.Must(digest.NewInstanceName("acme/ci/linux"))))
		require.True(t, it.ContainsPrefix(util.Must(digest.NewInstanceName("acme/ci/linux/x86"))))

		// Siblings of stored names must not match.
		require.False(t, it.ContainsExact(util.Must(digest.NewInstanceName("initech"))))
		require.False(t, it.ContainsPrefix(util.Must(digest.NewInstanceName("initech/ci"))))
	})

	t.Run("WithRoot", func(t *testing.T) {
		// Storing the empty instance name makes every name a
		// prefix match, while exact lookups stay selective.
		it := digest.NewInstanceNameTrie()
		it.Set(digest.EmptyInstanceName, 123)
		it.Set(util.Must(digest.NewInstanceName("acme/ci")), 456)

		require.Equal(t, 123, it.GetExact(digest.EmptyInstanceName))
		require.True(t, it.ContainsExact(digest.EmptyInstanceName))
		require.True(t, it.ContainsPrefix(digest.EmptyInstanceName))

		require.Equal(t, -1, it.GetExact(util.Must(digest.NewInstanceName("acme"))))
		require.False(t, it.ContainsExact(util.Must(digest.NewInstanceName("acme"))))
		require.True(t, it.ContainsPrefix(util.Must(digest.NewInstanceName("acme"))))

		require.Equal(t, 456, it.GetExact(util.Must(digest.NewInstanceName("acme/ci"))))
		require.True(t, it.ContainsExact(util.Must(digest.NewInstanceName("acme/ci"))))
		require.True(t, it.ContainsPrefix(util.Must(digest.NewInstanceName("acme/ci/linux"))))
	})
}
