package digest

import (
	"strings"
)

type instanceNameTrieNode struct {
	children map[string]*instanceNameTrieNode
	value    int
}

// InstanceNameTrie is a prefix tree over the slash-separated components
// of instance names. Instance names are hierarchical, so authorization
// rules can be expressed either against exact names or against name
// prefixes.
//
// Every key stored in the trie carries an integer value, which callers
// may use as an index into a parallel list.
type InstanceNameTrie struct {
	root instanceNameTrieNode
}

// NewInstanceNameTrie creates an InstanceNameTrie holding no elements.
func NewInstanceNameTrie() *InstanceNameTrie {
	return &InstanceNameTrie{
		root: instanceNameTrieNode{
			children: map[string]*instanceNameTrieNode{},
			value:    -1,
		},
	}
}

// Set the value associated with an instance name.
func (it *InstanceNameTrie) Set(i InstanceName, value int) {
	components := strings.FieldsFunc(i.value, func(r rune) bool { return r == '/' })
	n := &it.root
	for _, component := range components {
		nNext, ok := n.children[component]
		if !ok {
			nNext = &instanceNameTrieNode{
				children: map[string]*instanceNameTrieNode{},
				value:    -1,
			}
			n.children[component] = nNext
		}
		n = nNext
	}
	n.value = value
}

// ContainsExact returns whether the trie contains exactly the provided
// instance name.
func (it *InstanceNameTrie) ContainsExact(i InstanceName) bool {
	return it.GetExact(i) >= 0
}

// ContainsPrefix returns whether the trie contains one or more instance
// names that are a prefix of the one provided.
func (it *InstanceNameTrie) ContainsPrefix(i InstanceName) bool {
	// The empty instance name is a prefix of every other one.
	if it.root.value >= 0 {
		return true
	}
	in := i.String()
	if in == "" {
		return false
	}

	n := &it.root
	for {
		idx := strings.IndexByte(in, '/')
		if idx < 0 {
			// Last component.
			nFinal, ok := n.children[in]
			return ok && nFinal.value >= 0
		}

		nNext, ok := n.children[in[:idx]]
		if !ok {
			return false
		}
		n = nNext
		in = in[idx+1:]
		if n.value >= 0 {
			return true
		}
	}
}

// GetExact returns the value associated with the provided instance
// name, or -1 if no exact match was ever Set().
func (it *InstanceNameTrie) GetExact(i InstanceName) int {
	in := i.String()
	if in == "" {
		return it.root.value
	}

	n := &it.root
	for {
		idx := strings.IndexByte(in, '/')
		if idx < 0 {
			// Last component.
			if nFinal, ok := n.children[in]; ok && nFinal.value >= 0 {
				return nFinal.value
			}
			return -1
		}

		nNext, ok := n.children[in[:idx]]
		if !ok {
			return -1
		}
		n = nNext
		in = in[idx+1:]
	}
}

// InstanceNameMatcher is the callback shape shared by
// InstanceNameTrie.ContainsExact and ContainsPrefix, for code (such as
// authorizers) that treats a trie as a plain set of instance names.
type InstanceNameMatcher func(i InstanceName) bool

var (
	_ InstanceNameMatcher = (*InstanceNameTrie)(nil).ContainsExact
	_ InstanceNameMatcher = (*InstanceNameTrie)(nil).ContainsPrefix
)
