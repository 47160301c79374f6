package mls

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeWidth(t *testing.T) {
	cases := []struct {
		n LeafCount
		w uint32
	}{
		{1, 1},
		{2, 3},
		{3, 5},
		{4, 7},
		{5, 9},
		{8, 15},
	}
	for _, c := range cases {
		require.Equal(t, c.w, nodeWidth(c.n))
	}
}

func TestRoot(t *testing.T) {
	cases := []struct {
		n LeafCount
		r NodeIndex
	}{
		{1, 0},
		{2, 1},
		{3, 3},
		{4, 3},
		{5, 7},
		{8, 7},
	}
	for _, c := range cases {
		require.Equal(t, c.r, root(c.n), "n=%d", c.n)
	}
}

// For every (n, i), parent(left(i)) == i and parent(right(i)) == i,
// for every internal node i (spec.md §8).
func TestParentOfChildrenIsSelf(t *testing.T) {
	for n := LeafCount(1); n <= 64; n++ {
		w := nodeWidth(n)
		for i := uint32(0); i < w; i++ {
			idx := NodeIndex(i)
			if level(idx) == 0 {
				continue // leaves have no children
			}
			l := left(idx)
			r := right(idx, n)
			require.Equal(t, idx, parent(l, n), "n=%d i=%d left=%d", n, i, l)
			require.Equal(t, idx, parent(r, n), "n=%d i=%d right=%d", n, i, r)
		}
	}
}

func TestParentAtRootIsNotOK(t *testing.T) {
	for n := LeafCount(1); n <= 32; n++ {
		r := root(n)
		_, ok := parentOK(r, n)
		require.False(t, ok)
	}
}

func TestDirpathExcludesRoot(t *testing.T) {
	n := LeafCount(8)
	r := root(n)
	for i := uint32(0); i < nodeWidth(n); i += 2 {
		d := dirpath(NodeIndex(i), n)
		for _, a := range d {
			require.NotEqual(t, r, a)
		}
	}
}

func TestDirpathWithRootEndsAtRoot(t *testing.T) {
	n := LeafCount(9)
	r := root(n)
	for i := uint32(0); i < nodeWidth(n); i += 2 {
		d := dirpathWithRoot(NodeIndex(i), n)
		require.NotEmpty(t, d)
		require.Equal(t, r, d[len(d)-1])
	}
}

func TestCopathSameLengthAsDirpathWithRoot(t *testing.T) {
	n := LeafCount(11)
	for i := uint32(0); i < nodeWidth(n); i += 2 {
		d := dirpathWithRoot(NodeIndex(i), n)
		c := copath(NodeIndex(i), n)
		require.Equal(t, len(d), len(c), "leaf %d", i)
	}
}

func TestCommonAncestorSymmetricAndSelf(t *testing.T) {
	n := LeafCount(6)
	w := nodeWidth(n)
	for i := uint32(0); i < w; i++ {
		require.Equal(t, NodeIndex(i), commonAncestor(NodeIndex(i), NodeIndex(i)))
	}
	for i := uint32(0); i < w; i++ {
		for j := uint32(0); j < w; j++ {
			require.Equal(t, commonAncestor(NodeIndex(i), NodeIndex(j)), commonAncestor(NodeIndex(j), NodeIndex(i)))
		}
	}
}

func TestSiblingInvolution(t *testing.T) {
	n := LeafCount(7)
	w := nodeWidth(n)
	r := root(n)
	for i := uint32(0); i < w; i++ {
		idx := NodeIndex(i)
		if idx == r {
			continue
		}
		s := sibling(idx, n)
		require.Equal(t, idx, sibling(s, n), "node %d", i)
	}
}
