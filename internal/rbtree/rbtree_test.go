package rbtree_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/rbtree"
)

type key struct {
	rbtree.Node
	v int
}

func (k *key) rbNode() *rbtree.Node { return &k.Node }

func less(a, b rbtree.Elem) bool { return a.(*key).v < b.(*key).v }

func TestInsertExtractSortedOrder(t *testing.T) {
	tree := rbtree.New(less)
	perm := rand.New(rand.NewSource(1)).Perm(200)
	items := make([]*key, len(perm))
	for i, v := range perm {
		items[i] = &key{v: v}
		tree.Insert(items[i])
		require.NoError(t, tree.Verify())
	}

	var got []int
	for tree.Len() > 0 {
		m := tree.ExtractMin()
		require.NoError(t, tree.Verify())
		got = append(got, m.(*key).v)
	}
	for i := 1; i < len(got); i++ {
		require.Less(t, got[i-1], got[i])
	}
	require.Len(t, got, 200)
}

func TestRemoveArbitrary(t *testing.T) {
	tree := rbtree.New(less)
	items := make([]*key, 50)
	for i := range items {
		items[i] = &key{v: i}
		tree.Insert(items[i])
	}
	for i := 0; i < 50; i += 2 {
		tree.Remove(items[i])
		require.False(t, items[i].IsLinked())
		require.NoError(t, tree.Verify())
	}
	require.Equal(t, 25, tree.Len())
	require.Equal(t, 1, tree.Min().(*key).v)
}

func TestFind(t *testing.T) {
	tree := rbtree.New(less)
	a, b := &key{v: 10}, &key{v: 20}
	tree.Insert(a)
	tree.Insert(b)
	require.Equal(t, a, tree.Find(&key{v: 10}))
	require.Nil(t, tree.Find(&key{v: 99}))
}

func TestSuccessor(t *testing.T) {
	tree := rbtree.New(less)
	items := []*key{{v: 5}, {v: 1}, {v: 9}, {v: 3}, {v: 7}}
	for _, it := range items {
		tree.Insert(it)
	}
	cur := tree.Min()
	var order []int
	for cur != nil {
		order = append(order, cur.(*key).v)
		cur = tree.Successor(cur)
	}
	require.Equal(t, []int{1, 3, 5, 7, 9}, order)
}
