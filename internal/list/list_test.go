package list_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romankurakin/bullfinch/internal/list"
)

type item struct {
	list.Node
	id int
}

func (it *item) listNode() *list.Node { return &it.Node }

func TestPushPopOrder(t *testing.T) {
	var l list.List
	a, b, c := &item{id: 1}, &item{id: 2}, &item{id: 3}

	l.PushBack(a)
	l.PushBack(b)
	l.PushFront(c)
	require.Equal(t, 3, l.Len())
	require.Equal(t, c, l.First())
	require.Equal(t, b, l.Last())

	require.Equal(t, c, l.PopFront())
	require.Equal(t, a, l.PopFront())
	require.Equal(t, b, l.PopFront())
	require.True(t, l.IsEmpty())
	require.Nil(t, l.PopFront())
}

func TestRemoveMiddle(t *testing.T) {
	var l list.List
	a, b, c := &item{id: 1}, &item{id: 2}, &item{id: 3}
	l.PushBack(a)
	l.PushBack(b)
	l.PushBack(c)

	l.Remove(b)
	require.Equal(t, 2, l.Len())

	var ids []int
	l.Each(func(e list.Elem) { ids = append(ids, e.(*item).id) })
	require.Equal(t, []int{1, 3}, ids)
}

func TestReuseAfterRemove(t *testing.T) {
	var l list.List
	a := &item{id: 1}
	l.PushBack(a)
	l.Remove(a)
	require.NotPanics(t, func() { l.PushFront(a) })
}
