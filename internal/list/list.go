// Package list implements an intrusive doubly-linked list: the link
// pointers live inside the owning object (embed a list.Node and implement
// list.Elem) instead of in a separate allocation, so pushing and popping
// never touches the allocator. Used by the PMM free list (C7) and the
// slab per-pool free lists (C8).
package list

// debug gates the O(1) "is this item already linked" assertions called out
// in §4.1. Flip to true when chasing a use-after-free in the allocators.
const debug = false

// Elem is implemented by anything that can be linked into a List: it
// exposes the embedded Node that carries the link pointers.
type Elem interface {
	listNode() *Node
}

// Node is the embeddable link. next and prev are Elem interface values of
// two machine words each, and linked is an ordinary field present in every
// build (only its assertions are debug-gated), so a Node is 40 bytes on a
// 64-bit target rather than two pointers.
type Node struct {
	next, prev Elem
	linked     bool
}

// listNode gives a type built on top of Node its Elem implementation. Owning
// types should embed Node by value and forward listNode, e.g.:
//
//	type page struct { list.Node; ... }
//	func (p *page) listNode() *list.Node { return &p.Node }
func (n *Node) listNode() *Node { return n }

// List is an intrusive doubly-linked list over a fixed Elem type.
type List struct {
	head, tail Elem
	length     int
}

// IsEmpty reports whether the list has no elements. O(1).
func (l *List) IsEmpty() bool { return l.length == 0 }

// Len returns the element count. O(1).
func (l *List) Len() int { return l.length }

// First returns the head element, or nil if empty. O(1).
func (l *List) First() Elem { return l.head }

// Last returns the tail element, or nil if empty. O(1).
func (l *List) Last() Elem { return l.tail }

// PushFront links e at the head of the list. O(1).
func (l *List) PushFront(e Elem) {
	n := e.listNode()
	assertUnlinked(n)
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.listNode().prev = e
	} else {
		l.tail = e
	}
	l.head = e
	n.linked = true
	l.length++
}

// PushBack links e at the tail of the list. O(1).
func (l *List) PushBack(e Elem) {
	n := e.listNode()
	assertUnlinked(n)
	n.next = nil
	n.prev = l.tail
	if l.tail != nil {
		l.tail.listNode().next = e
	} else {
		l.head = e
	}
	l.tail = e
	n.linked = true
	l.length++
}

// PopFront unlinks and returns the head element, or nil if empty. O(1).
func (l *List) PopFront() Elem {
	e := l.head
	if e == nil {
		return nil
	}
	l.Remove(e)
	return e
}

// PopBack unlinks and returns the tail element, or nil if empty. O(1).
func (l *List) PopBack() Elem {
	e := l.tail
	if e == nil {
		return nil
	}
	l.Remove(e)
	return e
}

// Remove unlinks e from the list. O(1). Debug builds panic if e is not
// currently linked into any list, per §4.1.
func (l *List) Remove(e Elem) {
	n := e.listNode()
	if debug && !n.linked {
		panic("list: remove of unlinked item")
	}
	if n.prev != nil {
		n.prev.listNode().next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.listNode().prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.next, n.prev = nil, nil
	n.linked = false
	l.length--
}

// Each calls fn for every element from head to tail. O(n).
func (l *List) Each(fn func(Elem)) {
	for e := l.head; e != nil; e = e.listNode().next {
		fn(e)
	}
}

func assertUnlinked(n *Node) {
	if debug && n.linked {
		panic("list: push of already-linked item")
	}
}
