package sched

import (
	"github.com/romankurakin/bullfinch/internal/hal"
	"github.com/romankurakin/bullfinch/internal/list"
	"github.com/romankurakin/bullfinch/internal/rbtree"
	"github.com/romankurakin/bullfinch/internal/vmm"
)

// ThreadState is a thread's scheduling state, per §3.
type ThreadState int

const (
	Ready ThreadState = iota
	Running
	Blocked
	Exited
)

// ProcessState is a process's lifecycle state, per §3.
type ProcessState int

const (
	Active ProcessState = iota
	Exiting
	Zombie
)

// BaseWeight is the default scheduling weight (§4.12); the idle thread
// uses weight 1 instead.
const BaseWeight = 1024

// IdleWeight is the idle thread's weight; it is never enqueued so the
// value only matters for Tick's vruntime-scaling arithmetic, where it is
// never consulted (idle's vruntime is treated as +infinity).
const IdleWeight = 1

// Process is the PCB (§3): a process id, its thread list, and a
// lifecycle state. Destroyed only when its thread count reaches zero.
type Process struct {
	ID      uint32
	threads list.List
	State   ProcessState
}

// ThreadCount returns the number of threads currently owned by p.
func (p *Process) ThreadCount() int { return p.threads.Len() }

// Thread is the TCB (§3). Belongs to two intrusive containers at once:
// its process's thread list (list.Node, embedded so listNode() is
// promoted) and the scheduler runqueue (rbtree.Node, held as a named
// field since a struct cannot embed two same-named link types).
type Thread struct {
	list.Node
	rb rbtree.Node

	ID       uint32
	Proc     *Process
	State    ThreadState
	Ctx      hal.Context
	Stack    *vmm.Stack
	Weight   uint64
	VRuntime uint64

	// BlockedOn is an opaque word set by Block and cleared by Wake; the
	// scheduler never interprets it.
	BlockedOn uintptr

	// seq is the insertion-order tiebreak the runqueue comparator uses
	// when two threads share a vruntime (§3's "(virtual_runtime,
	// insertion tiebreak)" ordering).
	seq uint64

	// irqWasEnabled is the outgoing interrupt-enable flag captured at the
	// context switch that most recently made this thread not-running,
	// taken from the lock guard's pre-acquire state per §4.12.
	irqWasEnabled bool
}

func (t *Thread) listNode() *list.Node { return &t.Node }
func (t *Thread) rbNode() *rbtree.Node { return &t.rb }

// IsQueued reports whether the thread is currently linked into the
// runqueue.
func (t *Thread) IsQueued() bool { return t.rb.IsLinked() }
