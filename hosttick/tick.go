// Package hosttick ties the core to the real-time clock: it owns the
// scheduled-procedure queue (server list polls, test commands), pumps the
// network every frame, and runs per-tick work through the task system.
package hosttick

import (
	"container/heap"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/joeycumines/go-quakenet/netchan"
	"github.com/joeycumines/go-quakenet/netstack"
	"github.com/joeycumines/go-quakenet/tasksys"
)

// procedure is one deferred call, ordered by due time.
type procedure struct {
	when float64
	fn   func()
}

type procHeap []procedure

func (h procHeap) Len() int            { return len(h) }
func (h procHeap) Less(i, j int) bool  { return h[i].when < h[j].when }
func (h procHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *procHeap) Push(x any)         { *h = append(*h, x.(procedure)) }
func (h *procHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Ticker drives the stack and the task system from the host frame loop.
// Create it first, hand it to netstack.Config.Scheduler, then assign
// Stack.
type Ticker struct {
	Stack *netstack.Stack
	Tasks *tasksys.System
	Log   *logiface.Logger[logiface.Event]

	procs procHeap
}

// Schedule defers fn by delaySeconds of net time. Implements
// netstack.Scheduler.
func (t *Ticker) Schedule(delaySeconds float64, fn func()) {
	heap.Push(&t.procs, procedure{when: t.Stack.Time() + delaySeconds, fn: fn})
}

// Poll advances net time and runs every procedure that has come due.
func (t *Ticker) Poll() {
	now := t.Stack.SetNetTime()
	for len(t.procs) > 0 && t.procs[0].when <= now {
		p := heap.Pop(&t.procs).(procedure)
		p.fn()
	}
}

// Tick runs one host frame: scheduled procedures, inbound connection and
// master housekeeping, then every complete inbound server message through
// handler, with the payload in Stack.Message().
func (t *Ticker) Tick(handler func(sock *netchan.Socket)) {
	t.Poll()

	if sock := t.Stack.CheckNewConnections(); sock != nil && t.Log != nil {
		t.Log.Info().Str("peer", sock.MaskedAddress).Log("new connection")
	}

	for {
		sock := t.Stack.GetServerMessage()
		if sock == nil {
			break
		}
		if handler != nil {
			handler(sock)
		}
	}
}

// RunScalar submits fn to the task system and waits for it.
func (t *Ticker) RunScalar(fn tasksys.Func, payload any) {
	h := t.Tasks.AllocateAssignFuncAndSubmit(fn, payload)
	t.Tasks.Join(h, 0)
}

// RunIndexed fans fn out over [0, limit) and waits for every iteration.
func (t *Ticker) RunIndexed(fn tasksys.IndexedFunc, limit int, payload any) {
	h := t.Tasks.AllocateAssignIndexedFuncAndSubmit(fn, limit, payload)
	t.Tasks.Join(h, 0)
}

// Run loops Tick at the given frame interval until stop is closed.
func (t *Ticker) Run(stop <-chan struct{}, frameInterval time.Duration, handler func(sock *netchan.Socket)) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Tick(handler)
		}
	}
}
