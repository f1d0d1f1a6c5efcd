// Package tasksys implements a fixed-capacity parallel task system:
// multi-producer/multi-consumer bounded queues of task indices, typed
// payloads, indexed (parallel-for) tasks with per-worker work stealing,
// dependency graphs, and epoch-tagged handles that stay safe to use after
// their slot has been recycled.
//
// The task table, both queues, and the per-worker counters are created
// once by New; Allocate creates only the task's fresh completion channel.
package tasksys

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	numIndexBits = 8

	// MaxPendingTasks is the size of the task table; at most this many
	// tasks can be allocated and not yet completed.
	MaxPendingTasks = 1 << numIndexBits

	// MaxExecutableTasks bounds the executable queue.
	MaxExecutableTasks = 256

	// MaxDependentTasks caps the dependents recorded per task.
	MaxDependentTasks = 16

	// MaxPayloadSize caps byte-slice and string payloads.
	MaxPayloadSize = 128

	// MaxWorkers caps the worker pool.
	MaxWorkers = 32
)

// Handle identifies an allocated task: the low 8 bits index the task
// table, the upper 56 bits carry the slot's epoch at allocation time. A
// handle whose epoch no longer matches its slot refers to a completed
// task.
type Handle uint64

func makeHandle(index uint32, epoch uint64) Handle {
	return Handle(uint64(index) | epoch<<numIndexBits)
}

func (h Handle) index() uint32 { return uint32(h) & (MaxPendingTasks - 1) }
func (h Handle) epoch() uint64 { return uint64(h) >> numIndexBits }

// Func is a scalar task body.
type Func func(payload any)

// IndexedFunc is an indexed task body, called once per index in
// [0, limit) with indices distributed across workers.
type IndexedFunc func(index int, payload any)

type taskType uint8

const (
	taskNone taskType = iota
	taskScalar
	taskIndexed
	taskStop
)

type task struct {
	mu   sync.Mutex
	done chan struct{} // closed when the current epoch completes

	epoch         uint64
	typ           taskType
	fn            Func
	indexedFn     IndexedFunc
	payload       any
	indexedLimit  int
	numDependents int
	dependents    [MaxDependentTasks]Handle

	remainingWorkers atomic.Int32
	remainingDeps    atomic.Int32
}

// taskCounter partitions an indexed task's range for one worker; index is
// advanced by atomic fetch-add so idle workers can steal the remainder of
// a neighbor's stripe.
type taskCounter struct {
	index atomic.Uint32
	limit uint32
}

// Options configures New.
type Options struct {
	// Workers overrides the worker count; 0 means the CPU count clamped
	// to [1, MaxWorkers]. Ignored when PinnedCores is set.
	Workers int

	// PinnedCores is a comma-separated list of core IDs. When valid and
	// non-empty it fixes the worker count to the list length and pins
	// each worker's thread to the corresponding CPU (where supported).
	// Any non-digit input invalidates the whole list.
	PinnedCores string

	// Logger receives worker lifecycle and panic events. May be nil.
	Logger *logiface.Logger[logiface.Event]
}

// System is a task scheduler instance. All methods are safe for
// concurrent use.
type System struct {
	log *logiface.Logger[logiface.Event]

	tasks     [MaxPendingTasks]task
	freeQueue *taskQueue
	execQueue *taskQueue

	// indexedCounters holds numWorkers stripes per task slot, laid out
	// worker-major so a worker's counters for distinct tasks don't share
	// lines with other workers'.
	indexedCounters []taskCounter

	// stealWorkerIndices maps workerIndex+i to the i'th neighbor,
	// avoiding a modulo in the indexed execution loop.
	stealWorkerIndices []uint8

	numWorkers  int
	pinnedCores []int

	workerIDs sync.Map // goroutine id -> worker index
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates the task system and starts its workers.
func New(opts *Options) *System {
	s := &System{}
	if opts != nil {
		s.log = opts.Logger
	}

	s.numWorkers = clamp(runtime.NumCPU(), 1, MaxWorkers)
	if opts != nil && opts.Workers > 0 {
		s.numWorkers = clamp(opts.Workers, 1, MaxWorkers)
	}
	if opts != nil && opts.PinnedCores != "" {
		if cores := parsePinnedCores(opts.PinnedCores, MaxWorkers); len(cores) > 0 {
			s.pinnedCores = cores
			s.numWorkers = len(cores)
		}
	}

	s.freeQueue = newTaskQueue(MaxPendingTasks)
	s.execQueue = newTaskQueue(MaxExecutableTasks)

	// One slot is held back so a full table cannot wrap the queue.
	for i := uint32(0); i < MaxPendingTasks-1; i++ {
		s.freeQueue.push(i)
	}
	for i := range s.tasks {
		s.tasks[i].done = make(chan struct{})
	}

	s.stealWorkerIndices = make([]uint8, s.numWorkers*2)
	for i := 0; i < s.numWorkers; i++ {
		s.stealWorkerIndices[i] = uint8(i)
		s.stealWorkerIndices[i+s.numWorkers] = uint8(i)
	}
	s.indexedCounters = make([]taskCounter, s.numWorkers*MaxPendingTasks)

	s.wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(i)
	}

	s.log.Info().
		Int("workers", s.numWorkers).
		Bool("pinned", len(s.pinnedCores) > 0).
		Log("task system started")

	return s
}

// NumWorkers returns the worker count.
func (s *System) NumWorkers() int { return s.numWorkers }

// IsWorker reports whether the calling goroutine is one of the system's
// workers.
func (s *System) IsWorker() bool {
	_, ok := s.workerIDs.Load(goroutineID())
	return ok
}

// WorkerIndex returns the calling worker's index, or -1 when called from
// outside the pool.
func (s *System) WorkerIndex() int {
	if v, ok := s.workerIDs.Load(goroutineID()); ok {
		return v.(int)
	}
	return -1
}

// Allocate pops a free slot and returns a handle for it. The task starts
// with one implicit dependency (consumed by Submit) and no body. Blocks
// when the table is exhausted, until some task completes.
func (s *System) Allocate() Handle {
	idx := s.freeQueue.pop()
	t := &s.tasks[idx]
	t.remainingDeps.Store(1)
	t.typ = taskNone
	t.fn = nil
	t.indexedFn = nil
	t.payload = nil
	t.indexedLimit = 0
	t.numDependents = 0
	t.mu.Lock()
	t.done = make(chan struct{})
	epoch := t.epoch
	t.mu.Unlock()
	return makeHandle(idx, epoch)
}

// AssignFunc sets a scalar body and payload on an allocated task.
func (s *System) AssignFunc(h Handle, fn Func, payload any) {
	checkPayload(payload)
	t := &s.tasks[h.index()]
	t.typ = taskScalar
	t.fn = fn
	t.payload = payload
}

// AssignIndexedFunc sets an indexed body iterating [0, limit) and
// initializes each worker's stripe so the stripes cover the range exactly.
func (s *System) AssignIndexedFunc(h Handle, fn IndexedFunc, limit int, payload any) {
	checkPayload(payload)
	idx := h.index()
	t := &s.tasks[idx]
	t.typ = taskIndexed
	t.indexedFn = fn
	t.indexedLimit = limit
	t.payload = payload

	countPerWorker := (limit + s.numWorkers - 1) / s.numWorkers
	index := 0
	for w := 0; w < s.numWorkers; w++ {
		c := &s.indexedCounters[s.counterIndex(idx, w)]
		c.index.Store(uint32(index))
		c.limit = uint32(min(index+countPerWorker, limit))
		index += countPerWorker
	}
}

// Submit removes the implicit allocation dependency (or one added by
// AddDependency); when the count reaches zero the task becomes
// executable and is queued once per participating worker.
func (s *System) Submit(h Handle) {
	idx := h.index()
	t := &s.tasks[idx]
	if t.remainingDeps.Add(-1) == 0 {
		numTaskWorkers := 1
		if t.typ == taskIndexed {
			numTaskWorkers = clamp(t.indexedLimit, 1, s.numWorkers)
		}
		t.remainingWorkers.Store(int32(numTaskWorkers))
		for i := 0; i < numTaskWorkers; i++ {
			s.execQueue.push(idx)
		}
	}
}

// SubmitAll submits each handle in order.
func (s *System) SubmitAll(handles ...Handle) {
	for _, h := range handles {
		s.Submit(h)
	}
}

// AddDependency arranges for after to become executable only once before
// has completed. When before's handle is stale (the task already
// completed) the call is a no-op.
func (s *System) AddDependency(before, after Handle) {
	bt := &s.tasks[before.index()]
	bt.mu.Lock()
	defer bt.mu.Unlock()
	if bt.epoch != before.epoch() {
		return
	}
	if bt.numDependents >= MaxDependentTasks {
		panic("tasksys: too many dependent tasks")
	}
	bt.dependents[bt.numDependents] = after
	bt.numDependents++
	s.tasks[after.index()].remainingDeps.Add(1)
}

// Join blocks until the task completes or the timeout expires, returning
// true on completion. A non-positive timeout waits forever. A stale
// handle returns true immediately.
func (s *System) Join(h Handle, timeout time.Duration) bool {
	t := &s.tasks[h.index()]
	t.mu.Lock()
	if t.epoch != h.epoch() {
		t.mu.Unlock()
		return true
	}
	done := t.done
	t.mu.Unlock()

	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// AllocateAssignFuncAndSubmit is the common allocate/assign/submit
// sequence for a scalar task.
func (s *System) AllocateAssignFuncAndSubmit(fn Func, payload any) Handle {
	h := s.Allocate()
	s.AssignFunc(h, fn, payload)
	s.Submit(h)
	return h
}

// AllocateAssignIndexedFuncAndSubmit is the indexed equivalent.
func (s *System) AllocateAssignIndexedFuncAndSubmit(fn IndexedFunc, limit int, payload any) Handle {
	h := s.Allocate()
	s.AssignIndexedFunc(h, fn, limit, payload)
	s.Submit(h)
	return h
}

// Close stops all workers and waits for them to exit. Tasks already
// executable still run; Close must not be called concurrently with
// Allocate/Submit from other goroutines that will keep producing work.
func (s *System) Close() {
	s.closeOnce.Do(func() {
		for i := 0; i < s.numWorkers; i++ {
			h := s.Allocate()
			s.tasks[h.index()].typ = taskStop
			s.Submit(h)
		}
		s.wg.Wait()
		s.log.Info().Log("task system stopped")
	})
}

func (s *System) counterIndex(taskIndex uint32, workerIndex int) int {
	return MaxPendingTasks*workerIndex + int(taskIndex)
}

func (s *System) worker(workerIndex int) {
	defer s.wg.Done()

	if len(s.pinnedCores) > 0 {
		runtime.LockOSThread()
		if err := pinCurrentWorker(s.pinnedCores[workerIndex]); err != nil {
			s.log.Warning().
				Err(err).
				Int("worker", workerIndex).
				Int("core", s.pinnedCores[workerIndex]).
				Log("worker pinning failed")
		}
	}

	gid := goroutineID()
	s.workerIDs.Store(gid, workerIndex)
	defer s.workerIDs.Delete(gid)

	for {
		taskIndex := s.execQueue.pop()
		t := &s.tasks[taskIndex]

		stop := t.typ == taskStop
		switch t.typ {
		case taskScalar:
			s.safeExecute(taskIndex, func() { t.fn(t.payload) })
		case taskIndexed:
			s.executeIndexed(workerIndex, t, taskIndex)
		}

		if t.remainingWorkers.Add(-1) == 0 {
			t.mu.Lock()
			for i := 0; i < t.numDependents; i++ {
				s.Submit(t.dependents[i])
			}
			t.epoch++
			close(t.done)
			t.mu.Unlock()
			s.freeQueue.push(taskIndex)
		}

		if stop {
			return
		}
	}
}

// executeIndexed drains this worker's stripe, then steals from each
// neighbor in turn. Every index in [0, limit) is visited exactly once
// because each counter advances by atomic fetch-add.
func (s *System) executeIndexed(workerIndex int, t *task, taskIndex uint32) {
	for i := 0; i < s.numWorkers; i++ {
		stealWorker := int(s.stealWorkerIndices[workerIndex+i])
		c := &s.indexedCounters[s.counterIndex(taskIndex, stealWorker)]
		for {
			index := c.index.Add(1) - 1
			if index >= c.limit {
				break
			}
			s.safeExecute(taskIndex, func() { t.indexedFn(int(index), t.payload) })
		}
	}
}

func (s *System) safeExecute(taskIndex uint32, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Err().
				Uint64("task", uint64(taskIndex)).
				Str("panic", fmt.Sprint(r)).
				Log("task panicked")
		}
	}()
	fn()
}

func checkPayload(payload any) {
	switch p := payload.(type) {
	case []byte:
		if len(p) > MaxPayloadSize {
			panic("tasksys: payload too large")
		}
	case string:
		if len(p) > MaxPayloadSize {
			panic("tasksys: payload too large")
		}
	}
}

// parsePinnedCores parses a comma-separated core list. Any non-digit
// character invalidates the whole list; core IDs wrap modulo the CPU
// count; at most maxWorkers entries are used.
func parsePinnedCores(csv string, maxWorkers int) []int {
	numCPU := runtime.NumCPU()
	var cores []int
	for _, field := range strings.Split(csv, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		for _, r := range field {
			if r < '0' || r > '9' {
				return nil
			}
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil
		}
		cores = append(cores, n%numCPU)
		if len(cores) >= maxWorkers {
			break
		}
	}
	return cores
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// goroutineID parses the current goroutine's ID from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] < '0' || buf[i] > '9' {
			break
		}
		id = id*10 + uint64(buf[i]-'0')
	}
	return id
}
