package tasksys

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSystem(t *testing.T, workers int) *System {
	t.Helper()
	s := New(&Options{Workers: workers})
	t.Cleanup(s.Close)
	return s
}

func TestScalarTaskRuns(t *testing.T) {
	s := newTestSystem(t, 4)

	var ran atomic.Int32
	h := s.AllocateAssignFuncAndSubmit(func(payload any) {
		assert.Equal(t, "payload", payload)
		ran.Add(1)
	}, "payload")

	require.True(t, s.Join(h, time.Second))
	assert.Equal(t, int32(1), ran.Load())
}

func TestJoinStaleHandleReturnsImmediately(t *testing.T) {
	s := newTestSystem(t, 2)

	h := s.AllocateAssignFuncAndSubmit(func(any) {}, nil)
	require.True(t, s.Join(h, time.Second))

	// The epoch advanced on completion; the old handle is stale.
	start := time.Now()
	assert.True(t, s.Join(h, 10*time.Second))
	assert.Less(t, time.Since(start), time.Second)
}

func TestJoinTimeout(t *testing.T) {
	s := newTestSystem(t, 1)

	release := make(chan struct{})
	h := s.AllocateAssignFuncAndSubmit(func(any) { <-release }, nil)

	assert.False(t, s.Join(h, 50*time.Millisecond))
	close(release)
	assert.True(t, s.Join(h, time.Second))
}

func TestDependencyChainOrdering(t *testing.T) {
	s := newTestSystem(t, 4)

	var mu sync.Mutex
	out := ""

	a := s.Allocate()
	b := s.Allocate()
	s.AssignFunc(a, func(any) {
		mu.Lock()
		out += "a"
		mu.Unlock()
	}, nil)
	s.AssignFunc(b, func(any) {
		mu.Lock()
		out += "b"
		mu.Unlock()
	}, nil)
	s.AddDependency(a, b)
	s.Submit(a)
	s.Submit(b)

	require.True(t, s.Join(b, time.Second))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ab", out)
}

func TestAddDependencyOnCompletedTaskIsNoOp(t *testing.T) {
	s := newTestSystem(t, 2)

	a := s.AllocateAssignFuncAndSubmit(func(any) {}, nil)
	require.True(t, s.Join(a, time.Second))

	ran := make(chan struct{})
	b := s.Allocate()
	s.AssignFunc(b, func(any) { close(ran) }, nil)
	// a's epoch moved on; this must not leave b with a dependency that
	// will never resolve.
	s.AddDependency(a, b)
	s.Submit(b)

	require.True(t, s.Join(b, time.Second))
	select {
	case <-ran:
	default:
		t.Fatal("dependent task never ran")
	}
}

func TestIndexedTaskPartition(t *testing.T) {
	s := newTestSystem(t, 4)

	const limit = 1000
	var bitmap [1024]atomic.Bool
	var double atomic.Int32

	h := s.AllocateAssignIndexedFuncAndSubmit(func(index int, payload any) {
		if bitmap[index].Swap(true) {
			double.Add(1)
		}
	}, limit, nil)

	require.True(t, s.Join(h, 5*time.Second))
	assert.Zero(t, double.Load(), "iteration index visited twice")
	for i := 0; i < limit; i++ {
		assert.True(t, bitmap[i].Load(), "index %d not visited", i)
	}
	for i := limit; i < len(bitmap); i++ {
		assert.False(t, bitmap[i].Load(), "index %d out of range", i)
	}
}

func TestIndexedTaskSingleWorker(t *testing.T) {
	s := newTestSystem(t, 1)

	const limit = 137
	var count atomic.Int32
	h := s.AllocateAssignIndexedFuncAndSubmit(func(index int, _ any) {
		count.Add(1)
	}, limit, nil)

	require.True(t, s.Join(h, 5*time.Second))
	assert.Equal(t, int32(limit), count.Load())
}

func TestIndexedLimitSmallerThanWorkers(t *testing.T) {
	s := newTestSystem(t, 8)

	var count atomic.Int32
	h := s.AllocateAssignIndexedFuncAndSubmit(func(index int, _ any) {
		count.Add(1)
	}, 3, nil)

	require.True(t, s.Join(h, 5*time.Second))
	assert.Equal(t, int32(3), count.Load())
}

func TestRepeatedSubmissionDistinctHandles(t *testing.T) {
	s := newTestSystem(t, 2)

	var runs atomic.Int32
	fn := func(any) { runs.Add(1) }

	h1 := s.AllocateAssignFuncAndSubmit(fn, nil)
	require.True(t, s.Join(h1, time.Second))
	h2 := s.AllocateAssignFuncAndSubmit(fn, nil)
	require.True(t, s.Join(h2, time.Second))

	assert.NotEqual(t, h1, h2)
	assert.Equal(t, int32(2), runs.Load())
}

func TestLotsOfTasks(t *testing.T) {
	s := newTestSystem(t, 4)

	const numTasks = 10000
	var count atomic.Int32
	handles := make([]Handle, 0, numTasks)
	for i := 0; i < numTasks; i++ {
		handles = append(handles, s.AllocateAssignFuncAndSubmit(func(any) {
			count.Add(1)
		}, nil))
		// Keep at most a table's worth outstanding so Allocate never
		// deadlocks against our own joins.
		if len(handles) == MaxPendingTasks/2 {
			for _, h := range handles {
				require.True(t, s.Join(h, 10*time.Second))
			}
			handles = handles[:0]
		}
	}
	for _, h := range handles {
		require.True(t, s.Join(h, 10*time.Second))
	}
	assert.Equal(t, int32(numTasks), count.Load())
}

func TestWorkerIdentity(t *testing.T) {
	s := newTestSystem(t, 2)

	assert.False(t, s.IsWorker())
	assert.Equal(t, -1, s.WorkerIndex())

	type result struct {
		isWorker bool
		index    int
	}
	ch := make(chan result, 1)
	h := s.AllocateAssignFuncAndSubmit(func(any) {
		ch <- result{s.IsWorker(), s.WorkerIndex()}
	}, nil)
	require.True(t, s.Join(h, time.Second))

	r := <-ch
	assert.True(t, r.isWorker)
	assert.GreaterOrEqual(t, r.index, 0)
	assert.Less(t, r.index, s.NumWorkers())
}

func TestTaskPanicDoesNotKillWorker(t *testing.T) {
	s := newTestSystem(t, 1)

	h := s.AllocateAssignFuncAndSubmit(func(any) { panic("boom") }, nil)
	require.True(t, s.Join(h, time.Second))

	var ran atomic.Bool
	h2 := s.AllocateAssignFuncAndSubmit(func(any) { ran.Store(true) }, nil)
	require.True(t, s.Join(h2, time.Second))
	assert.True(t, ran.Load())
}

func TestPayloadSizeEnforced(t *testing.T) {
	s := newTestSystem(t, 1)
	h := s.Allocate()
	assert.Panics(t, func() {
		s.AssignFunc(h, func(any) {}, make([]byte, MaxPayloadSize+1))
	})
	s.AssignFunc(h, func(any) {}, make([]byte, MaxPayloadSize))
	s.Submit(h)
	require.True(t, s.Join(h, time.Second))
}

func TestParsePinnedCores(t *testing.T) {
	assert.Nil(t, parsePinnedCores("0,x,2", 8))
	assert.Nil(t, parsePinnedCores("0;1", 8))
	cores := parsePinnedCores("0,1", 8)
	assert.Len(t, cores, 2)
	assert.Len(t, parsePinnedCores("0,1,2,3", 2), 2)
}
