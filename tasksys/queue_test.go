package tasksys

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushPop(t *testing.T) {
	q := newTaskQueue(16)
	q.push(3)
	q.push(7)
	assert.Equal(t, uint32(3), q.pop())
	assert.Equal(t, uint32(7), q.pop())
}

func TestQueueIndexZeroIsValid(t *testing.T) {
	q := newTaskQueue(16)
	q.push(0)
	assert.Equal(t, uint32(0), q.pop())
}

func TestQueueCapacityMustBePowerOfTwo(t *testing.T) {
	require.Panics(t, func() { newTaskQueue(12) })
	require.Panics(t, func() { newTaskQueue(0) })
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	const (
		producers = 8
		perProd   = 200
	)
	q := newTaskQueue(256)

	var wg sync.WaitGroup
	seen := make([]int32, producers*perProd)
	var seenMu sync.Mutex

	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				q.push(uint32(p*perProd + i))
			}
		}(p)
	}

	var consumers sync.WaitGroup
	consumers.Add(4)
	for c := 0; c < 4; c++ {
		go func() {
			defer consumers.Done()
			for i := 0; i < producers*perProd/4; i++ {
				v := q.pop()
				seenMu.Lock()
				seen[v]++
				seenMu.Unlock()
			}
		}()
	}

	wg.Wait()
	consumers.Wait()

	for i, n := range seen {
		assert.Equal(t, int32(1), n, "value %d popped %d times", i, n)
	}
}

func TestShuffleIndexIsAPermutation(t *testing.T) {
	q := newTaskQueue(256)
	seen := make(map[uint32]bool)
	for i := uint32(0); i < 256; i++ {
		s := q.shuffleIndex(i)
		assert.Less(t, int(s), 256)
		assert.False(t, seen[s], "shuffle collision at %d", i)
		seen[s] = true
	}
}

func TestShuffleIndexSkippedForSmallQueues(t *testing.T) {
	q := newTaskQueue(16)
	for i := uint32(0); i < 16; i++ {
		assert.Equal(t, i, q.shuffleIndex(i))
	}
}
