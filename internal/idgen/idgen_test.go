package idgen_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joeycumines/go-qexec/internal/idgen"
)

func TestGenerator_StartsAtOneAndIncrements(t *testing.T) {
	var g idgen.Generator
	assert.Equal(t, uint64(1), g.Next())
	assert.Equal(t, uint64(2), g.Next())
	assert.Equal(t, uint64(3), g.Next())
}

func TestGenerator_ConcurrentNext_NoDuplicates(t *testing.T) {
	var g idgen.Generator
	const n = 200
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			ids[i] = g.Next()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		assert.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
}

func TestSet_EachKindCountsIndependently(t *testing.T) {
	var s idgen.Set
	assert.Equal(t, idgen.WorkerID(1), s.NextWorker())
	assert.Equal(t, idgen.JobID(1), s.NextJob())
	assert.Equal(t, idgen.TaskID(1), s.NextTask())
	assert.Equal(t, idgen.OperationID("op-1"), s.NextOperation())

	assert.Equal(t, idgen.WorkerID(2), s.NextWorker())
	assert.Equal(t, idgen.JobID(2), s.NextJob())
}

func TestOperationID_Format(t *testing.T) {
	var s idgen.Set
	assert.Equal(t, idgen.OperationID("op-1"), s.NextOperation())
	assert.Equal(t, idgen.OperationID("op-2"), s.NextOperation())
}
