package workerpool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_RunsAllJobs(t *testing.T) {
	var count atomic.Int64
	p := New(3)

	jobs := make([]func(), 10)
	for i := range jobs {
		jobs[i] = func() { count.Add(1) }
	}
	p.Run(jobs)

	assert.Equal(t, int64(10), count.Load())
}

func TestPool_GoWait(t *testing.T) {
	var count atomic.Int64
	p := New(2)

	for i := 0; i < 5; i++ {
		p.Go(func() { count.Add(1) })
	}
	p.Wait()

	assert.Equal(t, int64(5), count.Load())
}

func TestGeneration_StaleAfterNext(t *testing.T) {
	var g Generation
	captured := g.Next()
	assert.False(t, g.Stale(captured))

	g.Next()
	assert.True(t, g.Stale(captured))
}
