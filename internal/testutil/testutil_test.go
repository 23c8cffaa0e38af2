package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStepClockAdvances(t *testing.T) {
	c := NewStepClock(time.Time{}, time.Minute)
	assert.Equal(t, Epoch, c.Peek())
	assert.Equal(t, Epoch, c.Now())
	assert.Equal(t, Epoch.Add(time.Minute), c.Now())

	c.Reset()
	assert.Equal(t, Epoch, c.Now())

	later := Epoch.Add(time.Hour)
	c.Set(later)
	assert.Equal(t, later, c.Now())
	assert.Equal(t, later.Add(time.Minute), c.Now())
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("form")
	assert.Equal(t, "form-1", g.Generate())
	assert.Equal(t, "form-2", g.Generate())
	assert.Equal(t, "id-1", NewSequentialIDs("").Generate())
}

func TestSequentialIDsConcurrent(t *testing.T) {
	g := NewSequentialIDs("x")
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}
