package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("request:a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, k.size())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock(requestKey("1"))
	done := make(chan struct{})
	go func() {
		unlock := k.Lock(driverKey("1"))
		unlock()
		close(done)
	}()
	<-done
	assert.Equal(t, 1, k.size())
	unlockA()
	assert.Zero(t, k.size())
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition("pending", "assigned"))
	assert.True(t, CanTransition("assigned", "cancelled"))
	assert.False(t, CanTransition("in-progress", "cancelled"))
	assert.False(t, CanTransition("completed", "pending"))
	assert.False(t, CanTransition("cancelled", "assigned"))
}
