package helpers

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	assert := assert.New(t)

	var km KeyedMutex[int64]
	counts := make([]int, 4)

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			key := int64(i % 4)
			unlock := km.Lock(key)
			defer unlock()

			// a plain read-modify-write, safe only while key is held
			n := counts[key]
			counts[key] = n + 1
		}()
	}
	wg.Wait()

	for key := range int64(4) {
		assert.Equal(50, counts[key])
	}
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	assert := assert.New(t)

	var km KeyedMutex[int64]
	for i := range int64(1000) {
		km.Lock(i)()
	}
	assert.Equal(0, km.Len())

	unlock := km.Lock(1)
	assert.Equal(1, km.Len())

	// another key does not wait on the held one
	km.Lock(2)()
	assert.Equal(1, km.Len())

	unlock()
	assert.Equal(0, km.Len())
}
