// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkPool(t *testing.T) {
	var (
		done int32
		gate = make(chan struct{})
		wg   sync.WaitGroup
	)

	confMap := testSetup(t, []string{"FSCache.WorkQueueWarnDepth=8"})
	defer testTeardown(t, confMap)

	pool := newWorkPool("test", 2, &globals.stats.ObjectWorkQueueDepth)

	// Stall both workers so the rest pile up past the warning depth
	for i := 0; i < 2; i++ {
		pool.submit(func() {
			<-gate
			atomic.AddInt32(&done, 1)
		})
	}
	for i := 0; i < 30; i++ {
		pool.submit(func() {
			atomic.AddInt32(&done, 1)
		})
	}

	pool.Lock()
	assert.True(t, pool.warned)
	pool.Unlock()

	close(gate)
	pool.stop()

	assert.Equal(t, int32(32), atomic.LoadInt32(&done))
	assert.NotEqual(t, uint64(0), globals.stats.ObjectWorkQueueDepth.CountGet())

	// Once stopped, work still gets done
	wg.Add(1)
	pool.submit(wg.Done)
	wg.Wait()
}
