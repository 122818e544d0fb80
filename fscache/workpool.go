// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/fscache/bucketstats"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/trackedlock"
)

// workPoolStruct runs queued work on a fixed set of goroutines. The queue is
// not bounded: work is queued while object and operation locks are held, so
// submit() must never block.
type workPoolStruct struct {
	trackedlock.Mutex
	name      string
	cond      *sync.Cond
	queue     *list.List // of func()
	stopping  bool
	warned    bool
	depthStat *bucketstats.BucketLog2Round
	workerWG  sync.WaitGroup
}

func newWorkPool(name string, nWorkers uint32, depthStat *bucketstats.BucketLog2Round) (pool *workPoolStruct) {
	pool = &workPoolStruct{
		name:      name,
		queue:     list.New(),
		depthStat: depthStat,
	}

	pool.cond = sync.NewCond(pool)

	for i := uint32(0); i < nWorkers; i++ {
		pool.workerWG.Add(1)
		go pool.worker()
	}

	return
}

func (pool *workPoolStruct) submit(work func()) {
	var (
		depth     uint64
		warnDepth = atomic.LoadUint64(&globals.config.workQueueWarnDepth)
	)

	pool.Lock()

	if pool.stopping {
		pool.Unlock()
		go work()
		return
	}

	pool.queue.PushBack(work)

	depth = uint64(pool.queue.Len())
	if depth >= warnDepth {
		if !pool.warned {
			pool.warned = true
			logger.Warnf("fscache: work pool %s has %d items queued", pool.name, depth)
		}
	} else if depth < warnDepth/2 {
		pool.warned = false
	}

	pool.cond.Signal()
	pool.Unlock()

	pool.depthStat.Add(depth)
}

func (pool *workPoolStruct) worker() {
	var (
		element *list.Element
	)

	for {
		pool.Lock()
		for (0 == pool.queue.Len()) && !pool.stopping {
			pool.cond.Wait()
		}
		element = pool.queue.Front()
		if nil == element {
			pool.Unlock()
			pool.workerWG.Done()
			return
		}
		pool.queue.Remove(element)
		pool.Unlock()

		element.Value.(func())()
	}
}

// stop lets the workers drain the queue, then waits for them to exit. Work
// submitted afterwards runs on a goroutine of its own.
func (pool *workPoolStruct) stop() {
	pool.Lock()
	pool.stopping = true
	pool.cond.Broadcast()
	pool.Unlock()

	pool.workerWG.Wait()
}
