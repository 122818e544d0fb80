// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"container/list"
	"sync/atomic"

	"github.com/NVIDIA/fscache/logger"
)

// Operations whose last reference goes after their Object reached DEAD are
// finished off here, on a goroutine per Cache, rather than by whoever
// happened to drop that reference.

func (cache *Cache) startReclaimer() {
	cache.reclaimList = list.New()
	cache.reclaimKickChan = make(chan struct{}, 1)
	cache.reclaimStopChan = make(chan struct{})
	cache.reclaimDoneChan = make(chan struct{})
	cache.reclaimerRunning = true

	go cache.reclaimer()
}

// reclaimOp queues op if its Object is dead. The queue then owns op's last reference.
func (cache *Cache) reclaimOp(op *Operation) (queued bool) {
	if ObjectStateDead != op.object.getState() {
		return false
	}

	cache.reclaimLock.Lock()
	if !cache.reclaimerRunning {
		cache.reclaimLock.Unlock()
		return false
	}
	cache.reclaimList.PushBack(op)
	cache.reclaimLock.Unlock()

	globals.stats.OpsReclaimed.Increment()

	select {
	case cache.reclaimKickChan <- struct{}{}:
	default:
	}

	return true
}

func (cache *Cache) reclaimer() {
	for {
		select {
		case <-cache.reclaimKickChan:
			cache.drainReclaimList()
		case <-cache.reclaimStopChan:
			cache.drainReclaimList()
			close(cache.reclaimDoneChan)
			return
		}
	}
}

func (cache *Cache) drainReclaimList() {
	var (
		element *list.Element
		op      *Operation
	)

	for {
		cache.reclaimLock.Lock()
		element = cache.reclaimList.Front()
		if nil == element {
			cache.reclaimLock.Unlock()
			return
		}
		cache.reclaimList.Remove(element)
		cache.reclaimLock.Unlock()

		op = element.Value.(*Operation)

		if !atomic.CompareAndSwapInt32(&op.refCount, 1, 0) {
			logger.Errorf("fscache: reclaimed op %d has refCount %d", op.debugID, atomic.LoadInt32(&op.refCount))
			continue
		}

		op.release()
	}
}

// stopReclaimer finishes off anything queued; operations put afterwards are
// released by whoever drops the last reference
func (cache *Cache) stopReclaimer() {
	cache.reclaimLock.Lock()
	running := cache.reclaimerRunning
	cache.reclaimerRunning = false
	cache.reclaimLock.Unlock()

	if !running {
		return
	}

	close(cache.reclaimStopChan)
	<-cache.reclaimDoneChan
}

func (cache *Cache) reclaimListLen() (n int) {
	cache.reclaimLock.Lock()
	n = cache.reclaimList.Len()
	cache.reclaimLock.Unlock()
	return
}
