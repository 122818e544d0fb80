// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/trackedlock"
)

// Cache is one registered backend instance
type Cache struct {
	identifier       string
	backend          Backend
	tag              *Tag
	ioError          uint32 // atomic; latched
	withdrawn        uint32 // atomic
	objectsLock      trackedlock.Mutex
	objectsCond      *sync.Cond   // signalled when objectCount reaches zero
	objects          *btree.BTree // of *objectItemStruct; every Object not yet dead
	objectCount      int
	root             *Object
	objectPool       *workPoolStruct
	opPool           *workPoolStruct
	reclaimLock      trackedlock.Mutex
	reclaimList      *list.List // of *Operation
	reclaimerRunning bool
	reclaimKickChan  chan struct{}
	reclaimStopChan  chan struct{}
	reclaimDoneChan  chan struct{}
}

type objectItemStruct struct {
	id     uint64
	object *Object
}

func (item *objectItemStruct) Less(than btree.Item) bool {
	return item.id < than.(*objectItemStruct).id
}

func addCache(backend Backend, tagName string) (cache *Cache, err error) {
	var (
		root *Object
		tag  *Tag
	)

	if nil == backend {
		err = blunder.NewError(blunder.InvalidArgError, "fscache.AddCache() requires a backend")
		return
	}

	if "" == tagName {
		tagName = backend.Name()
	}

	globals.Lock()
	tag = lookupCacheTagLocked(tagName)
	if nil != tag.cache {
		releaseCacheTagLocked(tag)
		globals.Unlock()
		err = blunder.NewError(blunder.TagBoundError, "cache tag %s already in use", tagName)
		return
	}
	globals.Unlock()

	cache = &Cache{
		identifier: uuid.New().String(),
		backend:    backend,
		tag:        tag,
		objects:    btree.New(2),
	}

	cache.objectsCond = sync.NewCond(&cache.objectsLock)
	cache.objectPool = newWorkPool(tagName+".objects", globals.config.objectWorkers, &globals.stats.ObjectWorkQueueDepth)
	cache.opPool = newWorkPool(tagName+".ops", globals.config.operationWorkers, &globals.stats.OperationWorkQueueDepth)
	cache.startReclaimer()

	root = newObject(cache, globals.fsdefCookie)

	err = backend.AllocObject(root)
	if nil != err {
		globals.stats.ObjectAllocFailures.Increment()
		cache.shutdown()
		releaseCacheTag(tag)
		cache = nil
		return
	}

	root.lock.Lock()
	root.setStateLocked(ObjectStateActive)
	root.lock.Unlock()

	_ = cache.linkObject(root)
	cache.root = root

	globals.Lock()
	if nil != tag.cache {
		globals.Unlock()
		cache.unlinkObject(root)
		root.put()
		cache.shutdown()
		releaseCacheTag(tag)
		cache = nil
		err = blunder.NewError(blunder.TagBoundError, "cache tag %s already in use", tagName)
		return
	}
	globals.fsdefCookie.lock.Lock()
	globals.fsdefCookie.objects = append(globals.fsdefCookie.objects, root)
	globals.fsdefCookie.get()
	globals.fsdefCookie.lock.Unlock()
	tag.cache = cache
	globals.cacheList = append(globals.cacheList, cache)
	globals.Unlock()

	globals.stats.CachesAdded.Increment()

	logger.Infof("fscache: cache %s (%s) added with tag %s", cache.identifier, backend.Name(), tagName)

	err = nil
	return
}

func (cache *Cache) shutdown() {
	cache.stopReclaimer()
	cache.objectPool.stop()
	cache.opPool.stop()
}

func (cache *Cache) linkObject(object *Object) (err error) {
	cache.objectsLock.Lock()
	if cache.IsWithdrawn() {
		cache.objectsLock.Unlock()
		err = blunder.NewError(blunder.WithdrawnError, "cache %s is being withdrawn", cache.identifier)
		return
	}
	cache.objects.ReplaceOrInsert(&objectItemStruct{id: object.id, object: object})
	cache.objectCount++
	cache.objectsLock.Unlock()
	return
}

func (cache *Cache) unlinkObject(object *Object) {
	cache.objectsLock.Lock()
	if nil != cache.objects.Delete(&objectItemStruct{id: object.id}) {
		cache.objectCount--
		if 0 == cache.objectCount {
			cache.objectsCond.Broadcast()
		}
	}
	cache.objectsLock.Unlock()
}

// liveObjects returns every Object not yet dead, each with a reference the caller must put
func (cache *Cache) liveObjects() (objects []*Object) {
	cache.objectsLock.Lock()
	objects = make([]*Object, 0, cache.objectCount)
	cache.objects.Ascend(func(item btree.Item) bool {
		object := item.(*objectItemStruct).object
		object.get()
		objects = append(objects, object)
		return true
	})
	cache.objectsLock.Unlock()
	return
}

// Withdraw takes cache out of service. Every Object is told to withdraw and
// Withdraw waits for all of them to die before returning.
func (cache *Cache) Withdraw() {
	var (
		globalsIndex int
		object       *Object
		objects      []*Object
		otherCache   *Cache
	)

	if !atomic.CompareAndSwapUint32(&cache.withdrawn, 0, 1) {
		return
	}

	logger.Infof("fscache: withdrawing cache %s (tag %s)", cache.identifier, cache.tag.name)

	globals.Lock()
	if cache == cache.tag.cache {
		cache.tag.cache = nil
	}
	for globalsIndex, otherCache = range globals.cacheList {
		if cache == otherCache {
			globals.cacheList = append(globals.cacheList[:globalsIndex], globals.cacheList[globalsIndex+1:]...)
			break
		}
	}
	globals.Unlock()

	cache.backend.SyncCache(cache)
	cache.backend.DissociatePages(cache)

	objects = cache.liveObjects()
	for _, object = range objects {
		object.raiseEvent(ObjectEventWithdraw)
		object.put()
	}

	cache.objectsLock.Lock()
	for 0 < cache.objectCount {
		cache.objectsCond.Wait()
	}
	cache.objectsLock.Unlock()

	cache.shutdown()

	releaseCacheTag(cache.tag)

	globals.stats.CachesWithdrawn.Increment()

	logger.Infof("fscache: cache %s withdrawn", cache.identifier)
}

// IOError takes cache out of service after the backend hit an I/O error.
// New operations are refused; the backend is expected to withdraw the cache.
func (cache *Cache) IOError() {
	if atomic.CompareAndSwapUint32(&cache.ioError, 0, 1) {
		globals.stats.CacheIOErrors.Increment()
		logger.Errorf("fscache: cache %s (tag %s) stopped due to I/O error", cache.identifier, cache.tag.name)
	}
}

func (cache *Cache) noteBackendError(err error) {
	if blunder.Is(err, blunder.BackendFailureError) {
		cache.IOError()
	}
}

// Sync asks the backend to make everything written so far durable
func (cache *Cache) Sync() {
	cache.backend.SyncCache(cache)
}

func (cache *Cache) IOErrorLatched() bool {
	return 0 != atomic.LoadUint32(&cache.ioError)
}

func (cache *Cache) IsWithdrawn() bool {
	return 0 != atomic.LoadUint32(&cache.withdrawn)
}

// ObjectCount returns the number of Objects in cache not yet dead, including its root
func (cache *Cache) ObjectCount() (count int) {
	cache.objectsLock.Lock()
	count = cache.objectCount
	cache.objectsLock.Unlock()
	return
}

// Identifier returns the unique name given to cache when it was added
func (cache *Cache) Identifier() string {
	return cache.identifier
}

func (cache *Cache) Tag() *Tag {
	return cache.tag
}

func (cache *Cache) Backend() Backend {
	return cache.backend
}

// Root returns the Object backing the root of the cookie tree in cache
func (cache *Cache) Root() *Object {
	return cache.root
}
