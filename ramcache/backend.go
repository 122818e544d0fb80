// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramcache

import (
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/google/btree"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/bucketstats"
	"github.com/NVIDIA/fscache/fscache"
	"github.com/NVIDIA/fscache/logger"
)

func newBackend(name string, config Config) (backend *Backend) {
	backend = &Backend{
		name:        name,
		config:      config,
		nextEntryID: rootEntryID,
		entryTree:   btree.New(btreeDegree),
		entryMap:    make(map[uint64]*entryStruct),
		stats: &statsStruct{
			PageStoredBytes: bucketstats.BucketLog2Round{NBucket: 16},
		},
	}

	backend.rootEntry = newEntry(rootEntryID, 0, true, nil, packEntryRecord(true, 0, nil))
	_ = backend.entryTree.ReplaceOrInsert(backend.rootEntry)
	backend.entryMap[rootEntryID] = backend.rootEntry

	return
}

func addCache(tagName string, config Config) (backend *Backend, cache *fscache.Cache, err error) {
	if "" == tagName {
		err = blunder.NewError(blunder.InvalidArgError, "ramcache.AddCache() requires a tagName")
		return
	}

	globals.Lock()
	if nil == globals.backendMap {
		globals.Unlock()
		err = blunder.NewError(blunder.InvalidArgError, "ramcache.AddCache() called before transitions.Up()")
		return
	}
	globals.Unlock()

	backend = newBackend(tagName, config)

	cache, err = fscache.AddCache(backend, tagName)
	if nil != err {
		backend = nil
		return
	}

	backend.Lock()
	backend.cache = cache
	backend.Unlock()

	globals.Lock()
	globals.backendMap[tagName] = backend
	globals.Unlock()

	bucketstats.Register("ramcache", tagName, backend.stats)

	logger.Infof("ramcache: cache %s added as %s with capacity %s; config %s",
		tagName, cache.Identifier(), describeCapacity(config), backend.ConfigString())

	err = nil
	return
}

func removeCache(tagName string) (err error) {
	var (
		backend *Backend
		cache   *fscache.Cache
		ok      bool
	)

	globals.Lock()
	backend, ok = globals.backendMap[tagName]
	if ok {
		delete(globals.backendMap, tagName)
	}
	globals.Unlock()

	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "ramcache: no cache with tag %s", tagName)
		return
	}

	cache = backend.Cache()
	cache.Withdraw()

	bucketstats.UnRegister("ramcache", tagName)

	logger.Infof("ramcache: cache %s removed (%d entries remained)", tagName, backend.EntryCount())

	err = nil
	return
}

func lookupBackend(tagName string) (backend *Backend) {
	globals.Lock()
	backend = globals.backendMap[tagName]
	globals.Unlock()
	return
}

func totalPagesInUse() (pagesInUse uint64) {
	globals.Lock()
	backends := make([]*Backend, 0, len(globals.backendMap))
	for _, backend := range globals.backendMap {
		backends = append(backends, backend)
	}
	globals.Unlock()

	for _, backend := range backends {
		pagesInUse += backend.PagesInUse()
	}

	return
}

func entryOf(object *fscache.Object) (entry *entryStruct) {
	if nil == object {
		return nil
	}
	entry, _ = object.Private().(*entryStruct)
	return
}

// pagesFor returns the number of pages needed to hold objectSize bytes
func pagesFor(objectSize uint64) uint64 {
	return (objectSize + fscache.PageSize - 1) / fscache.PageSize
}

func (backend *Backend) AllocObject(object *fscache.Object) (err error) {
	if nil == object.Cookie().Parent() {
		backend.Lock()
		backend.rootEntry.owner = object
		backend.Unlock()

		object.SetPrivate(backend.rootEntry)
	}

	err = nil
	return
}

// LookupObject binds object to the entry under its parent's entry with the
// same key, creating it if need be. An entry still bound to an Object that
// has not yet been dropped makes the lookup wait its turn.
func (backend *Backend) LookupObject(object *fscache.Object) (err error) {
	var (
		aux         = object.Aux()
		entry       *entryStruct
		entryRecord *entryRecordStruct
		isIndex     = object.IsIndex()
		key         = object.Key()
		negative    bool
		objectSize  = object.StoreLimit()
		obsolete    bool
		parentEntry = entryOf(object.Parent())
		record      []byte
		rewrite     bool
	)

	if nil == parentEntry {
		err = blunder.NewError(blunder.NotFoundError, "ramcache: parent of object %d has no entry", object.ID())
		return
	}
	if 0 != atomic.LoadUint32(&backend.dissociated) {
		err = blunder.NewError(blunder.NoBufsError, "ramcache: cache %s is being withdrawn", backend.name)
		return
	}

	backend.Lock()
	entry = backend.findEntryLocked(parentEntry.id, isIndex, key)
	if nil == entry {
		entry = backend.createEntryLocked(parentEntry.id, isIndex, key, packEntryRecord(isIndex, objectSize, aux))
		entry.owner = object
		negative = true
	} else {
		if (nil != entry.owner) && (object != entry.owner) {
			ownerID := entry.owner.ID()
			backend.Unlock()
			backend.stats.LookupsRequeued.Increment()
			err = blunder.NewError(blunder.LookupRequeueError, "ramcache: entry %d still bound to object %d", entry.id, ownerID)
			return
		}
		entry.owner = object
		record = entry.record
	}
	backend.Unlock()

	if !negative {
		entryRecord, err = unpackEntryRecord(record)
		if nil == err {
			switch object.CheckAux(entryRecord.Aux) {
			case fscache.CheckAuxOkay:
				rewrite = objectSize != entryRecord.ObjectSize
			case fscache.CheckAuxNeedsUpdate:
				rewrite = true
			default:
				obsolete = true
			}
		} else {
			logger.WarnfWithError(err, "ramcache: discarding unreadable entry %d", entry.id)
			obsolete = true
		}

		backend.Lock()
		if obsolete {
			for _, child := range backend.childrenOfLocked(entry.id) {
				backend.deleteEntryLocked(child)
			}
			_ = backend.dropPagesLocked(entry, 0)
			entry.record = packEntryRecord(isIndex, objectSize, aux)
			negative = true
			backend.stats.LookupsObsolete.Increment()
		} else {
			if rewrite {
				entry.record = packEntryRecord(isIndex, objectSize, aux)
				backend.stats.AuxUpdates.Increment()
			}
			if !isIndex {
				_ = backend.dropPagesLocked(entry, pagesFor(objectSize))
			}
		}
		backend.Unlock()
	}

	object.SetPrivate(entry)

	if negative {
		backend.stats.LookupsNegative.Increment()
		object.LookupNegative()
	} else {
		backend.stats.LookupsPositive.Increment()
	}

	err = nil
	return
}

func (backend *Backend) LookupComplete(object *fscache.Object) {
	logger.Tracef("ramcache: lookup of object %d complete", object.ID())
}

// GrabObject is called with object locked so may not touch object itself
func (backend *Backend) GrabObject(object *fscache.Object) bool {
	return 0 == atomic.LoadUint32(&backend.dissociated)
}

func (backend *Backend) PinObject(object *fscache.Object) (err error) {
	entry := entryOf(object)
	if nil == entry {
		err = blunder.NewError(blunder.NoBufsError, "ramcache: object %d has no entry", object.ID())
		return
	}

	backend.Lock()
	entry.pinCount++
	backend.Unlock()

	err = nil
	return
}

func (backend *Backend) UnpinObject(object *fscache.Object) {
	entry := entryOf(object)
	if nil == entry {
		return
	}

	backend.Lock()
	if 0 < entry.pinCount {
		entry.pinCount--
	}
	backend.Unlock()
}

func (backend *Backend) UpdateObject(object *fscache.Object) (err error) {
	var (
		aux        = object.Aux()
		entry      = entryOf(object)
		objectSize = object.StoreLimit()
	)

	if nil == entry {
		err = blunder.NewError(blunder.NoBufsError, "ramcache: object %d has no entry", object.ID())
		return
	}

	backend.Lock()
	entry.record = packEntryRecord(entry.isIndex, objectSize, aux)
	backend.Unlock()

	backend.stats.AuxUpdates.Increment()

	err = nil
	return
}

// AttrChanged records the new object size; pages beyond it were already
// dropped by StoreLimitChanged()
func (backend *Backend) AttrChanged(object *fscache.Object) (err error) {
	var (
		entry       = entryOf(object)
		entryRecord *entryRecordStruct
		objectSize  = object.StoreLimit()
	)

	if nil == entry {
		err = blunder.NewError(blunder.NoBufsError, "ramcache: object %d has no entry", object.ID())
		return
	}

	backend.Lock()
	entryRecord, err = unpackEntryRecord(entry.record)
	if nil == err {
		entry.record = packEntryRecord(entry.isIndex, objectSize, entryRecord.Aux)
	}
	backend.Unlock()

	return
}

func (backend *Backend) StoreLimitChanged(object *fscache.Object) {
	var (
		entry      = entryOf(object)
		objectSize = object.StoreLimit()
	)

	if nil == entry {
		return
	}

	backend.Lock()
	dropped := backend.dropPagesLocked(entry, pagesFor(objectSize))
	backend.Unlock()

	if 0 < dropped {
		logger.Tracef("ramcache: object %d shrank to %s, %d pages dropped", object.ID(), humanize.IBytes(objectSize), dropped)
	}
}

// DropObject unbinds object from its entry, discarding the entry (and
// anything beneath it) if retire is set
func (backend *Backend) DropObject(object *fscache.Object, retire bool) {
	entry := entryOf(object)
	if nil == entry {
		return
	}

	backend.Lock()
	if object == entry.owner {
		entry.owner = nil
		entry.pinCount = 0
		if retire && (backend.rootEntry != entry) {
			backend.deleteEntryLocked(entry)
		}
	}
	backend.Unlock()

	if retire {
		backend.stats.ObjectsRetired.Increment()
	} else {
		backend.stats.ObjectsReleased.Increment()
	}

	object.SetPrivate(nil)
}

// PutObject may be called with object locked
func (backend *Backend) PutObject(object *fscache.Object) {
	backend.stats.ObjectsPut.Increment()
}

func (backend *Backend) SyncCache(cache *fscache.Cache) {
	backend.stats.Syncs.Increment()
	logger.Tracef("ramcache: sync of cache %s (nothing to flush)", backend.name)
}

// DissociatePages frees every page as the Cache is withdrawn; no Object may
// be grabbed afterwards
func (backend *Backend) DissociatePages(cache *fscache.Cache) {
	var (
		bytesFreed uint64
		pagesFreed uint64
	)

	atomic.StoreUint32(&backend.dissociated, 1)

	backend.Lock()
	bytesFreed = backend.bytesInUse
	for _, entry := range backend.entryMap {
		pagesFreed += backend.dropPagesLocked(entry, 0)
	}
	backend.Unlock()

	backend.stats.PagesDissociated.Add(pagesFreed)

	logger.Infof("ramcache: cache %s dissociated %d pages (%s)", backend.name, pagesFreed, humanize.IBytes(bytesFreed))
}
