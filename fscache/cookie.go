// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/cstruct"
	"github.com/NVIDIA/sortedmap"
	"github.com/creachadair/cityhash"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/trackedlock"
)

// Cookie is the consumer's handle on something it caches: an index (an
// interior node of the consumer's tree) or a data object. A Cookie is backed
// by at most one Object per Cache.
type Cookie struct {
	lock       trackedlock.Mutex
	id         uint64
	refCount   int32  // atomic; the consumer's, one per bound Object and one per child Cookie
	nChildren  int32  // atomic; children not yet relinquished
	flags      uint32 // atomic; CookieFlags
	parent     *Cookie
	def        CookieDefinition
	netfsData  interface{}
	key        []byte
	keyHash    uint64
	objects    []*Object // protected by lock
	storesLock trackedlock.Mutex
	storesCond *sync.Cond
	stores     sortedmap.LLRBTree // page index (uint64) to *pageStoreStruct; protected by storesLock
}

// Netfs is a registered consumer
type Netfs struct {
	name         string
	version      uint32
	primaryIndex *Cookie
}

type fsdefDefinitionStruct struct{}

func (def *fsdefDefinitionStruct) Name() string { return ".fscache" }
func (def *fsdefDefinitionStruct) Type() CookieType { return CookieTypeIndex }
func (def *fsdefDefinitionStruct) SelectCache(netfsData interface{}) string { return "" }
func (def *fsdefDefinitionStruct) GetKey(netfsData interface{}) []byte { return nil }
func (def *fsdefDefinitionStruct) GetAttr(netfsData interface{}) uint64 { return 0 }
func (def *fsdefDefinitionStruct) GetAux(netfsData interface{}) []byte { return nil }
func (def *fsdefDefinitionStruct) NowUncached(netfsData interface{}) {}
func (def *fsdefDefinitionStruct) CheckAux(netfsData interface{}, aux []byte) CheckAuxResult {
	return CheckAuxOkay
}

// netfsIndexDefinitionStruct describes a consumer's primary index. Its aux
// data is the consumer's version; a version change makes the whole tree
// below it obsolete.
type netfsIndexDefinitionStruct struct {
	netfs *Netfs
}

func (def *netfsIndexDefinitionStruct) Name() string {
	return def.netfs.name
}

func (def *netfsIndexDefinitionStruct) Type() CookieType {
	return CookieTypeIndex
}

func (def *netfsIndexDefinitionStruct) SelectCache(netfsData interface{}) string {
	return ""
}

func (def *netfsIndexDefinitionStruct) GetKey(netfsData interface{}) []byte {
	return []byte(def.netfs.name)
}

func (def *netfsIndexDefinitionStruct) GetAttr(netfsData interface{}) uint64 {
	return 0
}

func (def *netfsIndexDefinitionStruct) GetAux(netfsData interface{}) (aux []byte) {
	var (
		err error
	)

	aux, err = cstruct.Pack(def.netfs.version, cstruct.LittleEndian)
	if nil != err {
		logger.PanicfWithError(err, "fscache: cstruct.Pack() of netfs %s version failed", def.netfs.name)
	}

	return
}

func (def *netfsIndexDefinitionStruct) CheckAux(netfsData interface{}, aux []byte) CheckAuxResult {
	var (
		err     error
		version uint32
	)

	_, err = cstruct.Unpack(aux, &version, cstruct.LittleEndian)
	if (nil != err) || (version != def.netfs.version) {
		return CheckAuxObsolete
	}

	return CheckAuxOkay
}

func (def *netfsIndexDefinitionStruct) NowUncached(netfsData interface{}) {}

func newCookie(parent *Cookie, def CookieDefinition, netfsData interface{}) (cookie *Cookie) {
	cookie = &Cookie{
		id:        atomic.AddUint64(&globals.lastCookieID, 1),
		refCount:  1,
		parent:    parent,
		def:       def,
		netfsData: netfsData,
		objects:   make([]*Object, 0, 1),
		stores:    sortedmap.NewLLRBTree(sortedmap.CompareUint64, nil),
	}

	cookie.storesCond = sync.NewCond(&cookie.storesLock)

	atomic.AddInt64(&globals.cookieCount, 1)

	return
}

func cookieCount() int64 {
	return atomic.LoadInt64(&globals.cookieCount)
}

func (cookie *Cookie) name() string {
	return cookie.def.Name()
}

func (cookie *Cookie) get() {
	atomic.AddInt32(&cookie.refCount, 1)
}

func (cookie *Cookie) put() {
	refCount := atomic.AddInt32(&cookie.refCount, -1)
	if 0 < refCount {
		return
	}
	if 0 > refCount {
		err := blunder.NewError(blunder.InvalidArgError, "cookie %s refCount went negative", cookie.name())
		logger.PanicfWithError(err, "fscache: cookie reference underflow")
	}

	cookie.free()
}

func (cookie *Cookie) free() {
	cookie.lock.Lock()
	nObjects := len(cookie.objects)
	cookie.lock.Unlock()

	if (0 != nObjects) || (0 != atomic.LoadInt32(&cookie.nChildren)) {
		logger.Errorf("fscache: cookie %s freed with %d objects and %d children",
			cookie.name(), nObjects, atomic.LoadInt32(&cookie.nChildren))
	}

	globals.stats.CookiesFreed.Increment()
	atomic.AddInt64(&globals.cookieCount, -1)

	logger.Tracef("fscache: cookie %s freed", cookie.name())

	if nil != cookie.parent {
		cookie.parent.put()
	}
}

// setFlags returns the flags as they were before
func (cookie *Cookie) setFlags(flags CookieFlags) (oldFlags CookieFlags) {
	for {
		old := atomic.LoadUint32(&cookie.flags)
		if atomic.CompareAndSwapUint32(&cookie.flags, old, old|uint32(flags)) {
			return CookieFlags(old)
		}
	}
}

func (cookie *Cookie) clearFlags(flags CookieFlags) {
	for {
		old := atomic.LoadUint32(&cookie.flags)
		if atomic.CompareAndSwapUint32(&cookie.flags, old, old&^uint32(flags)) {
			return
		}
	}
}

func (cookie *Cookie) testFlags(flags CookieFlags) bool {
	return 0 != (atomic.LoadUint32(&cookie.flags) & uint32(flags))
}

// ID returns the unique (within this process) number of cookie
func (cookie *Cookie) ID() uint64 {
	return cookie.id
}

func (cookie *Cookie) Name() string {
	return cookie.def.Name()
}

func (cookie *Cookie) Type() CookieType {
	return cookie.def.Type()
}

func (cookie *Cookie) Parent() *Cookie {
	return cookie.parent
}

func (cookie *Cookie) NetfsData() interface{} {
	return cookie.netfsData
}

func (cookie *Cookie) Key() []byte {
	return cookie.key
}

func (cookie *Cookie) Flags() CookieFlags {
	return CookieFlags(atomic.LoadUint32(&cookie.flags))
}

// Children returns the number of child Cookies not yet relinquished
func (cookie *Cookie) Children() int {
	return int(atomic.LoadInt32(&cookie.nChildren))
}

// Objects returns the Objects currently backing cookie
func (cookie *Cookie) Objects() (objects []*Object) {
	cookie.lock.Lock()
	objects = make([]*Object, len(cookie.objects))
	copy(objects, cookie.objects)
	cookie.lock.Unlock()
	return
}

func hashCookieKey(parent *Cookie, cookieType CookieType, key []byte) uint64 {
	return cityhash.Hash64WithSeeds(key, parent.id, uint64(cookieType))
}

// hashCookie enters cookie in the table of live cookies, refusing a second
// live child of the same parent with the same type and key
func hashCookie(cookie *Cookie) (err error) {
	globals.cookieHashLock.Lock()
	defer globals.cookieHashLock.Unlock()

	for _, other := range globals.cookieHash[cookie.keyHash] {
		if (other.parent == cookie.parent) &&
			(other.def.Type() == cookie.def.Type()) &&
			bytes.Equal(other.key, cookie.key) {
			err = blunder.NewError(blunder.DuplicateCookie, "duplicate cookie %s under %s", cookie.name(), cookie.parent.name())
			return
		}
	}

	globals.cookieHash[cookie.keyHash] = append(globals.cookieHash[cookie.keyHash], cookie)

	return
}

func unhashCookie(cookie *Cookie) {
	globals.cookieHashLock.Lock()
	defer globals.cookieHashLock.Unlock()

	bucket := globals.cookieHash[cookie.keyHash]
	for i, other := range bucket {
		if other == cookie {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}

	if 0 == len(bucket) {
		delete(globals.cookieHash, cookie.keyHash)
	} else {
		globals.cookieHash[cookie.keyHash] = bucket
	}
}

func acquireCookie(parent *Cookie, def CookieDefinition, netfsData interface{}) (cookie *Cookie, err error) {
	var (
		cache *Cache
	)

	if (nil == parent) || (nil == def) {
		err = blunder.NewError(blunder.InvalidArgError, "fscache.AcquireCookie() requires a parent and a definition")
		return
	}
	if CookieTypeIndex != parent.def.Type() {
		err = blunder.NewError(blunder.InvalidArgError, "cookie %s is not an index", parent.name())
		return
	}
	if parent.testFlags(CookieRelinquished) {
		err = blunder.NewError(blunder.InvalidArgError, "cookie %s has been relinquished", parent.name())
		return
	}

	cookie = newCookie(parent, def, netfsData)
	cookie.key = def.GetKey(netfsData)
	cookie.keyHash = hashCookieKey(parent, def.Type(), cookie.key)

	err = hashCookie(cookie)
	if nil != err {
		globals.stats.CookiesDuplicate.Increment()
		atomic.AddInt64(&globals.cookieCount, -1)
		cookie = nil
		return
	}

	parent.get()
	atomic.AddInt32(&parent.nChildren, 1)

	globals.stats.CookiesAcquired.Increment()

	if CookieTypeIndex == def.Type() {
		logger.Tracef("fscache: index cookie %s acquired under %s", def.Name(), parent.name())
		return
	}

	cache = selectCacheForCookie(cookie)
	if nil == cache {
		err = blunder.NewError(blunder.NoCacheError, "no cache for cookie %s", def.Name())
	} else {
		err = allocObjectChain(cache, cookie)
	}
	if nil != err {
		globals.stats.CookiesNoCache.Increment()
		cookie.setFlags(CookieRelinquished)
		unhashCookie(cookie)
		atomic.AddInt32(&parent.nChildren, -1)
		cookie.put()
		cookie = nil
		return
	}

	logger.Tracef("fscache: data cookie %s acquired under %s in cache %s", def.Name(), parent.name(), cache.tag.name)

	return
}

// selectCacheForCookie prefers the Cache already backing cookie or its
// nearest ancestor, then the Cache its definition names, then the first
// Cache added
func selectCacheForCookie(cookie *Cookie) (cache *Cache) {
	var (
		tagName string
	)

	for ancestor := cookie; nil != ancestor; ancestor = ancestor.parent {
		if ancestor == globals.fsdefCookie {
			break
		}

		ancestor.lock.Lock()
		for _, object := range ancestor.objects {
			if !object.cache.IsWithdrawn() && !object.cache.IOErrorLatched() {
				cache = object.cache
				break
			}
		}
		ancestor.lock.Unlock()
		if nil != cache {
			return
		}

		tagName = ancestor.def.SelectCache(ancestor.netfsData)
		if "" != tagName {
			cache = lookupCache(tagName)
			if (nil != cache) && !cache.IsWithdrawn() {
				return
			}
			logger.Warnf("fscache: cookie %s asked for cache tag %s which has no cache", ancestor.name(), tagName)
			cache = nil
		}
	}

	globals.Lock()
	for _, candidate := range globals.cacheList {
		if !candidate.IsWithdrawn() && !candidate.IOErrorLatched() {
			cache = candidate
			break
		}
	}
	globals.Unlock()

	return
}

// objectInCacheLocked returns the Object backing cookie in cache, if any
func (cookie *Cookie) objectInCacheLocked(cache *Cache) *Object {
	for _, object := range cookie.objects {
		if cache == object.cache {
			return object
		}
	}
	return nil
}

// allocObjectChain makes sure cookie, and each of its ancestors, is backed by
// an Object in cache, allocating parents first
func allocObjectChain(cache *Cache, cookie *Cookie) (err error) {
	var (
		existing   *Object
		maxKeySize int
		object     *Object
	)

	cookie.lock.Lock()
	existing = cookie.objectInCacheLocked(cache)
	if nil != existing {
		existing.lock.Lock()
		if existing.isDyingLocked() || existing.cache.IOErrorLatched() {
			err = blunder.NewError(blunder.ObjectDeadError, "cookie %s object %d is dying", cookie.name(), existing.id)
		}
		existing.lock.Unlock()
		cookie.lock.Unlock()
		return
	}
	cookie.lock.Unlock()

	if nil == cookie.parent {
		err = blunder.NewError(blunder.NoCacheError, "cache %s has no root object", cache.identifier)
		return
	}

	maxKeySize = cache.backend.MaxIndexKeySize()
	if (0 < maxKeySize) && (len(cookie.key) > maxKeySize) {
		err = blunder.NewError(blunder.KeyTooLongError, "cookie %s key is %d bytes, cache %s accepts %d",
			cookie.name(), len(cookie.key), cache.tag.name, maxKeySize)
		return
	}

	object = newObject(cache, cookie)

	err = cache.backend.AllocObject(object)
	if nil != err {
		globals.stats.ObjectAllocFailures.Increment()
		logger.WarnfWithError(err, "fscache: cache %s could not allocate an object for cookie %s", cache.tag.name, cookie.name())
		object.put()
		return
	}

	err = allocObjectChain(cache, cookie.parent)
	if nil != err {
		object.put()
		return
	}

	err = attachObject(cache, cookie, object)
	if nil != err {
		object.put()
		if blunder.Is(err, blunder.FileExistsError) {
			// Another acquirer got there first
			err = nil
		}
		return
	}

	return
}

// attachObject binds object to cookie and to the parent Object and starts its lookup
func attachObject(cache *Cache, cookie *Cookie, object *Object) (err error) {
	var (
		parentCookie = cookie.parent
		parentObject *Object
	)

	cookie.lock.Lock()

	if nil != cookie.objectInCacheLocked(cache) {
		cookie.lock.Unlock()
		err = blunder.NewError(blunder.FileExistsError, "cookie %s already has an object in cache %s", cookie.name(), cache.tag.name)
		return
	}

	if cookie.testFlags(CookieRelinquished) {
		cookie.lock.Unlock()
		err = blunder.NewError(blunder.ObjectDeadError, "cookie %s has been relinquished", cookie.name())
		return
	}

	parentCookie.lock.Lock()
	parentObject = parentCookie.objectInCacheLocked(cache)
	if nil == parentObject {
		parentCookie.lock.Unlock()
		cookie.lock.Unlock()
		err = blunder.NewError(blunder.ObjectDeadError, "cookie %s lost its object in cache %s", parentCookie.name(), cache.tag.name)
		return
	}
	parentObject.lock.Lock()
	if parentObject.isDyingLocked() {
		parentObject.lock.Unlock()
		parentCookie.lock.Unlock()
		cookie.lock.Unlock()
		err = blunder.NewError(blunder.ObjectDeadError, "object %d of cookie %s is dying", parentObject.id, parentCookie.name())
		return
	}
	parentObject.nChildren++
	parentObject.get()
	parentObject.lock.Unlock()
	parentCookie.lock.Unlock()

	err = cache.linkObject(object)
	if nil != err {
		parentObject.lock.Lock()
		parentObject.nChildren--
		parentObject.raiseEventLocked(ObjectEventCleared)
		parentObject.lock.Unlock()
		parentObject.put()
		cookie.lock.Unlock()
		return
	}

	object.parent = parentObject

	cookie.objects = append(cookie.objects, object)
	cookie.get()

	object.lock.Lock()
	object.enqueueLocked()
	object.lock.Unlock()

	cookie.lock.Unlock()

	logger.TracefWithFields(object.traceFields(), "fscache: object attached under object %d", parentObject.id)

	return
}

// unlinkObject detaches a dead object from cookie, telling the consumer if
// that was the last one
func (cookie *Cookie) unlinkObject(object *Object) {
	var (
		nowUncached bool
	)

	cookie.lock.Lock()
	for i, other := range cookie.objects {
		if other == object {
			cookie.objects = append(cookie.objects[:i], cookie.objects[i+1:]...)
			break
		}
	}
	nowUncached = (0 == len(cookie.objects)) && !cookie.testFlags(CookieRelinquished)
	cookie.lock.Unlock()

	if nowUncached {
		cookie.def.NowUncached(cookie.netfsData)
	}

	cookie.put()
}

// raiseEventOnObjects tells every Object backing cookie about event
func (cookie *Cookie) raiseEventOnObjects(event ObjectEvent) {
	cookie.lock.Lock()
	for _, object := range cookie.objects {
		object.raiseEvent(event)
	}
	cookie.lock.Unlock()
}

func relinquishCookie(cookie *Cookie, retire bool) {
	var (
		event = ObjectEventRelease
	)

	if nil == cookie {
		return
	}

	if 0 != (cookie.setFlags(CookieRelinquished) & CookieRelinquished) {
		logger.Warnf("fscache: cookie %s relinquished more than once", cookie.name())
		return
	}

	globals.stats.CookiesRelinquished.Increment()

	unhashCookie(cookie)

	if retire {
		event = ObjectEventRetire
	}

	cookie.raiseEventOnObjects(event)

	if 0 < atomic.LoadInt32(&cookie.nChildren) {
		logger.Warnf("fscache: cookie %s relinquished with %d children", cookie.name(), atomic.LoadInt32(&cookie.nChildren))
	}

	if nil != cookie.parent {
		atomic.AddInt32(&cookie.parent.nChildren, -1)
	}

	logger.Tracef("fscache: cookie %s relinquished (retire %v)", cookie.name(), retire)

	cookie.put()
}

func invalidateCookie(cookie *Cookie) {
	if (nil == cookie) || (CookieTypeData != cookie.def.Type()) {
		return
	}

	uncacheAllPages(cookie)
	cookie.setFlags(CookieNoDataYet)
	cookie.raiseEventOnObjects(ObjectEventUpdate)
}

func updateCookie(cookie *Cookie) {
	if nil == cookie {
		return
	}

	cookie.raiseEventOnObjects(ObjectEventUpdate)
}

// backingObject returns the Object page I/O for cookie is directed at, with
// a reference the caller must put
func (cookie *Cookie) backingObject() (object *Object, err error) {
	if nil == cookie {
		err = blunder.NewError(blunder.NoCacheError, "no cookie")
		return
	}
	if CookieTypeData != cookie.def.Type() {
		err = blunder.NewError(blunder.InvalidArgError, "cookie %s is not a data cookie", cookie.name())
		return
	}
	if cookie.testFlags(CookieUnavailable | CookieRelinquished) {
		err = blunder.NewError(blunder.NoBufsError, "cookie %s is unavailable", cookie.name())
		return
	}

	cookie.lock.Lock()
	if 0 == len(cookie.objects) {
		cookie.lock.Unlock()
		err = blunder.NewError(blunder.NoCacheError, "cookie %s is not cached", cookie.name())
		return
	}
	object = cookie.objects[0]
	object.get()
	cookie.lock.Unlock()

	return
}

func attrChanged(cookie *Cookie) (err error) {
	var (
		object *Object
		op     *Operation
	)

	object, err = cookie.backingObject()
	if nil != err {
		return
	}

	op = newAttrChangedOperation()
	err = object.submitOp(op)
	op.put()

	object.put()

	return
}

func pinCookie(cookie *Cookie) (err error) {
	var (
		object *Object
		active bool
	)

	object, err = cookie.backingObject()
	if nil != err {
		return
	}

	object.lock.Lock()
	active = object.isActiveLocked()
	object.lock.Unlock()

	if active {
		err = object.cache.backend.PinObject(object)
	} else {
		err = blunder.NewError(blunder.NoBufsError, "object %d of cookie %s is not active", object.id, cookie.name())
	}

	object.put()

	return
}

func unpinCookie(cookie *Cookie) {
	object, err := cookie.backingObject()
	if nil != err {
		return
	}

	object.cache.backend.UnpinObject(object)

	object.put()
}

func registerNetfs(name string, version uint32) (netfs *Netfs, err error) {
	var (
		ok bool
	)

	if "" == name {
		err = blunder.NewError(blunder.InvalidArgError, "fscache.RegisterNetfs() requires a name")
		return
	}

	netfs = &Netfs{name: name, version: version}

	globals.Lock()
	_, ok = globals.netfsMap[name]
	if ok {
		globals.Unlock()
		netfs = nil
		err = blunder.NewError(blunder.FileExistsError, "netfs %s already registered", name)
		return
	}
	globals.netfsMap[name] = netfs
	globals.Unlock()

	netfs.primaryIndex, err = acquireCookie(globals.fsdefCookie, &netfsIndexDefinitionStruct{netfs: netfs}, netfs)
	if nil != err {
		globals.Lock()
		delete(globals.netfsMap, name)
		globals.Unlock()
		netfs = nil
		return
	}

	logger.Infof("fscache: netfs %s version %d registered", name, version)

	return
}

func unregisterNetfs(netfs *Netfs) {
	if nil == netfs {
		return
	}

	globals.Lock()
	if netfs == globals.netfsMap[netfs.name] {
		delete(globals.netfsMap, netfs.name)
	}
	globals.Unlock()

	relinquishCookie(netfs.primaryIndex, false)

	logger.Infof("fscache: netfs %s unregistered", netfs.name)
}

func (netfs *Netfs) Name() string {
	return netfs.name
}

func (netfs *Netfs) Version() uint32 {
	return netfs.version
}

// PrimaryIndex returns the cookie all of the consumer's cookies descend from
func (netfs *Netfs) PrimaryIndex() *Cookie {
	return netfs.primaryIndex
}
