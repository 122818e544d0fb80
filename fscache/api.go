// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package fscache sits between consumers that want to cache data (network
// filesystems, mostly) and one or more cache backends that store it.
//
// Consumers describe what they cache as a tree of Cookies rooted at their
// Netfs primary index. Backends register a Cache under a Tag and are asked
// to bind each Cookie to an Object of their own. Every Object runs through
// a lifecycle state machine (lookup/create, active, update, dying, dead)
// driven on a per-cache worker pool, and page level I/O is issued as
// Operations that are scheduled against the Object, honoring an exclusive
// barrier between operations that must run alone.
//
// fscache is brought up and down by package transitions; it must have been
// Up()'d before any of the APIs below are used.
package fscache

// PageSize is the unit of data cached by fscache
const PageSize = 4096

// Page is one PageSize unit of a data object
type Page struct {
	Index uint64 // offset of the page within its data object, in units of PageSize
	Data  []byte
}

// ObjectState is the lifecycle state of an Object
type ObjectState uint32

const (
	ObjectStateInit ObjectState = iota
	ObjectStateLookingUp
	ObjectStateCreating
	ObjectStateAvailable
	ObjectStateActive
	ObjectStateUpdating
	ObjectStateDying
	ObjectStateLCDying
	ObjectStateAbortInit
	ObjectStateReleasing
	ObjectStateRecycling
	ObjectStateWithdrawing
	ObjectStateDead
)

// ObjectEvent is something that happened to an Object that its state
// machine must react to
type ObjectEvent uint32

const (
	ObjectEventRequeue  ObjectEvent = iota // lookup must be retried
	ObjectEventUpdate                      // auxiliary data should be written back
	ObjectEventCleared                     // outstanding operations or children went to zero
	ObjectEventError                       // backend reported a failure
	ObjectEventRelease                     // cookie relinquished; keep the data
	ObjectEventRetire                      // cookie relinquished; discard the data
	ObjectEventWithdraw                    // cache is being withdrawn
)

// CookieType distinguishes index cookies (interior nodes) from data cookies
type CookieType int

const (
	CookieTypeIndex CookieType = iota
	CookieTypeData
)

// CheckAuxResult is a consumer's verdict on the auxiliary data a backend found
type CheckAuxResult int

const (
	CheckAuxOkay CheckAuxResult = iota
	CheckAuxNeedsUpdate
	CheckAuxObsolete
)

// CookieFlags report the progress of a Cookie's lookup and fill
type CookieFlags uint32

const (
	CookieLookingUp CookieFlags = 1 << iota
	CookieCreating
	CookieNoDataYet
	CookieFillPending
	CookieFilling
	CookieUnavailable
	CookieRelinquished
)

// DispatchMode selects where a Retrieval is processed once it is allowed to run
type DispatchMode int

const (
	DispatchAsync        DispatchMode = iota // on the cache's operation worker pool
	DispatchCallerThread                     // on the submitting goroutine, which waits for its turn
)

// OpFlag describes an Operation
type OpFlag uint32

const (
	OpAsync OpFlag = 1 << iota
	OpCallerThread
	OpExclusive
	OpRetrieval
	OpStorage
)

// EndIOFunc is called exactly once per page of a Retrieval with that page's status:
//
//   nil                 the page was read from the cache
//   blunder.NoDataError the page was allocated in the cache but holds no data
//   anything else       the page is not cached
//
type EndIOFunc func(page *Page, context interface{}, err error)

// CookieDefinition is supplied by the consumer for each Cookie it acquires.
// Each callback is handed the netfsData passed to AcquireCookie().
type CookieDefinition interface {
	Name() string
	Type() CookieType
	SelectCache(netfsData interface{}) (tagName string) // "" lets fscache choose
	GetKey(netfsData interface{}) (key []byte)
	GetAttr(netfsData interface{}) (objectSize uint64)
	GetAux(netfsData interface{}) (aux []byte)
	CheckAux(netfsData interface{}, aux []byte) (result CheckAuxResult)
	NowUncached(netfsData interface{})
}

// Backend is the set of callbacks a cache implementation provides to AddCache().
//
// Callbacks taking an Object are called without that Object's lock held, except
// GrabObject() and PutObject(): GrabObject() runs under the lock during op
// submission and PutObject() may run wherever the last reference is dropped.
// Neither may call the Object's locking accessors (Private, SetPrivate,
// StoreLimit, LookupNegative, CheckAux).
// LookupObject() may return blunder.TryAgainError to have the lookup requeued
// and may call (*Object).LookupNegative() once it learns the Object must be
// created. Page callbacks may return blunder.IOError after calling
// (*Cache).IOError() to take the cache out of service.
type Backend interface {
	Name() string
	MaxIndexKeySize() (maxKeySize int) // 0 means no limit
	AllocObject(object *Object) (err error)
	LookupObject(object *Object) (err error)
	LookupComplete(object *Object)
	GrabObject(object *Object) (ok bool)
	PinObject(object *Object) (err error)
	UnpinObject(object *Object)
	UpdateObject(object *Object) (err error)
	AttrChanged(object *Object) (err error)
	StoreLimitChanged(object *Object)
	DropObject(object *Object, retire bool)
	PutObject(object *Object)
	SyncCache(cache *Cache)
	ReadOrAllocPage(retrieval *Retrieval, page *Page) (err error)
	ReadOrAllocPages(retrieval *Retrieval, pages []*Page) (errs []error)
	AllocatePage(retrieval *Retrieval, page *Page) (err error)
	AllocatePages(retrieval *Retrieval, pages []*Page) (errs []error)
	WritePage(storage *Storage, page *Page) (err error)
	UncachePage(object *Object, pageIndex uint64)
	DissociatePages(cache *Cache)
}

// AddCache registers a backend as a Cache under tagName (the backend's Name()
// if tagName is ""). Fails with blunder.TagBoundError if another live Cache
// holds the tag.
func AddCache(backend Backend, tagName string) (cache *Cache, err error) {
	return addCache(backend, tagName)
}

// LookupCacheTag returns the named Tag, creating it if need be, with a
// reference the caller must drop with ReleaseCacheTag().
func LookupCacheTag(tagName string) (tag *Tag) {
	return lookupCacheTag(tagName)
}

// ReleaseCacheTag drops a reference obtained from LookupCacheTag()
func ReleaseCacheTag(tag *Tag) {
	releaseCacheTag(tag)
}

// LookupCache returns the live Cache bound to tagName or nil
func LookupCache(tagName string) (cache *Cache) {
	return lookupCache(tagName)
}

// RegisterNetfs declares a consumer and returns it with its primary index
// cookie, the parent of all of the consumer's top level cookies.
func RegisterNetfs(name string, version uint32) (netfs *Netfs, err error) {
	return registerNetfs(name, version)
}

// UnregisterNetfs relinquishes the consumer's primary index
func UnregisterNetfs(netfs *Netfs) {
	unregisterNetfs(netfs)
}

// AcquireCookie creates a child of parent (which must be an index cookie).
//
// A data cookie is bound to an Object in a Cache straight away and its lookup
// is started; if no Cache will take it blunder.NoCacheError is returned. An
// index cookie is bound lazily, the first time a descendant needs it.
// blunder.DuplicateCookie is returned if parent already has a live child of
// the same type and key.
func AcquireCookie(parent *Cookie, def CookieDefinition, netfsData interface{}) (cookie *Cookie, err error) {
	return acquireCookie(parent, def, netfsData)
}

// RelinquishCookie drops the consumer's reference to cookie. Every Object
// bound to it is told to die, discarding its data if retire is set.
func RelinquishCookie(cookie *Cookie, retire bool) {
	relinquishCookie(cookie, retire)
}

// InvalidateCookie discards pending page writes and tells every Object bound
// to cookie to bring its auxiliary data up to date. Reads report
// blunder.NoDataError until a page is written again.
func InvalidateCookie(cookie *Cookie) {
	invalidateCookie(cookie)
}

// UpdateCookie tells every Object bound to cookie to bring its auxiliary data up to date
func UpdateCookie(cookie *Cookie) {
	updateCookie(cookie)
}

// AttrChanged refreshes the store limit of cookie's Object from GetAttr()
// and notifies the backend. It runs exclusively of any other operation.
func AttrChanged(cookie *Cookie) (err error) {
	return attrChanged(cookie)
}

// PinCookie asks the backend to keep cookie's data resident
func PinCookie(cookie *Cookie) (err error) {
	return pinCookie(cookie)
}

// UnpinCookie undoes PinCookie()
func UnpinCookie(cookie *Cookie) {
	unpinCookie(cookie)
}

// ReadOrAllocPage reads page from the cache or, failing that, allocates
// space for it. endIO reports the outcome.
//
// In DispatchAsync mode a nil return means endIO will be called later. In
// DispatchCallerThread mode the call waits its turn, processes the page and
// returns the page's status (after endIO has been called). Any other error
// means the page will not be looked at and endIO will not be called.
func ReadOrAllocPage(cookie *Cookie, page *Page, endIO EndIOFunc, context interface{}, mode DispatchMode) (err error) {
	return submitRetrieval(cookie, []*Page{page}, endIO, context, mode, false)
}

// ReadOrAllocPages is ReadOrAllocPage() for a batch of pages
func ReadOrAllocPages(cookie *Cookie, pages []*Page, endIO EndIOFunc, context interface{}, mode DispatchMode) (err error) {
	return submitRetrieval(cookie, pages, endIO, context, mode, false)
}

// AllocPage allocates space in the cache for page without reading it
func AllocPage(cookie *Cookie, page *Page, endIO EndIOFunc, context interface{}, mode DispatchMode) (err error) {
	return submitRetrieval(cookie, []*Page{page}, endIO, context, mode, true)
}

// AllocPages is AllocPage() for a batch of pages
func AllocPages(cookie *Cookie, pages []*Page, endIO EndIOFunc, context interface{}, mode DispatchMode) (err error) {
	return submitRetrieval(cookie, pages, endIO, context, mode, true)
}

// WritePage queues page to be stored in the cache. A page already queued
// for storage is simply replaced by this version. Pages at or beyond the
// store limit are refused with blunder.StoreLimitError.
func WritePage(cookie *Cookie, page *Page) (err error) {
	return writePage(cookie, page)
}

// UncachePage tells the cache the consumer no longer needs page cached
func UncachePage(cookie *Cookie, page *Page) {
	uncachePage(cookie, page)
}

// CheckPageWrite reports whether page is queued for, or in the middle of, being stored
func CheckPageWrite(cookie *Cookie, page *Page) (pending bool) {
	return checkPageWrite(cookie, page)
}

// WaitOnPageWrite waits until page is no longer queued for or being stored
func WaitOnPageWrite(cookie *Cookie, page *Page) {
	waitOnPageWrite(cookie, page)
}

// UncacheAllPages drops every page write not yet started and waits for the
// rest to finish, e.g. before the consumer truncates the file
func UncacheAllPages(cookie *Cookie) {
	uncacheAllPages(cookie)
}

// CookieCount returns the number of Cookies in existence, including the
// internal root index
func CookieCount() (count int64) {
	return cookieCount()
}
