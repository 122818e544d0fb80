// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"container/list"
	"fmt"
	"sync/atomic"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/trackedlock"
)

// Object is a Cache's representation of one Cookie. Backends hang their own
// state off it with SetPrivate().
//
// Lock order is Cookie.lock, then Object.lock, then the parent Object's lock.
type Object struct {
	lock            trackedlock.Mutex
	id              uint64
	state           uint32 // ObjectState; changed with lock held, may be read atomically without it
	events          uint32 // pending ObjectEvent bits
	eventMask       uint32 // events that wake the state machine in the current state
	refCount        int32  // atomic
	nOps            int    // operations submitted and not yet completed or cancelled
	nObjOps         int    // child lookups holding an operation count on this Object
	nInProgress     int    // operations dispatched and not yet completed
	nExclusive      int    // exclusive operations submitted and not yet completed or cancelled
	nExclusiveRun   int    // exclusive operations in progress
	nReads          int    // retrievals in progress
	nChildren       int    // child Objects not yet dead
	pending         *list.List
	dependents      []*Object // children waiting in INIT for this Object to become available
	waitingOnParent bool      // protected by the parent's lock
	parent          *Object
	cache           *Cache
	cookie          *Cookie
	storeLimit      uint64 // in bytes
	private         interface{}
	history         []ObjectState
	entryDoneFor    ObjectState
	workQueued      bool
	workRunning     bool
	workAgain       bool
	parentOpHeld    bool
	lookupStarted   bool
	lookupCompleted bool
	lookupFailed    bool
	updateInFlight  bool
	unlinked        bool
}

const (
	terminalEvents = uint32(1<<ObjectEventError | 1<<ObjectEventRelease | 1<<ObjectEventRetire | 1<<ObjectEventWithdraw)
	killEvents     = uint32(1<<ObjectEventRelease | 1<<ObjectEventRetire | 1<<ObjectEventWithdraw)
)

var objectStateNames = []string{
	ObjectStateInit:        "INIT",
	ObjectStateLookingUp:   "LOOKING_UP",
	ObjectStateCreating:    "CREATING",
	ObjectStateAvailable:   "AVAILABLE",
	ObjectStateActive:      "ACTIVE",
	ObjectStateUpdating:    "UPDATING",
	ObjectStateDying:       "DYING",
	ObjectStateLCDying:     "LC_DYING",
	ObjectStateAbortInit:   "ABORT_INIT",
	ObjectStateReleasing:   "RELEASING",
	ObjectStateRecycling:   "RECYCLING",
	ObjectStateWithdrawing: "WITHDRAWING",
	ObjectStateDead:        "DEAD",
}

var objectEventNames = []string{
	ObjectEventRequeue:  "REQUEUE",
	ObjectEventUpdate:   "UPDATE",
	ObjectEventCleared:  "CLEARED",
	ObjectEventError:    "ERROR",
	ObjectEventRelease:  "RELEASE",
	ObjectEventRetire:   "RETIRE",
	ObjectEventWithdraw: "WITHDRAW",
}

func (state ObjectState) String() string {
	if int(state) < len(objectStateNames) {
		return objectStateNames[state]
	}
	return fmt.Sprintf("ObjectState(%d)", uint32(state))
}

func (event ObjectEvent) String() string {
	if int(event) < len(objectEventNames) {
		return objectEventNames[event]
	}
	return fmt.Sprintf("ObjectEvent(%d)", uint32(event))
}

// eventMaskFor returns the events that wake an Object in state
func eventMaskFor(state ObjectState) uint32 {
	switch state {
	case ObjectStateInit:
		return terminalEvents
	case ObjectStateLookingUp, ObjectStateCreating:
		return terminalEvents | 1<<ObjectEventRequeue
	case ObjectStateActive:
		return terminalEvents | 1<<ObjectEventUpdate
	case ObjectStateUpdating:
		return terminalEvents | 1<<ObjectEventCleared
	case ObjectStateDying, ObjectStateLCDying, ObjectStateAbortInit, ObjectStateWithdrawing:
		return 1 << ObjectEventCleared
	default:
		return 0
	}
}

func storeLimitFor(cookie *Cookie) (storeLimit uint64) {
	if (nil == cookie.def) || (CookieTypeData != cookie.def.Type()) {
		return ^uint64(0)
	}
	return cookie.def.GetAttr(cookie.netfsData)
}

func newObject(cache *Cache, cookie *Cookie) (object *Object) {
	object = &Object{
		id:           atomic.AddUint64(&globals.lastObjectID, 1),
		state:        uint32(ObjectStateInit),
		eventMask:    eventMaskFor(ObjectStateInit),
		refCount:     1,
		pending:      list.New(),
		cache:        cache,
		cookie:       cookie,
		storeLimit:   storeLimitFor(cookie),
		history:      []ObjectState{ObjectStateInit},
		entryDoneFor: ObjectStateInit,
	}

	globals.stats.ObjectsAllocated.Increment()

	return
}

func (object *Object) get() {
	atomic.AddInt32(&object.refCount, 1)
}

// put drops a reference; the last one hands the Object back to its backend
func (object *Object) put() {
	refCount := atomic.AddInt32(&object.refCount, -1)
	if 0 < refCount {
		return
	}
	if 0 > refCount {
		err := blunder.NewError(blunder.InvalidArgError, "object %d refCount went negative", object.id)
		logger.PanicfWithError(err, "fscache: object reference underflow")
	}

	globals.stats.ObjectsPut.Increment()

	object.cache.backend.PutObject(object)
}

func (object *Object) getState() ObjectState {
	return ObjectState(atomic.LoadUint32(&object.state))
}

func (object *Object) isActiveLocked() bool {
	state := object.getState()
	return !object.cache.IOErrorLatched() && (state >= ObjectStateAvailable) && (state < ObjectStateDying)
}

func (object *Object) isDyingLocked() bool {
	return object.getState() >= ObjectStateDying
}

func (object *Object) isDeadLocked() bool {
	state := object.getState()
	return (ObjectStateDead == state) || ((state >= ObjectStateDying) && object.cache.IOErrorLatched())
}

func (object *Object) traceFields() map[string]interface{} {
	return map[string]interface{}{
		"object": object.id,
		"cookie": object.cookie.name(),
		"cache":  object.cache.tag.name,
	}
}

func (object *Object) setStateLocked(newState ObjectState) {
	var (
		depth    = int(atomic.LoadUint32(&globals.config.stateHistoryDepth))
		oldState = object.getState()
	)

	atomic.StoreUint32(&object.state, uint32(newState))
	object.eventMask = eventMaskFor(newState)

	object.history = append(object.history, newState)
	if len(object.history) > depth {
		object.history = object.history[len(object.history)-depth:]
	}

	globals.stats.ObjectStateEntries.Increment()

	logger.TracefWithFields(object.traceFields(), "fscache: object %s -> %s (events %#x)",
		oldState, newState, object.events)
}

// raiseEventLocked records event and wakes the state machine if the current
// state is waiting for it. Events not in the mask stay pending.
func (object *Object) raiseEventLocked(event ObjectEvent) {
	bit := uint32(1) << event

	object.events |= bit

	if 0 != (object.eventMask & bit) {
		object.enqueueLocked()
	}
}

func (object *Object) raiseEvent(event ObjectEvent) {
	object.lock.Lock()
	object.raiseEventLocked(event)
	object.lock.Unlock()
}

func (object *Object) enqueueLocked() {
	if object.unlinked {
		return
	}
	if object.workRunning {
		object.workAgain = true
		return
	}
	if object.workQueued {
		return
	}

	object.workQueued = true
	object.get()
	object.cache.objectPool.submit(object.run)
}

// run drives the state machine until it has to wait for an event
func (object *Object) run() {
	object.lock.Lock()

	object.workQueued = false
	object.workRunning = true

	for {
		object.workAgain = false

		object.dispatchLocked()

		if !object.workAgain {
			break
		}

		if 0 != (object.events & (1 << ObjectEventRequeue)) {
			// Let other Objects have this worker before the lookup is retried
			object.workQueued = true
			object.get()
			object.cache.objectPool.submit(object.run)
			break
		}
	}

	object.workRunning = false

	object.lock.Unlock()

	object.put()
}

func (object *Object) dispatchLocked() {
	for {
		newState := object.transitLocked(object.getState())
		if newState == object.getState() {
			return
		}
		object.setStateLocked(newState)
	}
}

// spliceDependentsLocked takes the Objects waiting on this one; the caller
// must kick them once it has dropped object.lock
func (object *Object) spliceDependentsLocked() (dependents []*Object) {
	dependents = object.dependents
	object.dependents = nil

	for _, dependent := range dependents {
		dependent.waitingOnParent = false
	}

	return
}

func kickDependents(dependents []*Object) {
	for _, dependent := range dependents {
		dependent.lock.Lock()
		dependent.enqueueLocked()
		dependent.lock.Unlock()
		dependent.put()
	}
}

// doneParentOpLocked drops the operation count a lookup holds on the parent
func (object *Object) doneParentOpLocked() {
	if !object.parentOpHeld {
		return
	}

	object.parentOpHeld = false

	parent := object.parent

	parent.lock.Lock()
	parent.nObjOps--
	parent.nOps--
	if 0 == parent.nOps {
		parent.raiseEventLocked(ObjectEventCleared)
	}
	parent.lock.Unlock()
}

func (object *Object) storeLimitPagesLocked() uint64 {
	pages := object.storeLimit / PageSize
	if 0 != (object.storeLimit % PageSize) {
		pages++
	}
	return pages
}

// ID returns the unique (within this process) number of object
func (object *Object) ID() uint64 {
	return object.id
}

func (object *Object) Cache() *Cache {
	return object.cache
}

func (object *Object) Cookie() *Cookie {
	return object.cookie
}

// Parent returns the Object backing the parent Cookie in the same Cache, or
// nil for a Cache's root Object
func (object *Object) Parent() *Object {
	return object.parent
}

func (object *Object) State() ObjectState {
	return object.getState()
}

// StateHistory returns the most recent states object has been in, oldest first
func (object *Object) StateHistory() (history []ObjectState) {
	object.lock.Lock()
	history = make([]ObjectState, len(object.history))
	copy(history, object.history)
	object.lock.Unlock()
	return
}

func (object *Object) Private() (private interface{}) {
	object.lock.Lock()
	private = object.private
	object.lock.Unlock()
	return
}

func (object *Object) SetPrivate(private interface{}) {
	object.lock.Lock()
	object.private = private
	object.lock.Unlock()
}

// StoreLimit returns the size in bytes beyond which pages will not be stored
func (object *Object) StoreLimit() (storeLimit uint64) {
	object.lock.Lock()
	storeLimit = object.storeLimit
	object.lock.Unlock()
	return
}

// Key returns the key the consumer gave the Cookie object backs (nil for a root Object)
func (object *Object) Key() []byte {
	return object.cookie.key
}

// Aux fetches the consumer's current auxiliary data for object
func (object *Object) Aux() []byte {
	return object.cookie.def.GetAux(object.cookie.netfsData)
}

// CheckAux asks the consumer whether aux found by the backend is still good
func (object *Object) CheckAux(aux []byte) CheckAuxResult {
	return object.cookie.def.CheckAux(object.cookie.netfsData, aux)
}

// IsIndex reports whether object backs an index Cookie
func (object *Object) IsIndex() bool {
	return CookieTypeIndex == object.cookie.def.Type()
}

// LookupNegative is called by a backend from within LookupObject() when it
// found nothing and is about to create the Object. Reads report
// blunder.NoDataError until data has been written.
func (object *Object) LookupNegative() {
	object.lock.Lock()
	if ObjectStateLookingUp == object.getState() {
		globals.stats.ObjectLookupsNegative.Increment()
		object.cookie.setFlags(CookieNoDataYet | CookieCreating)
		object.setStateLocked(ObjectStateCreating)
	}
	object.lock.Unlock()
}
