// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/logger"
)

// transitLocked does the work of state and returns the state to move to.
// Returning the current state means wait for an event.
//
// Handlers are called, and return, with object.lock held but may drop it
// around calls out to the backend or the consumer.
func (object *Object) transitLocked(state ObjectState) ObjectState {
	switch state {
	case ObjectStateInit:
		return object.initObjectLocked()
	case ObjectStateLookingUp, ObjectStateCreating:
		return object.lookupObjectLocked(state)
	case ObjectStateAvailable:
		return object.objectAvailableLocked()
	case ObjectStateActive:
		return object.waitForCommandLocked()
	case ObjectStateUpdating:
		return object.updateObjectLocked()
	case ObjectStateDying, ObjectStateLCDying, ObjectStateAbortInit, ObjectStateWithdrawing:
		return object.drainObjectLocked(state)
	case ObjectStateReleasing, ObjectStateRecycling:
		return object.dropObjectLocked(state)
	case ObjectStateDead:
		return object.deadObjectLocked()
	}

	err := blunder.NewError(blunder.InvalidArgError, "object %d in unknown state %d", object.id, uint32(state))
	logger.PanicfWithError(err, "fscache: object state machine corrupt")
	return state
}

func (object *Object) eventPending(event ObjectEvent) bool {
	return 0 != (object.events & (1 << event))
}

func (object *Object) initObjectLocked() ObjectState {
	var (
		parent      *Object
		parentState ObjectState
	)

	if 0 != (object.events & terminalEvents) {
		return ObjectStateAbortInit
	}

	if object.cache.IOErrorLatched() {
		object.lookupFailed = true
		return ObjectStateAbortInit
	}

	parent = object.parent

	parent.lock.Lock()

	parentState = parent.getState()

	switch {
	case parentState >= ObjectStateDying:
		object.lookupFailed = (ObjectStateAbortInit == parentState) || parent.lookupFailed
		parent.lock.Unlock()
		return ObjectStateAbortInit
	case parentState < ObjectStateAvailable:
		if !object.waitingOnParent {
			object.waitingOnParent = true
			object.get()
			parent.dependents = append(parent.dependents, object)
		}
		if ObjectStateInit == parentState {
			parent.enqueueLocked()
		}
		parent.lock.Unlock()
		return ObjectStateInit
	default:
		parent.nOps++
		parent.nObjOps++
		parent.lock.Unlock()
		object.parentOpHeld = true
		return ObjectStateLookingUp
	}
}

func (object *Object) lookupObjectLocked(state ObjectState) ObjectState {
	var (
		err error
	)

	if 0 != (object.events & killEvents) {
		return ObjectStateLCDying
	}
	if object.eventPending(ObjectEventError) {
		return ObjectStateAbortInit
	}

	object.events &^= 1 << ObjectEventRequeue

	if object.cache.IOErrorLatched() {
		object.lookupFailed = true
		object.events |= 1 << ObjectEventError
		return ObjectStateAbortInit
	}

	if !object.lookupStarted {
		object.lookupStarted = true
		object.cookie.setFlags(CookieLookingUp)
	}

	object.lock.Unlock()
	globals.stats.ObjectLookups.Increment()
	err = object.cache.backend.LookupObject(object)
	object.lock.Lock()

	if nil == err {
		if ObjectStateLookingUp == object.getState() {
			globals.stats.ObjectLookupsPositive.Increment()
		}
		return ObjectStateAvailable
	}

	if blunder.Is(err, blunder.LookupRequeueError) {
		globals.stats.ObjectLookupRequeues.Increment()
		object.raiseEventLocked(ObjectEventRequeue)
		return object.getState()
	}

	globals.stats.ObjectLookupFailures.Increment()
	logger.WarnfWithError(err, "fscache: lookup of object %d (cookie %s) failed", object.id, object.cookie.name())

	object.lookupFailed = true
	object.events |= 1 << ObjectEventError

	return ObjectStateAbortInit
}

// completeLookupLocked tells the backend it may release whatever it held for
// the lookup, at most once
func (object *Object) completeLookupLocked() {
	if !object.lookupStarted || object.lookupCompleted {
		return
	}

	object.lookupCompleted = true

	object.lock.Unlock()
	object.cache.backend.LookupComplete(object)
	object.lock.Lock()
}

func (object *Object) objectAvailableLocked() ObjectState {
	var (
		dependents []*Object
	)

	object.completeLookupLocked()
	object.cookie.clearFlags(CookieLookingUp | CookieCreating)

	object.doneParentOpLocked()

	dependents = object.spliceDependentsLocked()

	object.startOperationsLocked()

	object.lock.Unlock()
	kickDependents(dependents)
	object.lock.Lock()

	return ObjectStateActive
}

func (object *Object) waitForCommandLocked() ObjectState {
	switch {
	case object.eventPending(ObjectEventWithdraw):
		return ObjectStateWithdrawing
	case object.eventPending(ObjectEventRetire), object.eventPending(ObjectEventRelease), object.eventPending(ObjectEventError):
		return ObjectStateDying
	case object.eventPending(ObjectEventUpdate):
		object.events &^= 1 << ObjectEventUpdate
		return ObjectStateUpdating
	}

	return ObjectStateActive
}

func (object *Object) updateObjectLocked() ObjectState {
	var (
		err error
	)

	switch {
	case object.eventPending(ObjectEventWithdraw):
		return ObjectStateWithdrawing
	case object.eventPending(ObjectEventRetire), object.eventPending(ObjectEventRelease), object.eventPending(ObjectEventError):
		return ObjectStateDying
	}

	if ObjectStateUpdating != object.entryDoneFor {
		object.entryDoneFor = ObjectStateUpdating
		object.events &^= 1 << ObjectEventCleared

		op := newUpdateOperation()
		object.updateInFlight = true
		err = object.submitOpLocked(op)
		op.put()
		if nil != err {
			object.updateInFlight = false
			object.entryDoneFor = ObjectStateActive
			logger.WarnfWithError(err, "fscache: update of object %d could not be submitted", object.id)
			return ObjectStateActive
		}

		globals.stats.ObjectUpdates.Increment()

		return ObjectStateUpdating
	}

	if object.eventPending(ObjectEventCleared) && !object.updateInFlight {
		object.events &^= 1 << ObjectEventCleared
		object.entryDoneFor = ObjectStateActive
		return ObjectStateActive
	}

	return ObjectStateUpdating
}

// drainObjectLocked runs the dying family of states: cancel whatever has not
// started, then wait for running operations and child Objects to go away.
func (object *Object) drainObjectLocked(state ObjectState) ObjectState {
	if state != object.entryDoneFor {
		object.entryDoneFor = state
		object.enterDyingLocked(state)
	}

	object.events &^= 1 << ObjectEventCleared

	if (0 != object.nOps) || (0 != object.nChildren) {
		return state
	}

	switch state {
	case ObjectStateAbortInit:
		return ObjectStateRecycling
	case ObjectStateWithdrawing:
		if object.eventPending(ObjectEventRetire) {
			return ObjectStateRecycling
		}
		return ObjectStateReleasing
	default:
		switch {
		case object.eventPending(ObjectEventWithdraw):
			return ObjectStateWithdrawing
		case object.eventPending(ObjectEventRetire), object.eventPending(ObjectEventError):
			return ObjectStateRecycling
		default:
			return ObjectStateReleasing
		}
	}
}

func (object *Object) enterDyingLocked(state ObjectState) {
	var (
		cancelled  []*Operation
		dependents []*Object
		status     error
	)

	if (ObjectStateLCDying == state) || (ObjectStateAbortInit == state) {
		object.completeLookupLocked()
		object.doneParentOpLocked()
		if (ObjectStateAbortInit == state) && object.lookupFailed {
			if 0 == object.cookie.setFlags(CookieUnavailable)&CookieUnavailable {
				globals.stats.CookiesUnavailable.Increment()
			}
		}
		object.cookie.clearFlags(CookieLookingUp | CookieCreating)
	}

	if object.eventPending(ObjectEventWithdraw) {
		status = blunder.NewError(blunder.WithdrawnError, "object %d withdrawn with operation pending", object.id)
	} else {
		status = blunder.NewError(blunder.ObjectDeadError, "object %d died with operation pending", object.id)
	}

	cancelled = object.cancelPendingLocked(status)
	dependents = object.spliceDependentsLocked()

	if (0 == len(cancelled)) && (0 == len(dependents)) {
		return
	}

	object.lock.Unlock()
	finishCancelled(cancelled)
	kickDependents(dependents)
	object.lock.Lock()
}

func (object *Object) dropObjectLocked(state ObjectState) ObjectState {
	retire := ObjectStateRecycling == state

	if retire {
		globals.stats.ObjectsRetired.Increment()
	}
	globals.stats.ObjectsDropped.Increment()

	object.lock.Unlock()
	object.cache.backend.DropObject(object, retire)
	object.lock.Lock()

	return ObjectStateDead
}

func (object *Object) deadObjectLocked() ObjectState {
	if object.unlinked {
		return ObjectStateDead
	}

	object.unlinked = true
	object.eventMask = 0

	globals.stats.ObjectsDead.Increment()

	parent := object.parent

	object.lock.Unlock()

	object.cache.unlinkObject(object)
	object.cookie.unlinkObject(object)

	if nil != parent {
		parent.lock.Lock()
		parent.nChildren--
		parent.raiseEventLocked(ObjectEventCleared)
		parent.lock.Unlock()
		parent.put()
	}

	// The existence reference; run() still holds one of its own
	object.put()

	object.lock.Lock()

	return ObjectStateDead
}
