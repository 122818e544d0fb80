// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"container/list"
	"sync/atomic"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/utils"
)

type operationState uint32

const (
	opStateInitialised operationState = iota
	opStatePending
	opStateInProgress
	opStateComplete
	opStateCancelled
	opStateDead
)

// Operation is a unit of work scheduled against an Object. Retrieval and
// Storage embed one.
type Operation struct {
	debugID        uint64
	refCount       int32 // atomic
	flags          OpFlag
	state          operationState // protected by object.lock
	status         error          // why the operation was cancelled; protected by object.lock
	object         *Object
	processor      func(op *Operation) (err error)
	releaser       func(op *Operation)
	canceller      func(op *Operation, status error)
	activated      chan struct{} // closed when an OpCallerThread operation may run or has been cancelled
	pendingElement *list.Element
	stopwatch      *utils.Stopwatch
	private        interface{}
}

func (op *Operation) init(flags OpFlag, processor func(op *Operation) (err error)) {
	op.debugID = atomic.AddUint64(&globals.lastOpDebugID, 1)
	op.refCount = 1
	op.flags = flags
	op.state = opStateInitialised
	op.processor = processor
	op.stopwatch = utils.NewStopwatch()

	if 0 != (flags & OpCallerThread) {
		op.activated = make(chan struct{})
	}
}

func newUpdateOperation() (op *Operation) {
	op = &Operation{}
	op.init(OpAsync|OpExclusive, updateObjectProcessor)
	return
}

func newAttrChangedOperation() (op *Operation) {
	op = &Operation{}
	op.init(OpAsync|OpExclusive, attrChangedProcessor)
	return
}

func updateObjectProcessor(op *Operation) (err error) {
	object := op.object

	err = object.cache.backend.UpdateObject(object)
	if nil != err {
		logger.WarnfWithError(err, "fscache: backend failed to update object %d", object.id)
	}

	object.lock.Lock()
	object.updateInFlight = false
	if nil != err {
		object.raiseEventLocked(ObjectEventError)
	}
	object.raiseEventLocked(ObjectEventCleared)
	object.lock.Unlock()

	return
}

func attrChangedProcessor(op *Operation) (err error) {
	object := op.object
	cookie := object.cookie

	objectSize := cookie.def.GetAttr(cookie.netfsData)

	object.lock.Lock()
	object.storeLimit = objectSize
	object.lock.Unlock()

	object.cache.backend.StoreLimitChanged(object)

	err = object.cache.backend.AttrChanged(object)
	if nil != err {
		logger.WarnfWithError(err, "fscache: backend failed attribute change of object %d", object.id)
		object.raiseEvent(ObjectEventError)
	}

	return
}

func (op *Operation) DebugID() uint64 {
	return op.debugID
}

func (op *Operation) Flags() OpFlag {
	return op.flags
}

// Object returns the Object op was submitted against (nil before submission
// and after op has been released)
func (op *Operation) Object() *Object {
	return op.object
}

func (op *Operation) Private() interface{} {
	return op.private
}

func (op *Operation) SetPrivate(private interface{}) {
	op.private = private
}

// OnRelease arranges for releaser to be called once the last reference to op is dropped
func (op *Operation) OnRelease(releaser func(op *Operation)) {
	op.releaser = releaser
}

// Get takes a reference to op, e.g. to keep it beyond a backend callback
func (op *Operation) Get() {
	op.get()
}

// Put drops a reference obtained with Get()
func (op *Operation) Put() {
	op.put()
}

func (op *Operation) get() {
	atomic.AddInt32(&op.refCount, 1)
}

// put drops a reference. If the last reference would go while the Object is
// already dead, op is handed to the Cache's reclaimer instead, which then
// owns that reference.
func (op *Operation) put() {
	for {
		refCount := atomic.LoadInt32(&op.refCount)

		if (1 == refCount) && (nil != op.object) && op.object.cache.reclaimOp(op) {
			return
		}

		if atomic.CompareAndSwapInt32(&op.refCount, refCount, refCount-1) {
			if 1 == refCount {
				op.release()
			} else if 0 >= refCount {
				err := blunder.NewError(blunder.InvalidArgError, "operation %d refCount went negative", op.debugID)
				logger.PanicfWithError(err, "fscache: operation reference underflow")
			}
			return
		}
	}
}

func (op *Operation) release() {
	op.state = opStateDead

	if nil != op.releaser {
		op.releaser(op)
		op.releaser = nil
	}

	globals.stats.OpsReleased.Increment()

	object := op.object
	if nil != object {
		op.object = nil
		object.put()
	}
}

func (object *Object) submitOp(op *Operation) (err error) {
	object.lock.Lock()
	err = object.submitOpLocked(op)
	object.lock.Unlock()
	return
}

// submitOpLocked queues op or, if nothing stands in its way, dispatches it
func (object *Object) submitOpLocked(op *Operation) (err error) {
	var (
		exclusive = 0 != (op.flags & OpExclusive)
		state     = object.getState()
	)

	globals.stats.OpsSubmitted.Increment()
	if exclusive {
		globals.stats.OpsExclusive.Increment()
	}

	switch {
	case object.cache.IOErrorLatched() || object.isDeadLocked():
		err = blunder.NewError(blunder.ObjectDeadError, "object %d is dead", object.id)
	case object.cookie.testFlags(CookieUnavailable):
		err = blunder.NewError(blunder.NoBufsError, "cookie %s is unavailable", object.cookie.name())
	case object.isDyingLocked():
		if object.eventPending(ObjectEventWithdraw) {
			err = blunder.NewError(blunder.WithdrawnError, "object %d is being withdrawn", object.id)
		} else {
			err = blunder.NewError(blunder.ObjectDeadError, "object %d is dying", object.id)
		}
	case !object.cache.backend.GrabObject(object):
		err = blunder.NewError(blunder.ObjectDeadError, "backend refused to grab object %d", object.id)
	}
	if nil != err {
		globals.stats.OpsRejected.Increment()
		return
	}

	op.object = object
	object.get()
	op.get()
	object.nOps++
	if exclusive {
		object.nExclusive++
	}

	switch {
	case state < ObjectStateAvailable:
		object.queueOpLocked(op)
	case exclusive:
		if (0 < object.nInProgress) || (0 < object.pending.Len()) {
			object.queueOpLocked(op)
			object.startOperationsLocked()
		} else {
			object.runOpLocked(op)
		}
	case 0 < object.nExclusive:
		object.queueOpLocked(op)
	case 0 < object.pending.Len():
		object.queueOpLocked(op)
		object.startOperationsLocked()
	default:
		object.runOpLocked(op)
	}

	logger.TracefWithFields(object.traceFields(), "fscache: op %d (flags %#x) submitted in state %s: nOps %d nInProgress %d nExclusive %d",
		op.debugID, uint32(op.flags), state, object.nOps, object.nInProgress, object.nExclusive)

	return
}

func (object *Object) queueOpLocked(op *Operation) {
	op.state = opStatePending
	op.pendingElement = object.pending.PushBack(op)
	globals.stats.OpsQueued.Increment()
}

func (object *Object) runOpLocked(op *Operation) {
	op.state = opStateInProgress

	object.nInProgress++
	if 0 != (op.flags & OpRetrieval) {
		object.nReads++
	}
	if 0 != (op.flags & OpExclusive) {
		object.nExclusiveRun++
	}

	if 0 != (op.flags & OpAsync) {
		op.get()
		object.cache.opPool.submit(op.run)
	} else {
		close(op.activated)
	}
}

// startOperationsLocked dispatches pending operations in FIFO order. An
// exclusive operation waits for everything ahead of it to complete and holds
// back everything behind it until it completes.
func (object *Object) startOperationsLocked() {
	var (
		element *list.Element
		op      *Operation
		stop    bool
	)

	if !object.isActiveLocked() || (0 < object.nExclusiveRun) {
		return
	}

	for element = object.pending.Front(); (nil != element) && !stop; element = object.pending.Front() {
		op = element.Value.(*Operation)

		if 0 != (op.flags & OpExclusive) {
			if 0 < object.nInProgress {
				break
			}
			stop = true
		}

		object.pending.Remove(element)
		op.pendingElement = nil

		object.runOpLocked(op)
	}
}

// cancelPendingLocked pulls every operation that has not started off the
// queue; the caller must pass them to finishCancelled() after dropping
// object.lock
func (object *Object) cancelPendingLocked(status error) (cancelled []*Operation) {
	var (
		element *list.Element
		op      *Operation
	)

	for element = object.pending.Front(); nil != element; element = object.pending.Front() {
		op = element.Value.(*Operation)

		object.pending.Remove(element)
		op.pendingElement = nil

		op.state = opStateCancelled
		op.status = status

		object.nOps--
		if 0 != (op.flags & OpExclusive) {
			object.nExclusive--
		}

		cancelled = append(cancelled, op)
	}

	if 0 < len(cancelled) {
		globals.stats.OpsCancelled.Add(uint64(len(cancelled)))
		if 0 == object.nOps {
			object.raiseEventLocked(ObjectEventCleared)
		}
	}

	return
}

func finishCancelled(cancelled []*Operation) {
	for _, op := range cancelled {
		if nil != op.canceller {
			op.canceller(op, op.status)
		}
		if 0 != (op.flags & OpCallerThread) {
			close(op.activated)
		}
		op.put()
	}
}

// run is the worker pool side of an OpAsync operation
func (op *Operation) run() {
	_ = op.processor(op)
	op.complete()
	op.put()
}

// waitForActivation is the submitter side of an OpCallerThread operation
func (op *Operation) waitForActivation() (err error) {
	<-op.activated

	object := op.object

	object.lock.Lock()
	if opStateCancelled == op.state {
		err = op.status
	}
	object.lock.Unlock()

	return
}

func (op *Operation) complete() {
	object := op.object

	object.lock.Lock()

	if opStateInProgress != op.state {
		object.lock.Unlock()
		logger.Errorf("fscache: op %d completed in state %d", op.debugID, uint32(op.state))
		return
	}

	op.state = opStateComplete

	object.nInProgress--
	if 0 != (op.flags & OpRetrieval) {
		object.nReads--
	}
	if 0 != (op.flags & OpExclusive) {
		object.nExclusive--
		object.nExclusiveRun--
	}
	object.nOps--

	if 0 == object.nInProgress {
		object.startOperationsLocked()
	}
	if 0 == object.nOps {
		object.raiseEventLocked(ObjectEventCleared)
	}

	object.lock.Unlock()

	op.put()
}
