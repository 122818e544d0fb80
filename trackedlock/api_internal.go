// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/utils"
)

type globalsStruct struct {
	lockHoldTimeLimit      int64                       // time.Duration; locks held longer then this get logged (atomic)
	lockCheckPeriod        int64                       // time.Duration; check locks once each period (atomic)
	mapMutex               sync.Mutex                  // protects mutexMap
	mutexMap               map[*MutexTrack]interface{} // the locks being watched
	lockWatcherLocksLogged int                         // max overlimit locks logged by lockWatcher()
	lockCheckTicker        *time.Ticker                // ticker for lock check time
	stopChan               chan struct{}               // time to shutdown and go home
	doneChan               chan struct{}               // shutdown complete
}

var globals globalsStruct

func holdTimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
}

func checkPeriod() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockCheckPeriod))
}

// stackTraceObj holds the stack trace of one goroutine; we keep a pool of them around.
type stackTraceObj struct {
	stackTrace    []byte
	stackTraceBuf [4040]byte
}

var stackTraceObjPool = sync.Pool{
	New: func() interface{} {
		return &stackTraceObj{}
	},
}

// MutexTrack is the tracking state of a Mutex
type MutexTrack struct {
	isWatched  bool           // true if lock is in globals.mutexMap; protected by globals.mapMutex
	lockCnt    int32          // 0 if unlocked, -1 locked
	lockTime   int64          // UnixNano of the last completed lock operation (atomic)
	lockerGoId uint64         // goroutine ID of the last locker (atomic)
	lockStack  *stackTraceObj // stack trace when object was last locked
}

func (mt *MutexTrack) lockTrack(wrappedLock interface{}) {
	atomic.StoreInt32(&mt.lockCnt, -1)

	if 0 == holdTimeLimit() {
		return
	}

	mt.lockStack = stackTraceObjPool.Get().(*stackTraceObj)
	mt.lockStack.stackTrace = mt.lockStack.stackTraceBuf[:]

	cnt := runtime.Stack(mt.lockStack.stackTrace, false)
	mt.lockStack.stackTrace = mt.lockStack.stackTrace[0:cnt]
	atomic.StoreUint64(&mt.lockerGoId, utils.StackTraceToGoId(mt.lockStack.stackTrace))
	atomic.StoreInt64(&mt.lockTime, time.Now().UnixNano())

	if 0 != checkPeriod() {
		globals.mapMutex.Lock()
		if !mt.isWatched && (nil != globals.mutexMap) {
			globals.mutexMap[mt] = wrappedLock
			mt.isWatched = true
		}
		globals.mapMutex.Unlock()
	}
}

func (mt *MutexTrack) unlockTrack(wrappedLock interface{}) {
	limit := holdTimeLimit()
	if (0 != limit) && (nil != mt.lockStack) {
		heldFor := time.Since(time.Unix(0, atomic.LoadInt64(&mt.lockTime)))
		if heldFor >= limit {
			var buf [4040]byte
			cnt := runtime.Stack(buf[:], false)

			logger.Warnf("Unlock(): %T at %p locked for %f sec; stack at call to Lock():\n%s stack at Unlock():\n%s",
				wrappedLock, wrappedLock,
				float64(heldFor)/float64(time.Second), string(mt.lockStack.stackTrace), string(buf[0:cnt]))
		}
	}

	atomic.StoreUint64(&mt.lockerGoId, 0)
	if nil != mt.lockStack {
		stackTraceObjPool.Put(mt.lockStack)
		mt.lockStack = nil
	}
	atomic.StoreInt32(&mt.lockCnt, 0)
}

func (mt *MutexTrack) heldByMe() bool {
	if 0 == atomic.LoadInt32(&mt.lockCnt) {
		return false
	}
	if 0 == holdTimeLimit() {
		return true
	}
	return atomic.LoadUint64(&mt.lockerGoId) == utils.GetGID()
}

// lockWatcher periodically logs locks held longer than globals.lockHoldTimeLimit
func lockWatcher() {
	for {
		select {
		case <-globals.stopChan:
			globals.doneChan <- struct{}{}
			return
		case <-globals.lockCheckTicker.C:
			checkLocks()
		}
	}
}

func checkLocks() {
	var (
		limit  = holdTimeLimit()
		logged int
		now    = time.Now()
	)

	globals.mapMutex.Lock()
	defer globals.mapMutex.Unlock()

	for mt, wrappedLock := range globals.mutexMap {
		if logged >= globals.lockWatcherLocksLogged {
			return
		}
		if 0 == atomic.LoadInt32(&mt.lockCnt) {
			continue
		}
		heldFor := now.Sub(time.Unix(0, atomic.LoadInt64(&mt.lockTime)))
		if heldFor < limit {
			continue
		}
		logger.Warnf("trackedlock watcher: %T at %p held by goroutine %d for %f sec",
			wrappedLock, wrappedLock, atomic.LoadUint64(&mt.lockerGoId), float64(heldFor)/float64(time.Second))
		logged++
	}
}
