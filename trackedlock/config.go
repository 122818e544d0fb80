// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/fscache/conf"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/transitions"
)

func parseConfMap(confMap conf.ConfMap) (err error) {
	var (
		lockCheckPeriod   time.Duration
		lockHoldTimeLimit time.Duration
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		lockHoldTimeLimit = time.Duration(0)
	}

	// lockHoldTimeLimit must be >= 1 sec or 0
	if (lockHoldTimeLimit < time.Second) && (0 != lockHoldTimeLimit) {
		logger.Warnf("config variable 'TrackedLock.LockHoldTimeLimit' value less then 1 sec; defaulting to '40s'")
		lockHoldTimeLimit = 40 * time.Second
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		lockCheckPeriod = time.Duration(0)
	}

	// lockCheckPeriod must be >= 1 sec or 0
	if (lockCheckPeriod < time.Second) && (0 != lockCheckPeriod) {
		logger.Warnf("config variable 'TrackedLock.LockCheckPeriod' value less then 1 sec; defaulting to '20s'")
		lockCheckPeriod = 20 * time.Second
	}

	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
	atomic.StoreInt64(&globals.lockCheckPeriod, int64(lockCheckPeriod))

	err = nil
	return
}

func init() {
	transitions.Register("trackedlock", &globals)
}

func startWatcher() {
	if (0 == checkPeriod()) || (0 == holdTimeLimit()) {
		return
	}

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	globals.lockCheckTicker = time.NewTicker(checkPeriod())

	go lockWatcher()
}

func stopWatcher() {
	if nil == globals.lockCheckTicker {
		return
	}

	globals.lockCheckTicker.Stop()
	globals.stopChan <- struct{}{}
	<-globals.doneChan
	globals.lockCheckTicker = nil

	globals.mapMutex.Lock()
	for mt := range globals.mutexMap {
		mt.isWatched = false
	}
	globals.mutexMap = make(map[*MutexTrack]interface{})
	globals.mapMutex.Unlock()
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	err = parseConfMap(confMap)
	if nil != err {
		return
	}

	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v LockCheckPeriod %v",
		holdTimeLimit(), checkPeriod())

	globals.lockWatcherLocksLogged = 16

	globals.mapMutex.Lock()
	globals.mutexMap = make(map[*MutexTrack]interface{})
	globals.mapMutex.Unlock()

	startWatcher()

	return
}

func (dummy *globalsStruct) TagReserved(confMap conf.ConfMap, tagName string) (err error) {
	return nil
}

func (dummy *globalsStruct) TagUnreserved(confMap conf.ConfMap, tagName string) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish picks up any change to the lock tracking settings
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	var (
		oldCheckPeriod = checkPeriod()
		oldTimeLimit   = holdTimeLimit()
	)

	err = parseConfMap(confMap)
	if nil != err {
		return
	}

	if (checkPeriod() == oldCheckPeriod) && (holdTimeLimit() == oldTimeLimit) {
		return
	}

	logger.Infof("trackedlock lock hold time limit/lock check period changing from %v/%v to %v/%v",
		oldTimeLimit, oldCheckPeriod, holdTimeLimit(), checkPeriod())

	stopWatcher()
	startWatcher()

	return
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("trackedlock.Down() called")

	stopWatcher()

	atomic.StoreInt64(&globals.lockHoldTimeLimit, 0)
	atomic.StoreInt64(&globals.lockCheckPeriod, 0)

	return
}
