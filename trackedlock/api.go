// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

/*
 * The trackedlock package provides an implementation of the sync.Mutex
 * interface that adds lock hold tracking. Every cache, object and cookie
 * lock in the cache layer is a trackedlock.Mutex.
 *
 * If lock tracking is enabled, the lock hold time is checked when the lock is
 * unlocked. If it was held longer than "TrackedLock.LockHoldTimeLimit" a
 * warning is logged along with the stack traces of the Lock() and Unlock()
 * calls. In addition, a watcher goroutine wakes every
 * "TrackedLock.LockCheckPeriod" and logs the lockers of any lock that is
 * currently held too long.
 *
 * If "TrackedLock.LockHoldTimeLimit" is 0 then locks are not tracked and the
 * overhead of this package is minimal. If "TrackedLock.LockCheckPeriod" is 0
 * then no watcher is started.
 *
 * A trackedlock.Mutex satisfies sync.Locker and so may back a sync.Cond.
 */

import (
	"sync"
)

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack trace
// of the locker.
//
type Mutex struct {
	wrappedMutex sync.Mutex // the actual Mutex
	tracker      MutexTrack // tracking information for the Mutex
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m)
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m)

	m.wrappedMutex.Unlock()
}

// HeldByMe reports whether the calling goroutine is the current holder of m.
//
// Only meaningful while lock tracking is enabled; otherwise it reports
// whether m is held at all.
//
func (m *Mutex) HeldByMe() bool {
	return m.tracker.heldByMe()
}
