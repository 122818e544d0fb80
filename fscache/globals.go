// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"github.com/NVIDIA/fscache/bucketstats"
	"github.com/NVIDIA/fscache/trackedlock"
)

const (
	objectWorkersDefault      = uint32(4)
	operationWorkersDefault   = uint32(4)
	workQueueWarnDepthDefault = uint64(1024)
	stateHistoryDepthDefault  = uint32(32)
)

type configStruct struct {
	objectWorkers      uint32 // per Cache goroutines running Object state machines
	operationWorkers   uint32 // per Cache goroutines running asynchronous Operations
	workQueueWarnDepth uint64 // atomic; a work pool queue this deep gets logged
	stateHistoryDepth  uint32 // atomic; number of states remembered per Object
}

type statsStruct struct {
	CookiesAcquired     bucketstats.Total
	CookiesRelinquished bucketstats.Total
	CookiesFreed        bucketstats.Total
	CookiesDuplicate    bucketstats.Total
	CookiesNoCache      bucketstats.Total
	CookiesUnavailable  bucketstats.Total

	ObjectsAllocated      bucketstats.Total
	ObjectAllocFailures   bucketstats.Total
	ObjectLookups         bucketstats.Total
	ObjectLookupsNegative bucketstats.Total
	ObjectLookupsPositive bucketstats.Total
	ObjectLookupRequeues  bucketstats.Total
	ObjectLookupFailures  bucketstats.Total
	ObjectUpdates         bucketstats.Total
	ObjectsDropped        bucketstats.Total
	ObjectsRetired        bucketstats.Total
	ObjectsDead           bucketstats.Total
	ObjectsPut            bucketstats.Total
	ObjectStateEntries    bucketstats.Total

	ObjectWorkQueueDepth    bucketstats.BucketLog2Round
	OperationWorkQueueDepth bucketstats.BucketLog2Round

	OpsSubmitted bucketstats.Total
	OpsQueued    bucketstats.Total
	OpsExclusive bucketstats.Total
	OpsRejected  bucketstats.Total
	OpsCancelled bucketstats.Total
	OpsReclaimed bucketstats.Total
	OpsReleased  bucketstats.Total

	PagesRetrieved bucketstats.Total
	PagesNoData    bucketstats.Total
	PagesNotCached bucketstats.Total
	PagesStored    bucketstats.Total
	PagesUncached  bucketstats.Total
	RetrievalUsecs bucketstats.BucketLog2Round
	StorageUsecs   bucketstats.BucketLog2Round

	CachesAdded     bucketstats.Total
	CachesWithdrawn bucketstats.Total
	CacheIOErrors   bucketstats.Total
}

// globals.Mutex protects tagMap, cacheList and netfsMap
type globalsStruct struct {
	trackedlock.Mutex
	config            configStruct
	tagMap            map[string]*Tag
	cacheList         []*Cache // in the order the caches were added
	netfsMap          map[string]*Netfs
	fsdefCookie       *Cookie // root of the cookie tree; backed by each Cache's root Object
	cookieHashLock    trackedlock.Mutex
	cookieHash        map[uint64][]*Cookie // live cookies by hash of (parent, type, key)
	lastObjectID      uint64               // atomic
	lastCookieID      uint64               // atomic
	lastOpDebugID     uint64               // atomic
	cookieCount       int64                // atomic
	stats             *statsStruct
}

var globals globalsStruct
