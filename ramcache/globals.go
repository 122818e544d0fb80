// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramcache

import (
	"sync"

	"github.com/google/btree"

	"github.com/NVIDIA/fscache/bucketstats"
	"github.com/NVIDIA/fscache/fscache"
	"github.com/NVIDIA/fscache/trackedlock"
)

const (
	btreeDegree = 8

	rootEntryID = uint64(1)
)

// statsStruct is registered with bucketstats as ramcache.<tag>
type statsStruct struct {
	LookupsPositive   bucketstats.Total
	LookupsNegative   bucketstats.Total
	LookupsObsolete   bucketstats.Total
	LookupsRequeued   bucketstats.Total
	AuxUpdates        bucketstats.Total
	EntriesCreated    bucketstats.Total
	EntriesDeleted    bucketstats.Total
	EntriesCulled     bucketstats.Total
	ObjectsReleased   bucketstats.Total
	ObjectsRetired    bucketstats.Total
	ObjectsPut        bucketstats.Total
	PageHits          bucketstats.Total
	PageMisses        bucketstats.Total
	PageAllocs        bucketstats.Total
	PageAllocFailures bucketstats.Total
	PageWrites        bucketstats.Total
	PageWriteFailures bucketstats.Total
	PagesEvicted      bucketstats.Total
	PagesDissociated  bucketstats.Total
	Syncs             bucketstats.Total
	PageStoredBytes   bucketstats.BucketLog2Round
}

// Backend implements fscache.Backend entirely in memory
type Backend struct {
	trackedlock.Mutex
	name        string
	config      Config
	cache       *fscache.Cache
	nextEntryID uint64
	rootEntry   *entryStruct
	entryTree   *btree.BTree // *entryStruct ordered by (parentID, isIndex, key)
	entryMap    map[uint64]*entryStruct
	pagesInUse  uint64
	bytesInUse  uint64
	dissociated uint32 // atomic
	stats       *statsStruct
}

type globalsStruct struct {
	sync.Mutex
	backendMap map[string]*Backend // key == tagName
}

var globals globalsStruct
