// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"sync/atomic"

	"github.com/NVIDIA/fscache/bucketstats"
	"github.com/NVIDIA/fscache/conf"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/transitions"
)

func init() {
	transitions.Register("fscache", &globals)
}

func fetchUint32WithDefault(confMap conf.ConfMap, optionName string, defaultValue uint32) (value uint32) {
	var (
		err error
	)

	value, err = confMap.FetchOptionValueUint32("FSCache", optionName)
	if (nil != err) || (0 == value) {
		value = defaultValue
	}

	return
}

func parseConfMap(confMap conf.ConfMap) {
	var (
		err                error
		workQueueWarnDepth uint64
	)

	globals.config.objectWorkers = fetchUint32WithDefault(confMap, "ObjectWorkers", objectWorkersDefault)
	globals.config.operationWorkers = fetchUint32WithDefault(confMap, "OperationWorkers", operationWorkersDefault)

	atomic.StoreUint32(&globals.config.stateHistoryDepth,
		fetchUint32WithDefault(confMap, "StateHistoryDepth", stateHistoryDepthDefault))

	workQueueWarnDepth, err = confMap.FetchOptionValueUint64("FSCache", "WorkQueueWarnDepth")
	if (nil != err) || (0 == workQueueWarnDepth) {
		workQueueWarnDepth = workQueueWarnDepthDefault
	}
	atomic.StoreUint64(&globals.config.workQueueWarnDepth, workQueueWarnDepth)
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	parseConfMap(confMap)

	globals.tagMap = make(map[string]*Tag)
	globals.cacheList = make([]*Cache, 0)
	globals.netfsMap = make(map[string]*Netfs)
	globals.cookieHash = make(map[uint64][]*Cookie)
	atomic.StoreInt64(&globals.cookieCount, 0)

	globals.fsdefCookie = newCookie(nil, &fsdefDefinitionStruct{}, nil)

	globals.stats = &statsStruct{
		ObjectWorkQueueDepth:    bucketstats.BucketLog2Round{NBucket: 24},
		OperationWorkQueueDepth: bucketstats.BucketLog2Round{NBucket: 24},
	}
	bucketstats.Register("fscache", "", globals.stats)

	logger.Infof("fscache.Up(): ObjectWorkers %d OperationWorkers %d WorkQueueWarnDepth %d StateHistoryDepth %d",
		globals.config.objectWorkers, globals.config.operationWorkers,
		atomic.LoadUint64(&globals.config.workQueueWarnDepth), atomic.LoadUint32(&globals.config.stateHistoryDepth))

	err = nil
	return
}

// Caches are added and withdrawn by the backends' own TagReserved/TagUnreserved callbacks

func (dummy *globalsStruct) TagReserved(confMap conf.ConfMap, tagName string) (err error) {
	return nil
}

func (dummy *globalsStruct) TagUnreserved(confMap conf.ConfMap, tagName string) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish picks up changes to the tunables that may change on the fly.
// Worker counts only apply to caches added afterwards.
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	parseConfMap(confMap)
	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	var (
		cache     *Cache
		cacheList []*Cache
		netfs     *Netfs
		netfsList []*Netfs
	)

	globals.Lock()
	cacheList = make([]*Cache, len(globals.cacheList))
	copy(cacheList, globals.cacheList)
	netfsList = make([]*Netfs, 0, len(globals.netfsMap))
	for _, netfs = range globals.netfsMap {
		netfsList = append(netfsList, netfs)
	}
	globals.Unlock()

	for _, cache = range cacheList {
		logger.Warnf("fscache.Down(): withdrawing cache %s (tag %s) left behind by its backend",
			cache.identifier, cache.tag.name)
		cache.Withdraw()
	}

	for _, netfs = range netfsList {
		logger.Warnf("fscache.Down(): netfs %s still registered", netfs.name)
		unregisterNetfs(netfs)
	}

	if 1 < atomic.LoadInt64(&globals.cookieCount) {
		logger.Warnf("fscache.Down(): %d cookies not relinquished", atomic.LoadInt64(&globals.cookieCount)-1)
	}

	bucketstats.UnRegister("fscache", "")

	logger.Infof("fscache.Down() called")

	err = nil
	return
}
