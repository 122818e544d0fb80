// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"github.com/NVIDIA/fscache/logger"
)

// Tag is a named slot a Cache is bound to. Consumers name tags in
// CookieDefinition.SelectCache() to steer cookies to a particular Cache.
type Tag struct {
	name     string
	refCount uint64 // protected by globals.Mutex; a bound Cache holds one
	cache    *Cache // protected by globals.Mutex
}

func lookupCacheTag(tagName string) (tag *Tag) {
	globals.Lock()
	tag = lookupCacheTagLocked(tagName)
	globals.Unlock()
	return
}

func lookupCacheTagLocked(tagName string) (tag *Tag) {
	var (
		ok bool
	)

	tag, ok = globals.tagMap[tagName]
	if !ok {
		tag = &Tag{name: tagName}
		globals.tagMap[tagName] = tag
		logger.Tracef("fscache: tag %s created", tagName)
	}

	tag.refCount++

	return
}

func releaseCacheTag(tag *Tag) {
	globals.Lock()
	releaseCacheTagLocked(tag)
	globals.Unlock()
}

func releaseCacheTagLocked(tag *Tag) {
	if nil == tag {
		return
	}

	if 0 == tag.refCount {
		logger.Errorf("fscache: tag %s released more often than it was looked up", tag.name)
		return
	}

	tag.refCount--

	if (0 == tag.refCount) && (nil == tag.cache) {
		delete(globals.tagMap, tag.name)
		logger.Tracef("fscache: tag %s destroyed", tag.name)
	}
}

func lookupCache(tagName string) (cache *Cache) {
	globals.Lock()
	tag, ok := globals.tagMap[tagName]
	if ok {
		cache = tag.cache
	}
	globals.Unlock()

	return
}

func (tag *Tag) Name() string {
	return tag.name
}

// Cache returns the live Cache bound to tag or nil
func (tag *Tag) Cache() (cache *Cache) {
	globals.Lock()
	cache = tag.cache
	globals.Unlock()

	if (nil != cache) && cache.IsWithdrawn() {
		cache = nil
	}

	return
}

func tagCount() (count int) {
	globals.Lock()
	count = len(globals.tagMap)
	globals.Unlock()
	return
}
