// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ramcache is an fscache backend that keeps everything in memory.
//
// Each Object is backed by an entry in a tree keyed by its parent's entry and
// its Cookie's key. An entry holds a packed record (object size and the
// consumer's auxiliary data) and the Object's pages. Entries outlive the
// Objects bound to them unless those Objects are retired, so a Cookie
// acquired again later finds its pages still cached provided the consumer
// accepts the auxiliary data recorded with them.
//
// Caches are normally created from the conf map: for each tag listed in
// [FSCache]TagList the [RAMCache:<tag>] section is consulted as follows:
//
//   [RAMCache:<tag>]
//   Capacity:        64MiB # optional; no limit if absent
//   MaxPages:        16384 # optional; overrides Capacity
//   MaxIndexKeySize: 255   # optional; no limit if absent or 0
//   Compress:        false # optional; snappy compress stored pages
//
package ramcache

import (
	"github.com/NVIDIA/fscache/fscache"
	"github.com/NVIDIA/fscache/utils"
)

// Config describes the limits of a RAM cache
type Config struct {
	MaxPages        uint64 // 0 means no limit
	MaxIndexKeySize int    // 0 means no limit
	Compress        bool
}

// New returns a Backend ready to be handed to fscache.AddCache()
func New(name string, config Config) (backend *Backend) {
	return newBackend(name, config)
}

// AddCache creates a Backend and registers it with fscache under tagName.
// The resulting Cache is withdrawn by RemoveCache() or transitions.Down().
func AddCache(tagName string, config Config) (backend *Backend, cache *fscache.Cache, err error) {
	return addCache(tagName, config)
}

// RemoveCache withdraws the Cache added under tagName by AddCache()
func RemoveCache(tagName string) (err error) {
	return removeCache(tagName)
}

// TotalPagesInUse sums PagesInUse() over every Backend added by AddCache()
func TotalPagesInUse() (pagesInUse uint64) {
	return totalPagesInUse()
}

// LookupBackend returns the Backend added under tagName or nil
func LookupBackend(tagName string) (backend *Backend) {
	return lookupBackend(tagName)
}

// Name returns the name the Backend was created with
func (backend *Backend) Name() string {
	return backend.name
}

// ConfigString renders the Backend's Config as JSON
func (backend *Backend) ConfigString() string {
	return utils.JSONify(backend.config, false)
}

// MaxIndexKeySize reports the longest index key the Backend accepts
func (backend *Backend) MaxIndexKeySize() int {
	return backend.config.MaxIndexKeySize
}

// Cache returns the fscache.Cache the Backend was added as (nil until then)
func (backend *Backend) Cache() (cache *fscache.Cache) {
	backend.Lock()
	cache = backend.cache
	backend.Unlock()
	return
}

// PagesInUse returns the number of pages allocated or holding data
func (backend *Backend) PagesInUse() (pagesInUse uint64) {
	backend.Lock()
	pagesInUse = backend.pagesInUse
	backend.Unlock()
	return
}

// BytesInUse returns the number of bytes of page data held (after compression)
func (backend *Backend) BytesInUse() (bytesInUse uint64) {
	backend.Lock()
	bytesInUse = backend.bytesInUse
	backend.Unlock()
	return
}

// EntryCount returns the number of entries, the root entry included
func (backend *Backend) EntryCount() (entryCount int) {
	backend.Lock()
	entryCount = backend.entryTree.Len()
	backend.Unlock()
	return
}
