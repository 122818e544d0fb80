// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramcache

import (
	"github.com/golang/snappy"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/fscache"
)

func (backend *Backend) encodePage(data []byte) (stored []byte, compressed bool) {
	if backend.config.Compress {
		stored = snappy.Encode(nil, data)
		compressed = true
	} else {
		stored = append([]byte(nil), data...)
		compressed = false
	}
	return
}

func (backend *Backend) decodePage(pageItem *pageItemStruct) (data []byte, err error) {
	if pageItem.compressed {
		data, err = snappy.Decode(nil, pageItem.data)
		if nil != err {
			err = blunder.AddError(err, blunder.BackendFailureError)
		}
	} else {
		data = append([]byte(nil), pageItem.data...)
	}
	return
}

// allocPage makes sure pageIndex is allocated in entry, reporting whether it
// already holds data
func (backend *Backend) allocPage(entry *entryStruct, pageIndex uint64) (pageItem *pageItemStruct, err error) {
	backend.Lock()
	item := entry.pages.Get(&pageItemStruct{index: pageIndex})
	if nil != item {
		backend.Unlock()
		pageItem = item.(*pageItemStruct)
		return
	}
	if !backend.reservePageLocked() {
		backend.Unlock()
		backend.stats.PageAllocFailures.Increment()
		err = blunder.NewError(blunder.NoBufsError, "ramcache: cache %s is full", backend.name)
		return
	}
	_ = entry.pages.ReplaceOrInsert(&pageItemStruct{index: pageIndex})
	backend.Unlock()

	backend.stats.PageAllocs.Increment()

	return
}

func (backend *Backend) ReadOrAllocPage(retrieval *fscache.Retrieval, page *fscache.Page) (err error) {
	var (
		entry    = entryOf(retrieval.Object())
		pageItem *pageItemStruct
	)

	if nil == entry {
		err = blunder.NewError(blunder.NoBufsError, "ramcache: object %d has no entry", retrieval.Object().ID())
		return
	}

	pageItem, err = backend.allocPage(entry, page.Index)
	if nil != err {
		backend.stats.PageMisses.Increment()
		return
	}

	if (nil == pageItem) || (nil == pageItem.data) {
		backend.stats.PageMisses.Increment()
		err = blunder.NewError(blunder.NoDataError, "ramcache: page %d allocated", page.Index)
		return
	}

	page.Data, err = backend.decodePage(pageItem)
	if nil != err {
		retrieval.Object().Cache().IOError()
		return
	}

	backend.stats.PageHits.Increment()

	return
}

func (backend *Backend) ReadOrAllocPages(retrieval *fscache.Retrieval, pages []*fscache.Page) (errs []error) {
	errs = make([]error, len(pages))
	for i, page := range pages {
		errs[i] = backend.ReadOrAllocPage(retrieval, page)
	}
	return
}

func (backend *Backend) AllocatePage(retrieval *fscache.Retrieval, page *fscache.Page) (err error) {
	entry := entryOf(retrieval.Object())
	if nil == entry {
		err = blunder.NewError(blunder.NoBufsError, "ramcache: object %d has no entry", retrieval.Object().ID())
		return
	}

	_, err = backend.allocPage(entry, page.Index)

	return
}

func (backend *Backend) AllocatePages(retrieval *fscache.Retrieval, pages []*fscache.Page) (errs []error) {
	errs = make([]error, len(pages))
	for i, page := range pages {
		errs[i] = backend.AllocatePage(retrieval, page)
	}
	return
}

// WritePage stores page, replacing whatever the page held before. Running
// out of room fails the write with blunder.NoSpaceError.
func (backend *Backend) WritePage(storage *fscache.Storage, page *fscache.Page) (err error) {
	var (
		compressed bool
		entry      = entryOf(storage.Object())
		item       interface{}
		stored     []byte
	)

	if nil == entry {
		err = blunder.NewError(blunder.NoBufsError, "ramcache: object %d has no entry", storage.Object().ID())
		return
	}
	if page.Index >= storage.StoreLimit() {
		err = blunder.NewError(blunder.StoreLimitError, "ramcache: page %d beyond store limit %d", page.Index, storage.StoreLimit())
		return
	}

	stored, compressed = backend.encodePage(page.Data)

	backend.Lock()
	item = entry.pages.Get(&pageItemStruct{index: page.Index})
	if nil == item {
		if !backend.reservePageLocked() {
			backend.Unlock()
			backend.stats.PageWriteFailures.Increment()
			err = blunder.NewError(blunder.NoSpaceError, "ramcache: cache %s is full", backend.name)
			return
		}
	} else {
		backend.bytesInUse -= uint64(len(item.(*pageItemStruct).data))
	}
	_ = entry.pages.ReplaceOrInsert(&pageItemStruct{index: page.Index, data: stored, compressed: compressed})
	backend.bytesInUse += uint64(len(stored))
	backend.Unlock()

	backend.stats.PageWrites.Increment()
	backend.stats.PageStoredBytes.Add(uint64(len(stored)))

	err = nil
	return
}

func (backend *Backend) UncachePage(object *fscache.Object, pageIndex uint64) {
	entry := entryOf(object)
	if nil == entry {
		return
	}

	backend.Lock()
	item := entry.pages.Delete(&pageItemStruct{index: pageIndex})
	if nil != item {
		backend.releasePageLocked(item.(*pageItemStruct))
		backend.stats.PagesEvicted.Increment()
	}
	backend.Unlock()
}
