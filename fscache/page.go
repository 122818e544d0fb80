// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/logger"
)

// Retrieval is an Operation reading pages from, or allocating them in, a Cache
type Retrieval struct {
	Operation
	cookie    *Cookie
	pages     []*Page
	endIO     EndIOFunc
	context   interface{}
	allocOnly bool
}

// Storage is an Operation writing one page to a Cache
type Storage struct {
	Operation
	cookie     *Cookie
	pageIndex  uint64
	storeLimit uint64 // in pages, as of submission
}

type pageStoreState int

const (
	pageStorePending pageStoreState = iota
	pageStoreStoring
)

// pageStoreStruct tracks a page between WritePage() and the backend finishing with it
type pageStoreStruct struct {
	state pageStoreState
	page  *Page // latest version handed to WritePage()
	again bool  // rewritten while being stored
}

func (retrieval *Retrieval) Cookie() *Cookie {
	return retrieval.cookie
}

func (retrieval *Retrieval) Pages() []*Page {
	return retrieval.pages
}

// Context returns the context passed by the consumer along with the pages
func (retrieval *Retrieval) Context() interface{} {
	return retrieval.context
}

func (retrieval *Retrieval) AllocOnly() bool {
	return retrieval.allocOnly
}

func (storage *Storage) Cookie() *Cookie {
	return storage.cookie
}

func (storage *Storage) PageIndex() uint64 {
	return storage.pageIndex
}

// StoreLimit returns the page index at and beyond which storage may not write
func (storage *Storage) StoreLimit() uint64 {
	return storage.storeLimit
}

func submitRetrieval(cookie *Cookie, pages []*Page, endIO EndIOFunc, context interface{}, mode DispatchMode, allocOnly bool) (err error) {
	var (
		flags     = OpRetrieval
		object    *Object
		retrieval *Retrieval
	)

	if 0 == len(pages) {
		err = blunder.NewError(blunder.InvalidArgError, "no pages to retrieve")
		return
	}

	object, err = cookie.backingObject()
	if nil != err {
		return
	}

	if DispatchCallerThread == mode {
		flags |= OpCallerThread
	} else {
		flags |= OpAsync
	}

	retrieval = &Retrieval{
		cookie:    cookie,
		pages:     pages,
		endIO:     endIO,
		context:   context,
		allocOnly: allocOnly,
	}
	retrieval.init(flags, retrieval.process)
	retrieval.canceller = retrieval.cancel

	err = object.submitOp(&retrieval.Operation)
	object.put()
	if nil != err {
		retrieval.put()
		return
	}

	if DispatchCallerThread == mode {
		err = retrieval.waitForActivation()
		if nil == err {
			err = retrieval.process(&retrieval.Operation)
			retrieval.complete()
		}
	}

	retrieval.put()

	return
}

// process hands the pages to the backend and reports each one to the
// consumer, returning the first failure
func (retrieval *Retrieval) process(op *Operation) (err error) {
	var (
		backend   = op.object.cache.backend
		errs      []error
		noDataYet = retrieval.cookie.testFlags(CookieNoDataYet)
		nPages    = len(retrieval.pages)
		pageErr   error
	)

	if retrieval.allocOnly || noDataYet {
		if 1 == nPages {
			errs = []error{backend.AllocatePage(retrieval, retrieval.pages[0])}
		} else {
			errs = backend.AllocatePages(retrieval, retrieval.pages)
		}
	} else {
		if 1 == nPages {
			errs = []error{backend.ReadOrAllocPage(retrieval, retrieval.pages[0])}
		} else {
			errs = backend.ReadOrAllocPages(retrieval, retrieval.pages)
		}
	}

	for i, page := range retrieval.pages {
		if i < len(errs) {
			pageErr = errs[i]
		} else {
			pageErr = blunder.NewError(blunder.NoBufsError, "backend returned no status for page %d", page.Index)
		}

		if (nil == pageErr) && noDataYet && !retrieval.allocOnly {
			pageErr = blunder.NewError(blunder.NoDataError, "page %d allocated, no data yet", page.Index)
		}

		switch {
		case nil == pageErr:
			globals.stats.PagesRetrieved.Increment()
		case blunder.Is(pageErr, blunder.NoDataError):
			globals.stats.PagesNoData.Increment()
		default:
			globals.stats.PagesNotCached.Increment()
			op.object.cache.noteBackendError(pageErr)
		}

		if nil != retrieval.endIO {
			retrieval.endIO(page, retrieval.context, pageErr)
		}

		if (nil == err) && (nil != pageErr) {
			err = pageErr
		}
	}

	globals.stats.RetrievalUsecs.Add(retrieval.stopwatch.ElapsedUs())

	return
}

func (retrieval *Retrieval) cancel(op *Operation, status error) {
	if nil == retrieval.endIO {
		return
	}

	for _, page := range retrieval.pages {
		retrieval.endIO(page, retrieval.context, status)
	}
}

func writePage(cookie *Cookie, page *Page) (err error) {
	var (
		entry      *pageStoreStruct
		object     *Object
		ok         bool
		storeLimit uint64
		value      interface{}
	)

	object, err = cookie.backingObject()
	if nil != err {
		return
	}
	defer object.put()

	object.lock.Lock()
	storeLimit = object.storeLimitPagesLocked()
	object.lock.Unlock()

	if page.Index >= storeLimit {
		err = blunder.NewError(blunder.StoreLimitError, "page %d of cookie %s is beyond the store limit", page.Index, cookie.name())
		return
	}

	cookie.storesLock.Lock()

	value, ok, err = cookie.stores.GetByKey(page.Index)
	if nil != err {
		logger.PanicfWithError(err, "fscache: cookie %s stores.GetByKey() failed", cookie.name())
	}
	if ok {
		entry = value.(*pageStoreStruct)
		entry.page = page
		if pageStoreStoring == entry.state {
			entry.again = true
		}
		cookie.storesLock.Unlock()
		return
	}

	entry = &pageStoreStruct{state: pageStorePending, page: page}
	_, err = cookie.stores.Put(page.Index, entry)
	if nil != err {
		logger.PanicfWithError(err, "fscache: cookie %s stores.Put() failed", cookie.name())
	}

	if cookie.testFlags(CookieNoDataYet) {
		cookie.setFlags(CookieFillPending)
	}

	cookie.storesLock.Unlock()

	err = submitStorage(object, cookie, page.Index, storeLimit)
	if nil != err {
		cookie.forgetStore(page.Index)
	}

	return
}

func submitStorage(object *Object, cookie *Cookie, pageIndex uint64, storeLimit uint64) (err error) {
	storage := &Storage{
		cookie:     cookie,
		pageIndex:  pageIndex,
		storeLimit: storeLimit,
	}
	storage.init(OpAsync|OpStorage, storage.process)
	storage.canceller = storage.cancel

	err = object.submitOp(&storage.Operation)
	storage.put()

	return
}

func (storage *Storage) process(op *Operation) (err error) {
	var (
		cookie  = storage.cookie
		entry   *pageStoreStruct
		object  = op.object
		ok      bool
		page    *Page
		rewrite bool
		value   interface{}
	)

	cookie.storesLock.Lock()
	value, ok, err = cookie.stores.GetByKey(storage.pageIndex)
	if nil != err {
		logger.PanicfWithError(err, "fscache: cookie %s stores.GetByKey() failed", cookie.name())
	}
	if !ok {
		// Uncached while queued
		cookie.storesLock.Unlock()
		return
	}
	entry = value.(*pageStoreStruct)
	entry.state = pageStoreStoring
	page = entry.page
	if cookie.testFlags(CookieFillPending) {
		cookie.clearFlags(CookieFillPending)
		cookie.setFlags(CookieFilling)
	}
	cookie.storesLock.Unlock()

	if page.Index >= storage.storeLimit {
		err = blunder.NewError(blunder.StoreLimitError, "page %d of cookie %s is beyond the store limit", page.Index, cookie.name())
	} else {
		err = object.cache.backend.WritePage(storage, page)
	}

	if nil == err {
		globals.stats.PagesStored.Increment()
		cookie.clearFlags(CookieNoDataYet | CookieFilling)
	} else {
		logger.WarnfWithError(err, "fscache: storing page %d of cookie %s failed", page.Index, cookie.name())
		object.cache.noteBackendError(err)
	}

	cookie.storesLock.Lock()
	if entry.again && (nil == err) {
		entry.again = false
		entry.state = pageStorePending
		rewrite = true
	} else {
		_, err = cookie.stores.DeleteByKey(storage.pageIndex)
		if nil != err {
			logger.PanicfWithError(err, "fscache: cookie %s stores.DeleteByKey() failed", cookie.name())
		}
	}
	cookie.storesCond.Broadcast()
	cookie.storesLock.Unlock()

	if rewrite {
		object.lock.Lock()
		storeLimit := object.storeLimitPagesLocked()
		object.lock.Unlock()

		if nil != submitStorage(object, cookie, storage.pageIndex, storeLimit) {
			cookie.forgetStore(storage.pageIndex)
		}
	}

	globals.stats.StorageUsecs.Add(storage.stopwatch.ElapsedUs())

	return
}

func (storage *Storage) cancel(op *Operation, status error) {
	storage.cookie.forgetStore(storage.pageIndex)
}

// forgetStore stops tracking a page and wakes anyone waiting on it
func (cookie *Cookie) forgetStore(pageIndex uint64) {
	cookie.storesLock.Lock()
	_, err := cookie.stores.DeleteByKey(pageIndex)
	if nil != err {
		logger.PanicfWithError(err, "fscache: cookie %s stores.DeleteByKey() failed", cookie.name())
	}
	cookie.storesCond.Broadcast()
	cookie.storesLock.Unlock()
}

func uncachePage(cookie *Cookie, page *Page) {
	var (
		object *Object
		err    error
	)

	object, err = cookie.backingObject()
	if nil != err {
		return
	}

	cookie.storesLock.Lock()
	value, ok, err := cookie.stores.GetByKey(page.Index)
	if nil != err {
		logger.PanicfWithError(err, "fscache: cookie %s stores.GetByKey() failed", cookie.name())
	}
	if ok && (pageStorePending == value.(*pageStoreStruct).state) {
		_, _ = cookie.stores.DeleteByKey(page.Index)
		cookie.storesCond.Broadcast()
	}
	cookie.storesLock.Unlock()

	object.cache.backend.UncachePage(object, page.Index)
	globals.stats.PagesUncached.Increment()

	object.put()
}

func checkPageWrite(cookie *Cookie, page *Page) (pending bool) {
	var (
		err error
	)

	if nil == cookie {
		return false
	}

	cookie.storesLock.Lock()
	_, pending, err = cookie.stores.GetByKey(page.Index)
	cookie.storesLock.Unlock()
	if nil != err {
		logger.PanicfWithError(err, "fscache: cookie %s stores.GetByKey() failed", cookie.name())
	}

	return
}

func waitOnPageWrite(cookie *Cookie, page *Page) {
	if nil == cookie {
		return
	}

	cookie.storesLock.Lock()
	for {
		_, pending, err := cookie.stores.GetByKey(page.Index)
		if nil != err {
			logger.PanicfWithError(err, "fscache: cookie %s stores.GetByKey() failed", cookie.name())
		}
		if !pending {
			break
		}
		cookie.storesCond.Wait()
	}
	cookie.storesLock.Unlock()
}

func uncacheAllPages(cookie *Cookie) {
	var (
		err   error
		index int
		key   interface{}
		n     int
		ok    bool
		value interface{}
	)

	if nil == cookie {
		return
	}

	cookie.storesLock.Lock()

	n, err = cookie.stores.Len()
	if nil != err {
		logger.PanicfWithError(err, "fscache: cookie %s stores.Len() failed", cookie.name())
	}

	for index = n - 1; index >= 0; index-- {
		key, value, ok, err = cookie.stores.GetByIndex(index)
		if (nil != err) || !ok {
			logger.PanicfWithError(err, "fscache: cookie %s stores.GetByIndex(%d) failed", cookie.name(), index)
		}
		if pageStorePending == value.(*pageStoreStruct).state {
			_, _ = cookie.stores.DeleteByKey(key)
		}
	}

	for {
		n, _ = cookie.stores.Len()
		if 0 == n {
			break
		}
		cookie.storesCond.Wait()
	}

	cookie.storesCond.Broadcast()
	cookie.storesLock.Unlock()
}
