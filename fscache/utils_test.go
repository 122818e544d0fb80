// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/conf"
	"github.com/NVIDIA/fscache/transitions"
)

// testBackendStruct keeps pages in memory and lets each test hook the
// callbacks it wants to stall or fail
type testBackendStruct struct {
	sync.Mutex
	name              string
	maxIndexKeySize   int
	lookupHook        func(object *Object) (err error)
	readHook          func(retrieval *Retrieval, page *Page) (err error)
	writeHook         func(storage *Storage, page *Page) (err error)
	attrHook          func(object *Object) (err error)
	updateHook        func(object *Object) (err error)
	dropHook          func(object *Object, retire bool)
	grabHook          func(object *Object) (ok bool) // called with object.lock held
	log               []string
	pages             map[uint64]map[uint64][]byte // object ID -> page index -> data
	allocated         int
	lookupsCompleted  map[uint64]int
	dropped           map[uint64]bool // object ID -> retire
	putObjects        map[uint64]bool
	pinned            int
	updates           int
	storeLimitChanges int
	uncached          []uint64
	syncs             int
	dissociations     int
}

func newTestBackend(name string) (backend *testBackendStruct) {
	backend = &testBackendStruct{
		name:             name,
		log:              make([]string, 0),
		pages:            make(map[uint64]map[uint64][]byte),
		lookupsCompleted: make(map[uint64]int),
		dropped:          make(map[uint64]bool),
		putObjects:       make(map[uint64]bool),
		uncached:         make([]uint64, 0),
	}
	return
}

func (backend *testBackendStruct) appendLog(entry string) {
	backend.Lock()
	backend.log = append(backend.log, entry)
	backend.Unlock()
}

func (backend *testBackendStruct) logCopy() (log []string) {
	backend.Lock()
	log = make([]string, len(backend.log))
	copy(log, backend.log)
	backend.Unlock()
	return
}

func (backend *testBackendStruct) wasDropped(object *Object) (dropped bool, retire bool) {
	backend.Lock()
	retire, dropped = backend.dropped[object.ID()]
	backend.Unlock()
	return
}

func (backend *testBackendStruct) wasPut(object *Object) (put bool) {
	backend.Lock()
	put = backend.putObjects[object.ID()]
	backend.Unlock()
	return
}

func (backend *testBackendStruct) pageData(object *Object, pageIndex uint64) (data []byte, ok bool) {
	backend.Lock()
	objectPages, objectOK := backend.pages[object.ID()]
	if objectOK {
		data, ok = objectPages[pageIndex]
	}
	backend.Unlock()
	return
}

func (backend *testBackendStruct) Name() string {
	return backend.name
}

func (backend *testBackendStruct) MaxIndexKeySize() int {
	return backend.maxIndexKeySize
}

func (backend *testBackendStruct) AllocObject(object *Object) (err error) {
	return nil
}

func (backend *testBackendStruct) LookupObject(object *Object) (err error) {
	if nil != backend.lookupHook {
		err = backend.lookupHook(object)
	}
	return
}

func (backend *testBackendStruct) LookupComplete(object *Object) {
	backend.Lock()
	backend.lookupsCompleted[object.ID()]++
	backend.Unlock()
}

func (backend *testBackendStruct) GrabObject(object *Object) bool {
	if nil != backend.grabHook {
		return backend.grabHook(object)
	}
	return true
}

func (backend *testBackendStruct) PinObject(object *Object) (err error) {
	backend.Lock()
	backend.pinned++
	backend.Unlock()
	return nil
}

func (backend *testBackendStruct) UnpinObject(object *Object) {
	backend.Lock()
	backend.pinned--
	backend.Unlock()
}

func (backend *testBackendStruct) UpdateObject(object *Object) (err error) {
	backend.Lock()
	backend.updates++
	backend.Unlock()
	if nil != backend.updateHook {
		err = backend.updateHook(object)
	}
	return
}

func (backend *testBackendStruct) AttrChanged(object *Object) (err error) {
	backend.appendLog("attr")
	if nil != backend.attrHook {
		err = backend.attrHook(object)
	}
	return
}

func (backend *testBackendStruct) StoreLimitChanged(object *Object) {
	backend.Lock()
	backend.storeLimitChanges++
	backend.Unlock()
}

func (backend *testBackendStruct) DropObject(object *Object, retire bool) {
	if nil != backend.dropHook {
		backend.dropHook(object, retire)
	}
	backend.Lock()
	backend.dropped[object.ID()] = retire
	if retire {
		delete(backend.pages, object.ID())
	}
	backend.Unlock()
}

func (backend *testBackendStruct) PutObject(object *Object) {
	backend.Lock()
	backend.putObjects[object.ID()] = true
	backend.Unlock()
}

func (backend *testBackendStruct) SyncCache(cache *Cache) {
	backend.Lock()
	backend.syncs++
	backend.Unlock()
}

func (backend *testBackendStruct) ReadOrAllocPage(retrieval *Retrieval, page *Page) (err error) {
	backend.appendLog("read")

	if nil != backend.readHook {
		err = backend.readHook(retrieval, page)
		if nil != err {
			return
		}
	}

	data, ok := backend.pageData(retrieval.Object(), page.Index)
	if !ok {
		err = blunder.NewError(blunder.NoDataError, "page %d allocated", page.Index)
		return
	}

	page.Data = append([]byte(nil), data...)

	return
}

func (backend *testBackendStruct) ReadOrAllocPages(retrieval *Retrieval, pages []*Page) (errs []error) {
	errs = make([]error, len(pages))
	for i, page := range pages {
		errs[i] = backend.ReadOrAllocPage(retrieval, page)
	}
	return
}

func (backend *testBackendStruct) AllocatePage(retrieval *Retrieval, page *Page) (err error) {
	backend.Lock()
	backend.allocated++
	backend.Unlock()
	return nil
}

func (backend *testBackendStruct) AllocatePages(retrieval *Retrieval, pages []*Page) (errs []error) {
	errs = make([]error, len(pages))
	for i, page := range pages {
		errs[i] = backend.AllocatePage(retrieval, page)
	}
	return
}

func (backend *testBackendStruct) WritePage(storage *Storage, page *Page) (err error) {
	if nil != backend.writeHook {
		err = backend.writeHook(storage, page)
		if nil != err {
			return
		}
	}

	objectID := storage.Object().ID()

	backend.Lock()
	objectPages, ok := backend.pages[objectID]
	if !ok {
		objectPages = make(map[uint64][]byte)
		backend.pages[objectID] = objectPages
	}
	objectPages[page.Index] = append([]byte(nil), page.Data...)
	backend.log = append(backend.log, "write")
	backend.Unlock()

	return
}

func (backend *testBackendStruct) UncachePage(object *Object, pageIndex uint64) {
	backend.Lock()
	backend.uncached = append(backend.uncached, pageIndex)
	objectPages, ok := backend.pages[object.ID()]
	if ok {
		delete(objectPages, pageIndex)
	}
	backend.Unlock()
}

func (backend *testBackendStruct) DissociatePages(cache *Cache) {
	backend.Lock()
	backend.dissociations++
	backend.Unlock()
}

type testCookieDefStruct struct {
	name       string
	cookieType CookieType
	tagName    string
	key        []byte
	objectSize uint64 // atomic
	aux        []byte
	uncached   int32 // atomic
}

func newTestIndexDef(name string) *testCookieDefStruct {
	return &testCookieDefStruct{name: name, cookieType: CookieTypeIndex, key: []byte(name)}
}

func newTestDataDef(name string, objectSize uint64) *testCookieDefStruct {
	return &testCookieDefStruct{name: name, cookieType: CookieTypeData, key: []byte(name), objectSize: objectSize}
}

func (def *testCookieDefStruct) Name() string {
	return def.name
}

func (def *testCookieDefStruct) Type() CookieType {
	return def.cookieType
}

func (def *testCookieDefStruct) SelectCache(netfsData interface{}) string {
	return def.tagName
}

func (def *testCookieDefStruct) GetKey(netfsData interface{}) []byte {
	return def.key
}

func (def *testCookieDefStruct) GetAttr(netfsData interface{}) uint64 {
	return atomic.LoadUint64(&def.objectSize)
}

func (def *testCookieDefStruct) GetAux(netfsData interface{}) []byte {
	return def.aux
}

func (def *testCookieDefStruct) CheckAux(netfsData interface{}, aux []byte) CheckAuxResult {
	if string(aux) == string(def.aux) {
		return CheckAuxOkay
	}
	return CheckAuxObsolete
}

func (def *testCookieDefStruct) NowUncached(netfsData interface{}) {
	atomic.AddInt32(&def.uncached, 1)
}

func testSetup(t *testing.T, extraConfStrings []string) (confMap conf.ConfMap) {
	var (
		err             error
		testConfStrings []string
	)

	testConfStrings = []string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
		"FSCache.ObjectWorkers=4",
		"FSCache.OperationWorkers=4",
		"FSCache.StateHistoryDepth=32",
	}
	testConfStrings = append(testConfStrings, extraConfStrings...)

	confMap, err = conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = transitions.Up(confMap)
	if nil != err {
		t.Fatalf("transitions.Up() failed: %v", err)
	}

	return
}

func testTeardown(t *testing.T, confMap conf.ConfMap) {
	err := transitions.Down(confMap)
	if nil != err {
		t.Fatalf("transitions.Down() failed: %v", err)
	}
}

// testEnv is a Cache with a netfs registered and one index cookie under its primary index
type testEnv struct {
	confMap conf.ConfMap
	backend *testBackendStruct
	cache   *Cache
	netfs   *Netfs
	index   *Cookie
}

func testSetupEnv(t *testing.T, backend *testBackendStruct) (env *testEnv) {
	var (
		err error
	)

	env = &testEnv{
		confMap: testSetup(t, nil),
		backend: backend,
	}

	env.cache, err = AddCache(backend, "")
	if nil != err {
		t.Fatalf("AddCache() failed: %v", err)
	}

	env.netfs, err = RegisterNetfs("testfs", 1)
	if nil != err {
		t.Fatalf("RegisterNetfs() failed: %v", err)
	}

	env.index, err = AcquireCookie(env.netfs.PrimaryIndex(), newTestIndexDef("volume"), nil)
	if nil != err {
		t.Fatalf("AcquireCookie(index) failed: %v", err)
	}

	return
}

func (env *testEnv) teardown(t *testing.T) {
	RelinquishCookie(env.index, false)
	UnregisterNetfs(env.netfs)
	env.cache.Withdraw()
	testTeardown(t, env.confMap)
}

func (env *testEnv) acquireData(t *testing.T, def *testCookieDefStruct) (cookie *Cookie, object *Object) {
	var (
		err     error
		objects []*Object
	)

	cookie, err = AcquireCookie(env.index, def, nil)
	if nil != err {
		t.Fatalf("AcquireCookie(%s) failed: %v", def.name, err)
	}

	objects = cookie.Objects()
	if 1 != len(objects) {
		t.Fatalf("cookie %s has %d objects, expected 1", def.name, len(objects))
	}
	object = objects[0]

	return
}

func testWaitFor(t *testing.T, what string, condition func() bool) {
	deadline := time.Now().Add(10 * time.Second)

	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testWaitForState(t *testing.T, object *Object, state ObjectState) {
	testWaitFor(t, "object state "+state.String(), func() bool {
		return state == object.State()
	})
}

// testStateRank orders states so that every legal transition moves forward (or sideways)
func testStateRank(state ObjectState) int {
	switch state {
	case ObjectStateInit:
		return 0
	case ObjectStateLookingUp:
		return 1
	case ObjectStateCreating:
		return 2
	case ObjectStateAvailable:
		return 3
	case ObjectStateActive, ObjectStateUpdating:
		return 4
	case ObjectStateDying, ObjectStateLCDying, ObjectStateAbortInit:
		return 5
	case ObjectStateWithdrawing:
		return 6
	case ObjectStateReleasing, ObjectStateRecycling:
		return 7
	default:
		return 8
	}
}

func testCheckHistoryMonotonic(t *testing.T, object *Object) {
	history := object.StateHistory()

	for i := 1; i < len(history); i++ {
		if testStateRank(history[i]) < testStateRank(history[i-1]) {
			t.Fatalf("object %d went backwards from %s to %s (history %v)", object.ID(), history[i-1], history[i], history)
		}
	}
}

type testEndIOStruct struct {
	sync.Mutex
	statuses map[uint64][]error // page index -> each status delivered
	count    int32              // atomic
}

func newTestEndIO() *testEndIOStruct {
	return &testEndIOStruct{statuses: make(map[uint64][]error)}
}

func (endIO *testEndIOStruct) endIO(page *Page, context interface{}, err error) {
	endIO.Lock()
	endIO.statuses[page.Index] = append(endIO.statuses[page.Index], err)
	endIO.Unlock()
	atomic.AddInt32(&endIO.count, 1)
}

func (endIO *testEndIOStruct) calls() int {
	return int(atomic.LoadInt32(&endIO.count))
}

func (endIO *testEndIOStruct) status(pageIndex uint64) (statuses []error) {
	endIO.Lock()
	statuses = append(statuses, endIO.statuses[pageIndex]...)
	endIO.Unlock()
	return
}
