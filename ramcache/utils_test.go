// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramcache

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/NVIDIA/fscache/conf"
	"github.com/NVIDIA/fscache/fscache"
	"github.com/NVIDIA/fscache/transitions"
)

type testCookieDefStruct struct {
	name        string
	cookieType  fscache.CookieType
	key         []byte
	objectSize  uint64 // atomic
	aux         atomic.Value
	acceptStale bool // stale aux gets CheckAuxNeedsUpdate rather than CheckAuxObsolete
	uncached    int32
}

func newTestIndexDef(name string) (def *testCookieDefStruct) {
	def = &testCookieDefStruct{name: name, cookieType: fscache.CookieTypeIndex, key: []byte(name)}
	def.aux.Store([]byte(nil))
	return
}

func newTestDataDef(name string, objectSize uint64, aux string) (def *testCookieDefStruct) {
	def = &testCookieDefStruct{name: name, cookieType: fscache.CookieTypeData, key: []byte(name), objectSize: objectSize}
	def.aux.Store([]byte(aux))
	return
}

func (def *testCookieDefStruct) Name() string {
	return def.name
}

func (def *testCookieDefStruct) Type() fscache.CookieType {
	return def.cookieType
}

func (def *testCookieDefStruct) SelectCache(netfsData interface{}) string {
	return ""
}

func (def *testCookieDefStruct) GetKey(netfsData interface{}) []byte {
	return def.key
}

func (def *testCookieDefStruct) GetAttr(netfsData interface{}) uint64 {
	return atomic.LoadUint64(&def.objectSize)
}

func (def *testCookieDefStruct) GetAux(netfsData interface{}) []byte {
	return def.aux.Load().([]byte)
}

func (def *testCookieDefStruct) CheckAux(netfsData interface{}, aux []byte) fscache.CheckAuxResult {
	switch {
	case string(aux) == string(def.GetAux(netfsData)):
		return fscache.CheckAuxOkay
	case def.acceptStale:
		return fscache.CheckAuxNeedsUpdate
	default:
		return fscache.CheckAuxObsolete
	}
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
		"FSCache.ObjectWorkers=2",
		"FSCache.OperationWorkers=2",
		"FSCache.TagList=ram0",
	}

	confMap, err = conf.MakeConfMapFromStrings(testConfStrings)
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = confMap.UpdateFromStrings(extraConfStrings)
	if nil != err {
		t.Fatalf("confMap.UpdateFromStrings() failed: %v", err)
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

func testWaitFor(t *testing.T, what string, condition func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func testWaitForState(t *testing.T, object *fscache.Object, state fscache.ObjectState) {
	testWaitFor(t, "object to reach "+state.String(), func() bool { return state == object.State() })
}

// testEnvStruct is a netfs with one index cookie in which tests acquire data cookies
type testEnvStruct struct {
	confMap conf.ConfMap
	backend *Backend
	netfs   *fscache.Netfs
	index   *fscache.Cookie
}

func testSetupEnv(t *testing.T, extraConfStrings []string) (env *testEnvStruct) {
	var (
		err error
	)

	env = &testEnvStruct{}

	env.confMap = testSetup(t, extraConfStrings)

	env.backend = LookupBackend("ram0")
	if nil == env.backend {
		t.Fatalf("LookupBackend(\"ram0\") returned nil")
	}

	env.netfs, err = fscache.RegisterNetfs("testfs", 1)
	if nil != err {
		t.Fatalf("fscache.RegisterNetfs() failed: %v", err)
	}

	env.index, err = fscache.AcquireCookie(env.netfs.PrimaryIndex(), newTestIndexDef("volume"), nil)
	if nil != err {
		t.Fatalf("fscache.AcquireCookie(volume) failed: %v", err)
	}

	return
}

func (env *testEnvStruct) teardown(t *testing.T) {
	fscache.RelinquishCookie(env.index, false)
	fscache.UnregisterNetfs(env.netfs)
	testTeardown(t, env.confMap)
}

// acquireData acquires a data cookie and waits for its Object to become active
func (env *testEnvStruct) acquireData(t *testing.T, def *testCookieDefStruct) (cookie *fscache.Cookie, object *fscache.Object) {
	var (
		err     error
		objects []*fscache.Object
	)

	cookie, err = fscache.AcquireCookie(env.index, def, nil)
	if nil != err {
		t.Fatalf("fscache.AcquireCookie(%s) failed: %v", def.name, err)
	}

	objects = cookie.Objects()
	if 1 != len(objects) {
		t.Fatalf("cookie %s has %d objects", def.name, len(objects))
	}
	object = objects[0]

	testWaitForState(t, object, fscache.ObjectStateActive)

	return
}

// relinquish gives up cookie and waits for its Object to be dropped
func (env *testEnvStruct) relinquish(t *testing.T, cookie *fscache.Cookie, object *fscache.Object, retire bool) {
	fscache.RelinquishCookie(cookie, retire)
	testWaitForState(t, object, fscache.ObjectStateDead)
}

func (env *testEnvStruct) writePage(t *testing.T, cookie *fscache.Cookie, index uint64, data []byte) {
	page := &fscache.Page{Index: index, Data: data}

	err := fscache.WritePage(cookie, page)
	if nil != err {
		t.Fatalf("fscache.WritePage(%s, %d) failed: %v", cookie.Name(), index, err)
	}

	fscache.WaitOnPageWrite(cookie, page)
}

func (env *testEnvStruct) readPage(cookie *fscache.Cookie, index uint64) (data []byte, err error) {
	page := &fscache.Page{Index: index}

	err = fscache.ReadOrAllocPage(cookie, page, nil, nil, fscache.DispatchCallerThread)
	data = page.Data

	return
}

// entryRecord decodes the record of the entry object is bound to
func (env *testEnvStruct) entryRecord(t *testing.T, object *fscache.Object) (entryRecord *entryRecordStruct) {
	entry := entryOf(object)
	if nil == entry {
		t.Fatalf("object %d has no entry", object.ID())
	}

	env.backend.Lock()
	record := entry.record
	env.backend.Unlock()

	entryRecord, err := unpackEntryRecord(record)
	if nil != err {
		t.Fatalf("unpackEntryRecord() failed: %v", err)
	}

	return
}

func (env *testEnvStruct) entryPages(object *fscache.Object) (nPages int) {
	entry := entryOf(object)
	if nil == entry {
		return 0
	}

	env.backend.Lock()
	nPages = entry.pages.Len()
	env.backend.Unlock()

	return
}
