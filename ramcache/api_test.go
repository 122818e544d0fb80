// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramcache

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/bucketstats"
	"github.com/NVIDIA/fscache/conf"
	"github.com/NVIDIA/fscache/fscache"
	"github.com/NVIDIA/fscache/transitions"
)

func TestTagLifecycle(t *testing.T) {
	confMap := testSetup(t, []string{
		"FSCache.TagList=ram0,ram1",
		"RAMCache:ram0.Capacity=64KiB",
		"RAMCache:ram1.Capacity=1MiB",
		"RAMCache:ram1.MaxPages=4",
		"RAMCache:ram1.MaxIndexKeySize=32",
		"RAMCache:ram1.Compress=true",
	})
	defer testTeardown(t, confMap)

	assert := assert.New(t)

	ram0 := LookupBackend("ram0")
	ram1 := LookupBackend("ram1")
	if (nil == ram0) || (nil == ram1) {
		t.Fatalf("LookupBackend() failed to find ram0 (%v) or ram1 (%v)", ram0, ram1)
	}

	assert.Equal(Config{MaxPages: 16}, ram0.config)
	assert.Equal(Config{MaxPages: 4, MaxIndexKeySize: 32, Compress: true}, ram1.config)
	assert.Equal(32, ram1.MaxIndexKeySize())
	assert.Equal(`{"MaxPages":4,"MaxIndexKeySize":32,"Compress":true}`, ram1.ConfigString())
	assert.Equal("ram1", ram1.Name())
	assert.Equal(1, ram1.EntryCount())

	cache0 := fscache.LookupCache("ram0")
	if nil == cache0 {
		t.Fatalf("fscache.LookupCache(\"ram0\") returned nil")
	}
	assert.True(cache0 == ram0.Cache())
	assert.True(fscache.Backend(ram0) == cache0.Backend())

	statsString := bucketstats.SprintStats(bucketstats.StatFormatParsable1, "ramcache", "ram1")
	assert.Contains(statsString, "PageHits")

	// Dropping ram0 from the TagList withdraws it
	err := confMap.UpdateFromString("FSCache.TagList=ram1")
	if nil != err {
		t.Fatalf("confMap.UpdateFromString() failed: %v", err)
	}
	err = transitions.Signaled(confMap)
	if nil != err {
		t.Fatalf("transitions.Signaled() failed: %v", err)
	}

	assert.Nil(LookupBackend("ram0"))
	assert.Nil(fscache.LookupCache("ram0"))
	assert.True(cache0.IsWithdrawn())
	assert.NotNil(LookupBackend("ram1"))

	_, _, err = AddCache("ram1", Config{})
	assert.True(blunder.Is(err, blunder.TagBoundError))

	err = RemoveCache("ram0")
	assert.True(blunder.Is(err, blunder.NotFoundError))

	// Added by hand, removed by Down()
	_, cache2, err := AddCache("ram2", Config{MaxPages: 1})
	assert.Nil(err)
	assert.True(cache2 == fscache.LookupCache("ram2"))
}

func mustConfMap(t *testing.T, confString string) (confMap conf.ConfMap) {
	confMap, err := conf.MakeConfMapFromStrings([]string{confString})
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings(%s) failed: %v", confString, err)
	}
	return
}

func TestBadConfig(t *testing.T) {
	_, err := fetchConfig(mustConfMap(t, "RAMCache:ram0.Capacity=lots"), "ram0")
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))

	_, err = fetchConfig(mustConfMap(t, "RAMCache:ram0.MaxPages=-1"), "ram0")
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))

	config, err := fetchConfig(mustConfMap(t, "RAMCache:ram0.Compress=maybe"), "ram0")
	assert.Nil(t, err)
	assert.Equal(t, Config{}, config)
}

func TestReleaseKeepsPages(t *testing.T) {
	env := testSetupEnv(t, nil)
	defer env.teardown(t)

	assert := assert.New(t)

	def := newTestDataDef("file0", 4*fscache.PageSize, "v1")

	cookie, object := env.acquireData(t, def)

	_, err := env.readPage(cookie, 0)
	assert.True(blunder.Is(err, blunder.NoDataError))
	assert.Equal(uint64(3), env.backend.stats.LookupsNegative.TotalGet()) // netfs index, volume, file0
	assert.Equal(uint64(0), env.backend.stats.LookupsPositive.TotalGet())

	env.writePage(t, cookie, 0, []byte("hello"))
	env.writePage(t, cookie, 1, []byte("world"))

	data, err := env.readPage(cookie, 0)
	assert.Nil(err)
	assert.Equal([]byte("hello"), data)
	assert.Equal(uint64(2), env.backend.PagesInUse())
	assert.Equal(uint64(10), env.backend.BytesInUse())
	assert.Equal(4, env.backend.EntryCount())

	record := env.entryRecord(t, object)
	assert.Equal(uint64(4*fscache.PageSize), record.ObjectSize)
	assert.Equal([]byte("v1"), record.Aux)

	env.relinquish(t, cookie, object, false)
	assert.Nil(object.Private())
	assert.Equal(4, env.backend.EntryCount())
	assert.Equal(uint64(2), env.backend.PagesInUse())

	// Acquired again, the pages are still there
	cookie, object = env.acquireData(t, newTestDataDef("file0", 4*fscache.PageSize, "v1"))
	assert.Equal(fscache.CookieFlags(0), cookie.Flags()&fscache.CookieNoDataYet)
	assert.NotEqual(uint64(0), env.backend.stats.LookupsPositive.TotalGet())

	data, err = env.readPage(cookie, 1)
	assert.Nil(err)
	assert.Equal([]byte("world"), data)

	env.relinquish(t, cookie, object, true)
	assert.Equal(3, env.backend.EntryCount())
	assert.Equal(uint64(0), env.backend.PagesInUse())
	assert.Equal(uint64(0), env.backend.BytesInUse())
}

func TestAuxCheck(t *testing.T) {
	env := testSetupEnv(t, nil)
	defer env.teardown(t)

	assert := assert.New(t)

	cookie, object := env.acquireData(t, newTestDataDef("file0", 2*fscache.PageSize, "v1"))
	env.writePage(t, cookie, 0, []byte("v1 data"))
	env.relinquish(t, cookie, object, false)

	// A consumer that accepts stale aux keeps the data and has the aux rewritten
	def := newTestDataDef("file0", 2*fscache.PageSize, "v2")
	def.acceptStale = true

	cookie, object = env.acquireData(t, def)
	assert.Equal([]byte("v2"), env.entryRecord(t, object).Aux)
	assert.Equal(uint64(1), env.backend.stats.AuxUpdates.TotalGet())

	data, err := env.readPage(cookie, 0)
	assert.Nil(err)
	assert.Equal([]byte("v1 data"), data)

	env.relinquish(t, cookie, object, false)

	// One that does not gets a fresh object
	cookie, object = env.acquireData(t, newTestDataDef("file0", 2*fscache.PageSize, "v3"))
	assert.NotEqual(fscache.CookieFlags(0), cookie.Flags()&fscache.CookieNoDataYet)
	assert.Equal(uint64(1), env.backend.stats.LookupsObsolete.TotalGet())
	assert.Equal([]byte("v3"), env.entryRecord(t, object).Aux)
	assert.Equal(0, env.entryPages(object))

	_, err = env.readPage(cookie, 0)
	assert.True(blunder.Is(err, blunder.NoDataError))

	env.relinquish(t, cookie, object, false)
}

func TestUpdateAndAttrChanged(t *testing.T) {
	env := testSetupEnv(t, nil)
	defer env.teardown(t)

	assert := assert.New(t)

	def := newTestDataDef("file0", 4*fscache.PageSize, "v1")

	cookie, object := env.acquireData(t, def)
	for i := uint64(0); i < 4; i++ {
		env.writePage(t, cookie, i, []byte{byte(i)})
	}
	assert.Equal(4, env.entryPages(object))

	def.aux.Store([]byte("v2"))
	fscache.UpdateCookie(cookie)
	testWaitFor(t, "aux update", func() bool { return 1 == env.backend.stats.AuxUpdates.TotalGet() })
	assert.Equal([]byte("v2"), env.entryRecord(t, object).Aux)

	atomic.StoreUint64(&def.objectSize, fscache.PageSize+1)
	err := fscache.AttrChanged(cookie)
	assert.Nil(err)
	testWaitFor(t, "object to shrink", func() bool {
		return uint64(fscache.PageSize+1) == env.entryRecord(t, object).ObjectSize
	})

	assert.Equal(2, env.entryPages(object))
	assert.Equal(uint64(2), env.backend.PagesInUse())
	assert.Equal(uint64(2), env.backend.stats.PagesEvicted.TotalGet())

	data, err := env.readPage(cookie, 1)
	assert.Nil(err)
	assert.Equal([]byte{1}, data)

	fscache.UncachePage(cookie, &fscache.Page{Index: 1})
	assert.Equal(1, env.entryPages(object))

	_, err = env.readPage(cookie, 1)
	assert.True(blunder.Is(err, blunder.NoDataError))

	env.relinquish(t, cookie, object, false)
}

func TestPin(t *testing.T) {
	env := testSetupEnv(t, nil)
	defer env.teardown(t)

	cookie, object := env.acquireData(t, newTestDataDef("file0", fscache.PageSize, ""))

	err := fscache.PinCookie(cookie)
	assert.Nil(t, err)
	env.backend.Lock()
	assert.Equal(t, 1, entryOf(object).pinCount)
	env.backend.Unlock()

	fscache.UnpinCookie(cookie)
	env.backend.Lock()
	assert.Equal(t, 0, entryOf(object).pinCount)
	env.backend.Unlock()

	env.relinquish(t, cookie, object, false)
}

func TestCapacity(t *testing.T) {
	env := testSetupEnv(t, []string{"RAMCache:ram0.MaxPages=2"})
	defer env.teardown(t)

	assert := assert.New(t)

	cookie0, object0 := env.acquireData(t, newTestDataDef("file0", 4*fscache.PageSize, ""))
	env.writePage(t, cookie0, 0, []byte("zero"))
	env.writePage(t, cookie0, 1, []byte("one"))
	assert.Equal(uint64(2), env.backend.PagesInUse())

	// Full: the write is dropped and reads are not cached
	env.writePage(t, cookie0, 2, []byte("two"))
	assert.Equal(uint64(1), env.backend.stats.PageWriteFailures.TotalGet())
	assert.Equal(2, env.entryPages(object0))

	_, err := env.readPage(cookie0, 3)
	assert.True(blunder.Is(err, blunder.NoBufsError))
	assert.Equal(uint64(1), env.backend.stats.PageAllocFailures.TotalGet())

	// An entry no longer bound to an Object is culled to make room
	env.relinquish(t, cookie0, object0, false)

	cookie1, object1 := env.acquireData(t, newTestDataDef("file1", 4*fscache.PageSize, ""))
	env.writePage(t, cookie1, 0, []byte("file1"))
	assert.Equal(1, env.entryPages(object1))
	assert.Equal(uint64(1), env.backend.stats.EntriesCulled.TotalGet())
	assert.Equal(uint64(1), env.backend.PagesInUse())

	env.relinquish(t, cookie1, object1, false)

	cookie0, object0 = env.acquireData(t, newTestDataDef("file0", 4*fscache.PageSize, ""))
	assert.NotEqual(fscache.CookieFlags(0), cookie0.Flags()&fscache.CookieNoDataYet)
	env.relinquish(t, cookie0, object0, true)
}

func TestCompress(t *testing.T) {
	env := testSetupEnv(t, []string{"RAMCache:ram0.Compress=true"})
	defer env.teardown(t)

	assert := assert.New(t)

	pageData := bytes.Repeat([]byte("fscache "), fscache.PageSize/8)

	cookie, object := env.acquireData(t, newTestDataDef("file0", fscache.PageSize, ""))
	env.writePage(t, cookie, 0, pageData)

	assert.Equal(uint64(1), env.backend.PagesInUse())
	assert.True(env.backend.BytesInUse() < uint64(fscache.PageSize))

	data, err := env.readPage(cookie, 0)
	assert.Nil(err)
	assert.Equal(pageData, data)

	env.relinquish(t, cookie, object, false)
}

func TestRemoveCacheDissociates(t *testing.T) {
	env := testSetupEnv(t, nil)
	defer env.teardown(t)

	assert := assert.New(t)

	def := newTestDataDef("file0", 2*fscache.PageSize, "")

	cookie, object := env.acquireData(t, def)
	env.writePage(t, cookie, 0, []byte("zero"))
	env.writePage(t, cookie, 1, []byte("one"))

	backend := env.backend

	err := RemoveCache("ram0")
	assert.Nil(err)

	assert.Equal(fscache.ObjectStateDead, object.State())
	assert.Equal(int32(1), atomic.LoadInt32(&def.uncached))
	assert.Equal(uint64(0), backend.PagesInUse())
	assert.Equal(uint64(2), backend.stats.PagesDissociated.TotalGet())
	assert.False(backend.GrabObject(object))
	assert.Nil(LookupBackend("ram0"))

	_, err = env.readPage(cookie, 0)
	assert.NotNil(err)

	fscache.RelinquishCookie(cookie, false)
}
