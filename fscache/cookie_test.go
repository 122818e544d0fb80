// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscache

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/fscache/blunder"
)

func TestTagRegistry(t *testing.T) {
	var (
		err     error
		backend = newTestBackend("ram0")
		cache   *Cache
		other   *Cache
		tag     *Tag
		tagCopy *Tag
	)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	assert := assert.New(t)

	tag = LookupCacheTag("ram0")
	tagCopy = LookupCacheTag("ram0")
	assert.True(tag == tagCopy)
	assert.Equal("ram0", tag.Name())
	assert.Equal(1, tagCount())
	assert.Nil(tag.Cache())

	ReleaseCacheTag(tagCopy)
	assert.Equal(1, tagCount())

	cache, err = AddCache(backend, "")
	if nil != err {
		t.Fatalf("AddCache() failed: %v", err)
	}
	assert.True(cache == tag.Cache())
	assert.True(cache == LookupCache("ram0"))
	assert.Equal(1, cache.ObjectCount())
	assert.Equal(ObjectStateActive, cache.Root().State())
	assert.NotEqual("", cache.Identifier())

	other, err = AddCache(newTestBackend("ram1"), "ram0")
	assert.Nil(other)
	assert.True(blunder.Is(err, blunder.TagBoundError))

	// A tag bound to a cache outlives its last explicit reference
	ReleaseCacheTag(tag)
	assert.Equal(1, tagCount())

	cache.Withdraw()
	assert.True(cache.IsWithdrawn())
	assert.Nil(LookupCache("ram0"))
	assert.Equal(0, cache.ObjectCount())
	assert.Equal(0, tagCount())
	assert.Equal(1, backend.syncs)
	assert.Equal(1, backend.dissociations)

	// Withdrawn tags may be bound again
	cache, err = AddCache(backend, "ram0")
	if nil != err {
		t.Fatalf("AddCache() after Withdraw() failed: %v", err)
	}
	cache.Withdraw()
}

func TestCookieAcquireRelinquish(t *testing.T) {
	var (
		backend = newTestBackend("ram0")
		def     = newTestDataDef("file0", 4*PageSize)
		err     error
	)

	env := testSetupEnv(t, backend)
	defer env.teardown(t)

	assert := assert.New(t)

	// Index cookies get no objects until a data cookie below them needs one
	assert.Equal(0, len(env.index.Objects()))
	assert.Equal(1, env.cache.ObjectCount())

	cookie, object := env.acquireData(t, def)
	testWaitForState(t, object, ObjectStateActive)

	assert.Equal(4, env.cache.ObjectCount())
	assert.Equal(1, env.index.Children())
	assert.True(cookie.Parent() == env.index)
	assert.Equal([]byte("file0"), cookie.Key())
	assert.Equal(CookieTypeData, cookie.Type())

	indexObject := object.Parent()
	assert.True(indexObject.Cookie() == env.index)
	testWaitForState(t, indexObject, ObjectStateActive)
	assert.True(indexObject.IsIndex())
	assert.Equal(^uint64(0), indexObject.StoreLimit())
	assert.Equal(uint64(4*PageSize), object.StoreLimit())

	primaryObject := indexObject.Parent()
	assert.True(primaryObject.Cookie() == env.netfs.PrimaryIndex())
	assert.True(primaryObject.Parent() == env.cache.Root())

	_, err = AcquireCookie(env.index, newTestDataDef("file0", PageSize), nil)
	assert.True(blunder.Is(err, blunder.DuplicateCookie))

	_, err = AcquireCookie(cookie, newTestDataDef("child", PageSize), nil)
	assert.True(blunder.Is(err, blunder.InvalidArgError))

	RelinquishCookie(cookie, true)
	testWaitForState(t, object, ObjectStateDead)
	testWaitFor(t, "object put", func() bool { return backend.wasPut(object) })

	assert.Equal([]ObjectState{
		ObjectStateInit,
		ObjectStateLookingUp,
		ObjectStateAvailable,
		ObjectStateActive,
		ObjectStateDying,
		ObjectStateRecycling,
		ObjectStateDead,
	}, object.StateHistory())

	dropped, retire := backend.wasDropped(object)
	assert.True(dropped)
	assert.True(retire)
	assert.Equal(int32(0), atomic.LoadInt32(&def.uncached))
	assert.Equal(0, env.index.Children())
	assert.Equal(3, env.cache.ObjectCount())

	// The key is free again once relinquished
	cookie, object = env.acquireData(t, newTestDataDef("file0", PageSize))
	testWaitForState(t, object, ObjectStateActive)
	RelinquishCookie(cookie, false)
	testWaitForState(t, object, ObjectStateDead)

	dropped, retire = backend.wasDropped(object)
	assert.True(dropped)
	assert.False(retire)
}

func TestCookieNoCache(t *testing.T) {
	var (
		err   error
		index *Cookie
		netfs *Netfs
	)

	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	assert := assert.New(t)

	netfs, err = RegisterNetfs("testfs", 1)
	if nil != err {
		t.Fatalf("RegisterNetfs() failed: %v", err)
	}

	index, err = AcquireCookie(netfs.PrimaryIndex(), newTestIndexDef("volume"), nil)
	if nil != err {
		t.Fatalf("AcquireCookie(index) failed: %v", err)
	}

	cookie, err := AcquireCookie(index, newTestDataDef("file0", PageSize), nil)
	assert.Nil(cookie)
	assert.True(blunder.Is(err, blunder.NoCacheError))
	assert.Equal(0, index.Children())

	err = ReadOrAllocPage(nil, &Page{Index: 0}, nil, nil, DispatchAsync)
	assert.True(blunder.Is(err, blunder.NoCacheError))
	err = WritePage(nil, &Page{Index: 0})
	assert.True(blunder.Is(err, blunder.NoCacheError))
	assert.False(CheckPageWrite(nil, &Page{Index: 0}))

	RelinquishCookie(index, false)
	UnregisterNetfs(netfs)

	assert.Equal(int64(1), CookieCount())
}

func TestCookieKeyTooLong(t *testing.T) {
	backend := newTestBackend("ram0")
	backend.maxIndexKeySize = 8

	env := testSetupEnv(t, backend)
	defer env.teardown(t)

	cookie, err := AcquireCookie(env.index, newTestDataDef("a-key-longer-than-eight", PageSize), nil)
	assert.Nil(t, cookie)
	assert.True(t, blunder.Is(err, blunder.KeyTooLongError))

	cookie, err = AcquireCookie(env.index, newTestDataDef("short", PageSize), nil)
	if nil != err {
		t.Fatalf("AcquireCookie(short) failed: %v", err)
	}
	RelinquishCookie(cookie, false)
}

func TestCookieSelectCache(t *testing.T) {
	var (
		backend0 = newTestBackend("ram0")
		backend1 = newTestBackend("ram1")
		cache1   *Cache
		def      = newTestDataDef("file0", PageSize)
		err      error
	)

	env := testSetupEnv(t, backend0)
	defer env.teardown(t)

	cache1, err = AddCache(backend1, "")
	if nil != err {
		t.Fatalf("AddCache(ram1) failed: %v", err)
	}

	def.tagName = "ram1"

	cookie, object := env.acquireData(t, def)
	testWaitForState(t, object, ObjectStateActive)
	assert.True(t, cache1 == object.Cache())
	assert.Equal(t, 1, env.cache.ObjectCount())
	assert.Equal(t, 4, cache1.ObjectCount())

	// Withdrawing the cache leaves the cookie uncached but still held
	cache1.Withdraw()
	assert.Equal(t, int32(1), atomic.LoadInt32(&def.uncached))
	assert.Equal(t, 0, len(cookie.Objects()))

	err = ReadOrAllocPage(cookie, &Page{Index: 0}, nil, nil, DispatchAsync)
	assert.True(t, blunder.Is(err, blunder.NoCacheError))

	RelinquishCookie(cookie, false)
}

func TestRelinquishIndexWithChildren(t *testing.T) {
	backend := newTestBackend("ram0")

	env := testSetupEnv(t, backend)
	defer testTeardown(t, env.confMap)

	cookie, object := env.acquireData(t, newTestDataDef("file0", PageSize))
	testWaitForState(t, object, ObjectStateActive)

	indexObject := object.Parent()

	RelinquishCookie(env.index, false)
	testWaitForState(t, indexObject, ObjectStateDying)

	// The index object waits for its child before dropping
	assert.Equal(t, ObjectStateActive, object.State())
	assert.Equal(t, ObjectStateDying, indexObject.State())

	RelinquishCookie(cookie, false)
	testWaitForState(t, object, ObjectStateDead)
	testWaitForState(t, indexObject, ObjectStateDead)

	testCheckHistoryMonotonic(t, indexObject)

	UnregisterNetfs(env.netfs)
	env.cache.Withdraw()
	assert.Equal(t, int64(1), CookieCount())
}

func TestNetfs(t *testing.T) {
	confMap := testSetup(t, nil)
	defer testTeardown(t, confMap)

	assert := assert.New(t)

	netfs, err := RegisterNetfs("testfs", 3)
	if nil != err {
		t.Fatalf("RegisterNetfs() failed: %v", err)
	}
	assert.Equal("testfs", netfs.Name())
	assert.Equal(uint32(3), netfs.Version())
	assert.Equal(CookieTypeIndex, netfs.PrimaryIndex().Type())
	assert.Equal([]byte("testfs"), netfs.PrimaryIndex().Key())

	_, err = RegisterNetfs("testfs", 4)
	assert.True(blunder.Is(err, blunder.FileExistsError))

	def := netfs.PrimaryIndex().def
	aux := def.GetAux(netfs)
	assert.Equal(CheckAuxOkay, def.CheckAux(netfs, aux))

	newer := &netfsIndexDefinitionStruct{netfs: &Netfs{name: "testfs", version: 4}}
	assert.Equal(CheckAuxObsolete, newer.CheckAux(nil, aux))
	assert.Equal(CheckAuxObsolete, def.CheckAux(netfs, []byte{1}))

	UnregisterNetfs(netfs)

	netfs, err = RegisterNetfs("testfs", 4)
	if nil != err {
		t.Fatalf("RegisterNetfs() after UnregisterNetfs() failed: %v", err)
	}
	UnregisterNetfs(netfs)
}
