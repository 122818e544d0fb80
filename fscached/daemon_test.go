// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fscached

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/fscache/fscache"
	"github.com/NVIDIA/fscache/ramcache"
)

const testConfTemplate = `
[FSCache]
TagList: %s

[RAMCache:ram0]
Capacity: 1MiB

[RAMCache:ram1]
MaxPages: 16
Compress: true
`

func testWriteConf(t *testing.T, confFile string, tagList string) {
	confBuf := []byte(fmt.Sprintf(testConfTemplate, tagList))

	err := ioutil.WriteFile(confFile, confBuf, 0644)
	if nil != err {
		t.Fatalf("ioutil.WriteFile(%s) failed: %v", confFile, err)
	}
}

func testWaitFor(t *testing.T, what string, condition func() bool) {
	deadline := time.Now().Add(10 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemon(t *testing.T) {
	var (
		confStrings = []string{
			"Logging.LogFilePath=/dev/null",
			"Logging.LogToConsole=false",
		}
		errChan                chan error
		signalHandlerIsArmedWG sync.WaitGroup
	)

	testDir, err := ioutil.TempDir("", "fscached")
	if nil != err {
		t.Fatalf("ioutil.TempDir() failed: %v", err)
	}
	defer os.RemoveAll(testDir)

	confFile := filepath.Join(testDir, "fscached.conf")
	testWriteConf(t, confFile, "ram0")

	errChan = make(chan error, 1)
	signalHandlerIsArmedWG.Add(1)

	go func() {
		errChan <- Daemon(confFile, confStrings, &signalHandlerIsArmedWG, unix.SIGHUP, unix.SIGTERM)
	}()

	signalHandlerIsArmedWG.Wait()

	ram0 := ramcache.LookupBackend("ram0")
	if nil == ram0 {
		t.Fatalf("ram0 not brought up")
	}
	assert.Equal(t, uint64(0), ram0.PagesInUse())
	assert.NotNil(t, fscache.LookupCache("ram0"))
	assert.Nil(t, ramcache.LookupBackend("ram1"))

	// SIGHUP picks up the new TagList
	testWriteConf(t, confFile, "ram1")

	err = unix.Kill(unix.Getpid(), unix.SIGHUP)
	if nil != err {
		t.Fatalf("unix.Kill(SIGHUP) failed: %v", err)
	}

	testWaitFor(t, "ram1 to come up", func() bool { return nil != ramcache.LookupBackend("ram1") })
	testWaitFor(t, "ram0 to go away", func() bool { return nil == fscache.LookupCache("ram0") })
	assert.Nil(t, ramcache.LookupBackend("ram0"))

	ram1 := fscache.LookupCache("ram1")
	if nil == ram1 {
		t.Fatalf("fscache.LookupCache(\"ram1\") returned nil")
	}

	err = unix.Kill(unix.Getpid(), unix.SIGTERM)
	if nil != err {
		t.Fatalf("unix.Kill(SIGTERM) failed: %v", err)
	}

	select {
	case err = <-errChan:
		assert.Nil(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("Daemon() did not return after SIGTERM")
	}

	assert.True(t, ram1.IsWithdrawn())
	assert.Nil(t, fscache.LookupCache("ram1"))
}

func TestDaemonBadConf(t *testing.T) {
	err := Daemon("/does/not/exist.conf", nil, nil, unix.SIGTERM)
	assert.NotNil(t, err)
}
