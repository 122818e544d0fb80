// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/fscache/conf"
)

type testCallbacksInterfaceStruct struct {
	name string
}

var (
	testCallbackLog []string

	testCallbacksInterface1 = &testCallbacksInterfaceStruct{name: "testPkg1"}
	testCallbacksInterface2 = &testCallbacksInterfaceStruct{name: "testPkg2"}
)

func init() {
	Register(testCallbacksInterface1.name, testCallbacksInterface1)
	Register(testCallbacksInterface2.name, testCallbacksInterface2)
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) record(format string, args ...interface{}) {
	testCallbackLog = append(testCallbackLog, testCallbacksInterface.name+"."+fmt.Sprintf(format, args...))
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	testCallbacksInterface.record("Up()")
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) TagReserved(confMap conf.ConfMap, tagName string) (err error) {
	testCallbacksInterface.record("TagReserved(%s)", tagName)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) TagUnreserved(confMap conf.ConfMap, tagName string) (err error) {
	testCallbacksInterface.record("TagUnreserved(%s)", tagName)
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	testCallbacksInterface.record("SignaledStart()")
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	testCallbacksInterface.record("SignaledFinish()")
	return nil
}

func (testCallbacksInterface *testCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	testCallbacksInterface.record("Down()")
	return nil
}

func TestAPI(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
		"FSCache.TagList=disk1,disk0",
	})
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	testCallbackLog = nil

	err = Up(confMap)
	if nil != err {
		t.Fatalf("transitions.Up() failed: %v", err)
	}

	assert.Equal([]string{
		"testPkg1.Up()",
		"testPkg2.Up()",
		"testPkg1.TagReserved(disk0)",
		"testPkg2.TagReserved(disk0)",
		"testPkg1.TagReserved(disk1)",
		"testPkg2.TagReserved(disk1)",
		"testPkg1.SignaledFinish()",
		"testPkg2.SignaledFinish()",
	}, testCallbackLog)
	assert.Equal([]string{"disk0", "disk1"}, ReservedTags())

	err = confMap.UpdateFromString("FSCache.TagList=disk1,disk2")
	if nil != err {
		t.Fatalf("confMap.UpdateFromString() failed: %v", err)
	}

	testCallbackLog = nil

	err = Signaled(confMap)
	if nil != err {
		t.Fatalf("transitions.Signaled() failed: %v", err)
	}

	assert.Equal([]string{
		"testPkg2.SignaledStart()",
		"testPkg1.SignaledStart()",
		"testPkg2.TagUnreserved(disk0)",
		"testPkg1.TagUnreserved(disk0)",
		"testPkg1.TagReserved(disk2)",
		"testPkg2.TagReserved(disk2)",
		"testPkg1.SignaledFinish()",
		"testPkg2.SignaledFinish()",
	}, testCallbackLog)
	assert.Equal([]string{"disk1", "disk2"}, ReservedTags())

	testCallbackLog = nil

	err = Down(confMap)
	if nil != err {
		t.Fatalf("transitions.Down() failed: %v", err)
	}

	assert.Equal([]string{
		"testPkg2.SignaledStart()",
		"testPkg1.SignaledStart()",
		"testPkg2.TagUnreserved(disk1)",
		"testPkg1.TagUnreserved(disk1)",
		"testPkg2.TagUnreserved(disk2)",
		"testPkg1.TagUnreserved(disk2)",
		"testPkg2.Down()",
		"testPkg1.Down()",
	}, testCallbackLog)
	assert.Equal([]string{}, ReservedTags())
}

func TestDuplicateTag(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"FSCache.TagList=disk0,disk0",
	})
	if nil != err {
		t.Fatalf("conf.MakeConfMapFromStrings() failed: %v", err)
	}

	err = Up(confMap)
	if nil == err {
		t.Fatalf("transitions.Up() should have failed on a duplicate tag")
	}
}
