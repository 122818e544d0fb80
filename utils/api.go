// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides miscellaneous helpers shared by the logger, the lock
// tracker and the cache layer itself.
package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

var (
	fnNameRE  = regexp.MustCompile(`[^\/]*$`)
	pkgNameRE = regexp.MustCompile(`^[^.]*`)
	funcRE    = regexp.MustCompile(`[^.]*$`)
)

// GetGID returns the id of the calling goroutine.
//
// Only used to annotate log lines and lock tracking output.
//
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	return StackTraceToGoId(b)
}

// StackTraceToGoId extracts the goroutine id from the first line of a stack
// trace as returned by runtime.Stack().
func StackTraceToGoId(buf []byte) (goId uint64) {
	var (
		end int
	)

	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	end = bytes.IndexByte(buf, ' ')
	if 0 > end {
		return
	}

	goId, _ = strconv.ParseUint(string(buf[:end]), 10, 64)
	return
}

// GetAFnName returns a string containing calling function and package
func GetAFnName(level int) string {
	pc, _, _, ok := runtime.Caller(level + 1)
	if !ok {
		return "unknown.unknown"
	}
	functionObject := runtime.FuncForPC(pc)
	if nil == functionObject {
		return "unknown.unknown"
	}
	return fnNameRE.FindString(functionObject.Name())
}

// GetFuncPackage returns separate strings containing calling function and package
// along with the goroutine id
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = pkgNameRE.FindString(funcPkg)
	fn = funcRE.FindString(funcPkg)
	gid = GetGID()

	return fn, pkg, gid
}

// Stopwatch measures elapsed time of retrievals and storages
type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	if sw.IsRunning {
		sw.StopTime = time.Now()
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Elapsed() time.Duration {
	if sw.IsRunning {
		return time.Since(sw.StartTime)
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) ElapsedUs() uint64 {
	return uint64(sw.Elapsed() / time.Microsecond)
}

// JSONify renders input as JSON (optionally indented) for log output
func JSONify(input interface{}, indentify bool) (output string) {
	var (
		err             error
		inputJSON       bytes.Buffer
		inputJSONPacked []byte
	)

	inputJSONPacked, err = json.Marshal(input)
	if nil != err {
		output = fmt.Sprintf("<<<json.Marshall failed: %v>>>", err)
		return
	}

	if !indentify {
		output = string(inputJSONPacked)
		return
	}

	err = json.Indent(&inputJSON, inputJSONPacked, "", "\t")
	if nil == err {
		output = inputJSON.String()
	} else {
		output = fmt.Sprintf("<<<json.Indent failed: %v>>>", err)
	}

	return
}
