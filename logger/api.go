// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function and goroutine to all logs.
//
// Logging of trace and debug logs are enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/fscache/utils"
)

type Level int

// Our logging levels
//
// We have more detailed logging levels than the logrus log package.
// As a result, when we do our logging we need to map from our levels
// to the logrus ones before calling logrus APIs.
const (
	// PanicLevel corresponds to logrus.PanicLevel; Logrus will log and then call panic with the log message
	PanicLevel Level = iota
	// FatalLevel corresponds to logrus.FatalLevel; Logrus will log and then calls `os.Exit(1)`.
	FatalLevel
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel
	InfoLevel

	// TraceLevel is used for operational logs that trace state transitions and
	// operation dispatch. Whether these are logged is controlled on a per-package
	// basis. When enabled, these are logged at logrus.InfoLevel.
	TraceLevel

	// DebugLevel is used for very verbose logging. Whether these are logged is
	// controlled on a per-package basis. When enabled, these are logged at
	// logrus.DebugLevel.
	DebugLevel
)

// Enable/disable for trace and debug levels.
// These are defaulted to disabled unless otherwise specified in .conf file
var traceLevelEnabled = false
var debugLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular packages.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map.
//
var packageTraceSettings = map[string]bool{
	"fscache":     false,
	"fscached":    false,
	"logger":      false,
	"ramcache":    false,
	"trackedlock": false,
	"transitions": false,
}

// packageDebugSettings lists the debug IDs enabled for each package.
const DbgInternal string = "debug_internal"
const DbgTesting string = "debug_test"

var packageDebugSettings = map[string][]string{
	"fscache":  []string{},
	"ramcache": []string{},
}

var settingsLock sync.RWMutex

func setTraceLoggingLevel(confStrSlice []string) {
	settingsLock.Lock()
	defer settingsLock.Unlock()

	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}
	traceLevelEnabled = false

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true
				traceLevelEnabled = true
			}
		}
	}
}

func setDebugLoggingLevel(confStrSlice []string) {
	settingsLock.Lock()
	defer settingsLock.Unlock()

	for pkg := range packageDebugSettings {
		packageDebugSettings[pkg] = []string{}
	}
	debugLevelEnabled = false

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			debugLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageDebugSettings[pkg]; ok {
				packageDebugSettings[pkg] = []string{DbgInternal, DbgTesting}
				debugLevelEnabled = true
			}
		}
	}
}

func traceEnabled(pkg string) bool {
	settingsLock.RLock()
	defer settingsLock.RUnlock()
	return packageTraceSettings[pkg]
}

func debugEnabled(pkg string, debugID string) bool {
	settingsLock.RLock()
	defer settingsLock.RUnlock()
	for _, id := range packageDebugSettings[pkg] {
		if id == debugID {
			return true
		}
	}
	return false
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"

var backtraceOneLevel int = 1

// FuncCtx holds fields common between log calls within a function
type FuncCtx struct {
	funcContext *log.Entry
}

func newFuncCtx(level int, extraFields log.Fields) (ctx *FuncCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	for key, value := range extraFields {
		fields[key] = value
	}
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return ctx
}

func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

func logEnabled(level Level) bool {
	if (level == TraceLevel) && !traceLevelEnabled {
		return false
	}
	if (level == DebugLevel) && !debugLevelEnabled {
		return false
	}
	return true
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Infof(format string, args ...interface{}) {
	if !logEnabled(InfoLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel, nil).log(InfoLevel, fmt.Sprintf(format, args...))
}

func Warnf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, nil).log(WarnLevel, fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, nil).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func Fatalf(format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, nil).log(FatalLevel, fmt.Sprintf(format, args...))
}

func Tracef(format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel, nil).log(TraceLevel, fmt.Sprintf(format, args...))
}

func DebugfID(id string, format string, args ...interface{}) {
	if !logEnabled(DebugLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel, nil).logWithID(DebugLevel, id, fmt.Sprintf(format, args...))
}

func InfofWithError(err error, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(InfoLevel, fmt.Sprintf(format, args...))
}

func WarnfWithError(err error, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(WarnLevel, fmt.Sprintf(format, args...))
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(ErrorLevel, fmt.Sprintf(format, args...))
}

func ErrorWithError(err error, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(ErrorLevel, fmt.Sprint(args...))
}

func PanicfWithError(err error, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields{errorKey: err}).log(PanicLevel, fmt.Sprintf(format, args...))
}

// TracefWithFields logs a trace line carrying additional structured fields
// (e.g. object id and state)
func TracefWithFields(fields map[string]interface{}, format string, args ...interface{}) {
	if !logEnabled(TraceLevel) {
		return
	}
	newFuncCtx(backtraceOneLevel, log.Fields(fields)).log(TraceLevel, fmt.Sprintf(format, args...))
}

// InfofWithFields logs an info line carrying additional structured fields
func InfofWithFields(fields map[string]interface{}, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields(fields)).log(InfoLevel, fmt.Sprintf(format, args...))
}

// WarnfWithFields logs a warning line carrying additional structured fields
func WarnfWithFields(fields map[string]interface{}, format string, args ...interface{}) {
	newFuncCtx(backtraceOneLevel, log.Fields(fields)).log(WarnLevel, fmt.Sprintf(format, args...))
}

// log is the common low-level logging function used internal to this package.
//
// Following the example of logrus.entry.go's equivalent function, "this function
// is not declared with a pointer value because otherwise race conditions will
// occur when using multiple goroutines"
//
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	if (level == TraceLevel) && !traceEnabled(ctx.getPackage()) {
		return
	}

	switch level {
	case PanicLevel:
		ctx.funcContext.Panic(args...)
	case FatalLevel:
		ctx.funcContext.Fatal(args...)
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel:
		ctx.funcContext.Info(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	case DebugLevel:
		ctx.funcContext.Debug(args...)
	}
}

func (ctx FuncCtx) logWithID(level Level, id string, args ...interface{}) {
	if (level == DebugLevel) && !debugEnabled(ctx.getPackage(), id) {
		return
	}
	ctx.log(level, args...)
}

// AddLogTarget adds another target for log messages to be written to. writer
// is an object with an io.Writer interface that's called once for each log
// message.
//
// Logger.Up() must be called before this function is used.
//
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogBuffer captures the most recent log lines (most recent entry is [0])
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string
	TotalEntries int
}

// LogTarget is an example of a log target that captures the most recent n
// lines of log into an array. Useful for writing test cases.
type LogTarget struct {
	LogBuf *LogBuffer
}

// Init initializes a LogTarget to hold upto nEntry log entries.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logger for each log entry
func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	target.LogBuf.TotalEntries++

	copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[:len(target.LogBuf.LogEntries)-1])
	target.LogBuf.LogEntries[0] = strings.TrimRight(string(p), " \t\n")

	n = len(p)
	return
}

// Contains reports whether any captured log entry contains substr
func (target LogTarget) Contains(substr string) bool {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	for _, entry := range target.LogBuf.LogEntries {
		if strings.Contains(entry, substr) {
			return true
		}
	}
	return false
}
