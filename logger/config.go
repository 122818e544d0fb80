// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/fscache/conf"
)

// multiWriter fans each log line out to every registered io.Writer
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}

	n = len(p)
	err = nil
	return
}

var (
	logFile   *os.File
	logOutput *multiWriter
)

func addLogTarget(writer io.Writer) {
	logOutput.addWriter(writer)
}

// Up configures logrus from the [Logging] section of confMap.
//
// It is invoked by package transitions (which registers package logger first).
//
func Up(confMap conf.ConfMap) (err error) {
	var (
		logFilePath  string
		logToConsole bool
	)

	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logOutput = &multiWriter{}

	logFilePath, _ = confMap.FetchOptionValueString("Logging", "LogFilePath")
	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
		logOutput.addWriter(logFile)
	}

	logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = ("" == logFilePath)
	}
	if logToConsole {
		logOutput.addWriter(os.Stderr)
	}

	log.SetOutput(logOutput)

	// NOTE: We always enable max logging in logrus, and decide in this package
	//       whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	err = nil
	return
}

// SignaledFinish re-reads the trace and debug settings from confMap
func SignaledFinish(confMap conf.ConfMap) (err error) {
	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	err = nil
	return
}

// Down closes the log file (if any) and returns logrus output to os.Stderr
func Down(confMap conf.ConfMap) (err error) {
	log.SetOutput(os.Stderr)

	if nil != logFile {
		err = logFile.Close()
		logFile = nil
	}

	return
}
