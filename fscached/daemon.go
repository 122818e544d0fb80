// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package fscached runs fscache as a process serving the RAM caches named
// in its config.
//
// The config is reloaded on each SIGHUP: caches whose tags were added to
// [FSCache]TagList are brought up, those whose tags were removed are
// withdrawn, and a dump of all statistics is logged. Any other signal
// brings everything down.
package fscached

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/fscache/bucketstats"
	"github.com/NVIDIA/fscache/conf"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/transitions"

	// Register the transitions callbacks of ramcache and statslogger
	_ "github.com/NVIDIA/fscache/ramcache"
	_ "github.com/NVIDIA/fscache/statslogger"
)

func computeConfMap(confFile string, confStrings []string) (confMap conf.ConfMap, err error) {
	confMap, err = conf.MakeConfMapFromFile(confFile)
	if nil != err {
		return
	}

	err = confMap.UpdateFromStrings(confStrings)

	return
}

func logStats() {
	logger.Infof("fscached: statistics\n%s", bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*"))
}

// Daemon loads confFile (overridden by confStrings), brings up the caches it
// names, and serves them until a signal other than SIGHUP is received.
// If non-nil, signalHandlerIsArmedWG is Done()'d once signals are armed.
func Daemon(confFile string, confStrings []string, signalHandlerIsArmedWG *sync.WaitGroup, signals ...os.Signal) (err error) {
	var (
		confMap        conf.ConfMap
		newConfMap     conf.ConfMap
		signalChan     chan os.Signal
		signalReceived os.Signal
	)

	confMap, err = computeConfMap(confFile, confStrings)
	if nil != err {
		return
	}

	err = transitions.Up(confMap)
	if nil != err {
		return
	}

	logger.Infof("fscached: UP serving caches %v", transitions.ReservedTags())

	// Arm signal handler used to indicate reload or termination & wait on it
	//
	// Note: signal'd chan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read

	signalChan = make(chan os.Signal, 1)

	signal.Notify(signalChan, signals...)

	if nil != signalHandlerIsArmedWG {
		signalHandlerIsArmedWG.Done()
	}

	for {
		signalReceived = <-signalChan

		if unix.SIGHUP != signalReceived {
			logger.Infof("fscached: received %v", signalReceived)
			break
		}

		logger.Infof("fscached: received SIGHUP")

		newConfMap, err = computeConfMap(confFile, confStrings)
		if nil != err {
			logger.WarnfWithError(err, "fscached: reload of %s failed; keeping current config", confFile)
			continue
		}
		confMap = newConfMap

		err = transitions.Signaled(confMap)
		if nil != err {
			logger.WarnfWithError(err, "fscached: transitions.Signaled() failed")
		}

		logStats()
	}

	signal.Stop(signalChan)

	logStats()

	err = transitions.Down(confMap)

	return
}
