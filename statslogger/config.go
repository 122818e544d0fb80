// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package statslogger periodically logs memory usage, the number of live
// cookies and cached pages, and the fscache and ramcache statistics.
//
//   [StatsLogger]
//   Period: 10m # optional; 0 disables, otherwise at least 1s
//
package statslogger

import (
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/NVIDIA/fscache/bucketstats"
	"github.com/NVIDIA/fscache/conf"
	"github.com/NVIDIA/fscache/fscache"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/ramcache"
	"github.com/NVIDIA/fscache/transitions"
)

const (
	statsLogPeriodDefault = 10 * time.Minute
	sampleInterval        = time.Second
)

type globalsStruct struct {
	sync.Mutex                      // serializes start()/stop(); protects the fields below
	sampleChan     <-chan time.Time // time to sample cookie & page counts
	logChan        <-chan time.Time // time to log statistics
	stopChan       chan bool        // time to shutdown and go home
	doneChan       chan bool        // shutdown complete
	statsLogPeriod time.Duration    // time between statistics logging
	sampleTicker   *time.Ticker     // ticker for sampleChan (if any)
	logTicker      *time.Ticker     // ticker for logChan (if any)
	running        bool
}

var globals globalsStruct

func init() {
	transitions.Register("statslogger", &globals)
}

func parseConfMap(confMap conf.ConfMap) {
	var (
		err error
	)

	globals.statsLogPeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "Period")
	if nil != err {
		globals.statsLogPeriod = statsLogPeriodDefault
	}

	// statsLogPeriod must be >= 1 sec, except 0 means disabled
	if (globals.statsLogPeriod < time.Second) && (0 != globals.statsLogPeriod) {
		logger.Warnf("[StatsLogger]Period %v is less than 1s; defaulting to %v", globals.statsLogPeriod, statsLogPeriodDefault)
		globals.statsLogPeriod = statsLogPeriodDefault
	}
}

func start() {
	if 0 == globals.statsLogPeriod {
		return
	}

	globals.sampleTicker = time.NewTicker(sampleInterval)
	globals.sampleChan = globals.sampleTicker.C

	globals.logTicker = time.NewTicker(globals.statsLogPeriod)
	globals.logChan = globals.logTicker.C

	globals.stopChan = make(chan bool)
	globals.doneChan = make(chan bool)

	globals.running = true

	go statsLogger(globals.sampleChan, globals.logChan, globals.stopChan, globals.doneChan)
}

func stop() {
	if !globals.running {
		return
	}

	globals.stopChan <- true
	_ = <-globals.doneChan

	globals.sampleTicker.Stop()
	globals.logTicker.Stop()

	globals.running = false
}

// Up starts the stats logger unless [StatsLogger]Period is 0
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	parseConfMap(confMap)
	start()
	globals.Unlock()

	err = nil
	return
}

func (dummy *globalsStruct) TagReserved(confMap conf.ConfMap, tagName string) (err error) {
	return nil
}

func (dummy *globalsStruct) TagUnreserved(confMap conf.ConfMap, tagName string) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

// SignaledFinish restarts the stats logger if its period changed
func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	oldLogPeriod := globals.statsLogPeriod

	parseConfMap(confMap)

	if globals.statsLogPeriod == oldLogPeriod {
		return nil
	}

	logger.Infof("statslogger log period changing from %v to %v", oldLogPeriod, globals.statsLogPeriod)

	stop()
	start()

	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	logger.Infof("statslogger.Down() called")

	globals.Lock()
	stop()
	globals.Unlock()

	err = nil
	return
}

// statsLogger samples the cookie & page counts every sampleChan tick and logs
// a batch of statistics every logChan tick ([StatsLogger]Period)
func statsLogger(sampleChan <-chan time.Time, logChan <-chan time.Time, stopChan <-chan bool, doneChan chan<- bool) {
	var (
		cookieStats SimpleStats
		memStats    runtime.MemStats
		pageStats   SimpleStats
	)

	sample := func() {
		cookieStats.Sample(fscache.CookieCount())
		pageStats.Sample(int64(ramcache.TotalPagesInUse()))
	}

	sample()

	for stopRequest := false; !stopRequest; {
		select {
		case <-stopChan:
			// log final stats and then exit
			stopRequest = true

		case <-sampleChan:
			sample()
			continue

		case <-logChan:
			// fall through to do the logging
		}

		// memstats "stops the world"
		runtime.ReadMemStats(&memStats)

		sample()
		logStats(&cookieStats, &pageStats, &memStats)

		cookieStats.Clear()
		pageStats.Clear()
	}

	doneChan <- true
}

// logStats writes interesting statistics to the log in a semi-human readable format
func logStats(cookieStats *SimpleStats, pageStats *SimpleStats, memStats *runtime.MemStats) {
	logger.Infof("statslogger: Cookies min=%d mean=%d max=%d  RAMCachePages min=%d mean=%d max=%d",
		cookieStats.Min(), cookieStats.Mean(), cookieStats.Max(),
		pageStats.Min(), pageStats.Mean(), pageStats.Max())

	logger.Infof("statslogger: Memory Sys=%s HeapInuse=%s HeapIdle=%s HeapReleased=%s Cumulative TotalAlloc=%s",
		humanize.IBytes(memStats.Sys), humanize.IBytes(memStats.HeapInuse), humanize.IBytes(memStats.HeapIdle),
		humanize.IBytes(memStats.HeapReleased), humanize.IBytes(memStats.TotalAlloc))

	logger.Infof("statslogger: GC NumGC=%d NumForcedGC=%d NextGC=%s PauseTotalMsec=%d GC_CPU=%4.2f%%",
		memStats.NumGC, memStats.NumForcedGC, humanize.IBytes(memStats.NextGC),
		memStats.PauseTotalNs/1000000, memStats.GCCPUFraction*100)

	logger.Infof("statslogger: fscache\n%s", bucketstats.SprintStats(bucketstats.StatFormatParsable1, "fscache", "*"))
	logger.Infof("statslogger: ramcache\n%s", bucketstats.SprintStats(bucketstats.StatFormatParsable1, "ramcache", "*"))
}
