// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats implements easy to use statistics collection and
// reporting, including bucketized statistics. Statistics start at zero and
// grow as they are added to.
//
// The statistics provided include totals and averages and bucketized
// distributions (power of 2 buckets, rounded to the nearest bucket).
//
// Statistics are declared as exported fields of a struct, which is then
// registered by name:
//
//   type fsCacheStats struct {
//       CookiesAcquired  bucketstats.Total
//       RetrievalUsecs   bucketstats.BucketLog2Round
//   }
//   var stats fsCacheStats
//
//   bucketstats.Register("fscache", "", &stats)
//
// A statistic's Name field defaults to the field name. Registered statistics
// can be rendered with SprintStats().
//
package bucketstats

import (
	"sync/atomic"
)

type StatStringFormat int

const (
	StatFormatParsable1 StatStringFormat = iota
)

// Totaler is any statistic that keeps a running total
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
	Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string)
}

// Averager is a Totaler that also counts the number of values added
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// BucketInfo describes one bucket of a bucketized statistic
type BucketInfo struct {
	Count      uint64 // number of values added to this bucket
	NominalVal uint64 // the power of 2 the bucket is named for
	RangeLow   uint64 // smallest value that lands in the bucket
	RangeHigh  uint64 // largest value that lands in the bucket
}

// Bucketer is an Averager that also keeps a distribution
type Bucketer interface {
	Averager
	DistGet() []BucketInfo
}

// Register and initialize a set of statistics.
//
// statsStruct is a pointer to a structure which has one or more fields of
// statistics type. pkgName and statsGroupName may be "" (but not both).
//
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	register(pkgName, statsGroupName, statsStruct)
}

// UnRegister a set of statistics. Once unregistered, the same or a different
// set of statistics can be registered using the same name.
//
func UnRegister(pkgName string, statsGroupName string) {
	unRegister(pkgName, statsGroupName)
}

// SprintStats returns the statistics for the given group (or "*" for all
// groups in the package or all packages) as a string.
func SprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	return sprintStats(stringFmt, pkgName, statsGroupName)
}

// Total is a simple counter
type Total struct {
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Total) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// Average keeps a running total and count
type Average struct {
	count uint64 // Ensure 64-bit alignment
	total uint64 // Ensure 64-bit alignment
	Name  string
}

func (this *Average) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) Increment() {
	this.Add(1)
}

func (this *Average) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *Average) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *Average) AverageGet() uint64 {
	count := atomic.LoadUint64(&this.count)
	if 0 == count {
		return 0
	}
	return atomic.LoadUint64(&this.total) / count
}

func (this *Average) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}

// BucketLog2Round keeps a distribution of values in power of 2 buckets; a
// value lands in the bucket of the power of 2 nearest to it. Bucket 0 holds
// 0, bucket i (for i > 0) is named 2^(i-1).
//
// NBucket limits the number of buckets (values too large for the last
// bucket are counted in it). Zero means all 65 buckets.
type BucketLog2Round struct {
	Name        string
	NBucket     uint
	count       uint64
	total       uint64
	statBuckets [65]uint64
}

func (this *BucketLog2Round) Add(value uint64) {
	idx := log2RoundIdx(value)
	if (0 != this.NBucket) && (idx > this.NBucket-1) {
		idx = this.NBucket - 1
	}

	atomic.AddUint64(&this.statBuckets[idx], 1)
	atomic.AddUint64(&this.count, 1)
	atomic.AddUint64(&this.total, value)
}

func (this *BucketLog2Round) Increment() {
	this.Add(1)
}

func (this *BucketLog2Round) CountGet() uint64 {
	return atomic.LoadUint64(&this.count)
}

func (this *BucketLog2Round) TotalGet() uint64 {
	return atomic.LoadUint64(&this.total)
}

func (this *BucketLog2Round) AverageGet() uint64 {
	count := atomic.LoadUint64(&this.count)
	if 0 == count {
		return 0
	}
	return atomic.LoadUint64(&this.total) / count
}

func (this *BucketLog2Round) DistGet() []BucketInfo {
	return this.distGet()
}

func (this *BucketLog2Round) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return this.sprint(stringFmt, pkgName, statsGroupName)
}
