// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"math/bits"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

var (
	totalType  = reflect.TypeOf(Total{})
	avgType    = reflect.TypeOf(Average{})
	bucketType = reflect.TypeOf(BucketLog2Round{})
)

// log2RoundIdx returns the index of the bucket for value
func log2RoundIdx(value uint64) uint {
	var (
		l uint
	)

	if value <= 2 {
		return uint(value)
	}

	l = uint(bits.Len64(value))

	// value lies in [2^(l-1), 2^l); it rounds up if >= 1.5 * 2^(l-1)
	if value >= (uint64(3) << (l - 2)) {
		l++
	}
	if l > 64 {
		l = 64
	}

	return l
}

func bucketRange(idx uint) (nominal uint64, low uint64, high uint64) {
	switch idx {
	case 0:
		return 0, 0, 0
	case 1:
		return 1, 1, 1
	case 2:
		return 2, 2, 2
	}

	nominal = uint64(1) << (idx - 1)
	low = (uint64(3) << (idx - 3))
	if 64 == idx {
		high = ^uint64(0)
	} else {
		high = (uint64(3) << (idx - 2)) - 1
	}

	return
}

func scrubName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '_'
		}
		return r
	}, name)
}

func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	var (
		ok bool
	)

	if ("" == pkgName) && ("" == statsGroupName) {
		panic("statistics group must have non-empty pkgName or statsGroupName")
	}

	if (reflect.TypeOf(statsStruct).Kind() != reflect.Ptr) ||
		(reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct) {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsType := structAsType.Field(i).Type
		fieldAsValue := structAsValue.Field(i)

		if (fieldAsType != totalType) && (fieldAsType != avgType) && (fieldAsType != bucketType) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if "" == statNameValue.String() {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}
		_, ok = names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if nil == pkgNameToGroupName {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if nil == pkgNameToGroupName[pkgName] {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if nil != pkgNameToGroupName[pkgName][statsGroupName] {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	if nil != pkgNameToGroupName[pkgName] {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if 0 == len(pkgNameToGroupName[pkgName]) {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m map[string]interface{}) (keys []string) {
	keys = make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return
}

func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	var (
		groupNames []string
		pkgNames   []string
	)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if "*" == pkgName {
		pkgNames = make([]string, 0, len(pkgNameToGroupName))
		for pkg := range pkgNameToGroupName {
			pkgNames = append(pkgNames, pkg)
		}
		sort.Strings(pkgNames)
	} else {
		pkgNames = []string{scrubName(pkgName)}
	}

	for _, pkg := range pkgNames {
		if "*" == statsGroupName {
			groupNames = sortedKeys(pkgNameToGroupName[pkg])
		} else {
			groupNames = []string{scrubName(statsGroupName)}
		}

		for _, group := range groupNames {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				panic(fmt.Sprintf("bucketstats.sprintStats(): statistics group '%s.%s' is not registered",
					pkg, group))
			}
			statValues += sprintStatsStruct(stringFmt, pkg, group, statsStruct)
		}
	}

	return
}

func sprintStatsStruct(stringFmt StatStringFormat, pkgName string, statsGroupName string, statsStruct interface{}) (statValues string) {
	structAsValue := reflect.ValueOf(statsStruct).Elem()

	for i := 0; i < structAsValue.NumField(); i++ {
		fieldAsValue := structAsValue.Field(i)
		if !fieldAsValue.CanAddr() || !fieldAsValue.CanSet() {
			continue
		}
		if stat, ok := fieldAsValue.Addr().Interface().(Totaler); ok {
			statValues += stat.Sprint(stringFmt, pkgName, statsGroupName)
		}
	}

	return
}

func statisticName(pkgName string, statsGroupName string, fieldName string) string {
	switch {
	case "" == pkgName:
		return statsGroupName + "." + fieldName
	case "" == statsGroupName:
		return pkgName + "." + fieldName
	default:
		return pkgName + "." + statsGroupName + "." + fieldName
	}
}

func (this *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return fmt.Sprintf("%s total:%d\n", statisticName(pkgName, statsGroupName, this.Name), this.TotalGet())
}

func (this *Average) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	return fmt.Sprintf("%s total:%d count:%d avg:%d\n",
		statisticName(pkgName, statsGroupName, this.Name), this.TotalGet(), this.CountGet(), this.AverageGet())
}

func (this *BucketLog2Round) distGet() (dist []BucketInfo) {
	nBucket := this.NBucket
	if (0 == nBucket) || (nBucket > uint(len(this.statBuckets))) {
		nBucket = uint(len(this.statBuckets))
	}

	dist = make([]BucketInfo, nBucket)
	for idx := uint(0); idx < nBucket; idx++ {
		dist[idx].Count = atomic.LoadUint64(&this.statBuckets[idx])
		dist[idx].NominalVal, dist[idx].RangeLow, dist[idx].RangeHigh = bucketRange(idx)
	}

	return
}

func (this *BucketLog2Round) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	var (
		builder strings.Builder
	)

	fmt.Fprintf(&builder, "%s total:%d count:%d avg:%d",
		statisticName(pkgName, statsGroupName, this.Name), this.TotalGet(), this.CountGet(), this.AverageGet())

	for _, bucket := range this.distGet() {
		if 0 != bucket.Count {
			fmt.Fprintf(&builder, " %d:%d", bucket.NominalVal, bucket.Count)
		}
	}

	builder.WriteString("\n")

	return builder.String()
}
