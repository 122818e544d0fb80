// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramcache

import (
	"github.com/dustin/go-humanize"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/conf"
	"github.com/NVIDIA/fscache/fscache"
	"github.com/NVIDIA/fscache/logger"
	"github.com/NVIDIA/fscache/transitions"
)

func init() {
	transitions.Register("ramcache", &globals)
}

func sectionName(tagName string) string {
	return "RAMCache:" + tagName
}

func fetchConfig(confMap conf.ConfMap, tagName string) (config Config, err error) {
	var (
		capacity         uint64
		capacityAsString string
		maxIndexKeySize  uint32
		section          = sectionName(tagName)
	)

	capacityAsString, err = confMap.FetchOptionValueString(section, "Capacity")
	if nil == err {
		capacity, err = humanize.ParseBytes(capacityAsString)
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
		config.MaxPages = capacity / fscache.PageSize
	}

	err = confMap.VerifyOptionIsMissing(section, "MaxPages")
	if nil != err {
		config.MaxPages, err = confMap.FetchOptionValueUint64(section, "MaxPages")
		if nil != err {
			err = blunder.AddError(err, blunder.InvalidArgError)
			return
		}
	}

	maxIndexKeySize, err = confMap.FetchOptionValueUint32(section, "MaxIndexKeySize")
	if nil == err {
		config.MaxIndexKeySize = int(maxIndexKeySize)
	}

	config.Compress, err = confMap.FetchOptionValueBool(section, "Compress")
	if nil != err {
		config.Compress = false
	}

	err = nil
	return
}

func describeCapacity(config Config) string {
	if 0 == config.MaxPages {
		return "unlimited"
	}
	return humanize.IBytes(config.MaxPages * fscache.PageSize)
}

func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	globals.backendMap = make(map[string]*Backend)

	err = nil
	return
}

// TagReserved brings up a RAM cache for every tag in [FSCache]TagList
func (dummy *globalsStruct) TagReserved(confMap conf.ConfMap, tagName string) (err error) {
	var (
		config Config
	)

	config, err = fetchConfig(confMap, tagName)
	if nil != err {
		logger.ErrorfWithError(err, "ramcache: bad [%s] section", sectionName(tagName))
		return
	}

	_, _, err = addCache(tagName, config)

	return
}

func (dummy *globalsStruct) TagUnreserved(confMap conf.ConfMap, tagName string) (err error) {
	err = removeCache(tagName)
	if blunder.Is(err, blunder.NotFoundError) {
		logger.Infof("ramcache: cache %s already removed", tagName)
		err = nil
	}
	return
}

func (dummy *globalsStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	var (
		tagName  string
		tagNames []string
	)

	globals.Lock()
	tagNames = make([]string, 0, len(globals.backendMap))
	for tagName = range globals.backendMap {
		tagNames = append(tagNames, tagName)
	}
	globals.Unlock()

	for _, tagName = range tagNames {
		logger.Warnf("ramcache.Down(): cache %s not yet removed", tagName)
		_ = removeCache(tagName)
	}

	logger.Infof("ramcache.Down() called")

	err = nil
	return
}
