// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"github.com/NVIDIA/fscache/conf"
	"github.com/NVIDIA/fscache/logger"
)

type loggerCallbacksInterfaceStruct struct {
}

var loggerCallbacksInterface loggerCallbacksInterfaceStruct

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex                                          // Used only for protecting insertions into registration{List|Set} during init() phase
	registrationList *list.List                         //
	registrationSet  map[string]*registrationItemStruct // Key: registrationItemStruct.packageName
	currentTagSet    map[string]struct{}                // Tags for which TagReserved() has been issued
	addedTagList     []string                           // Sorted
	removedTagList   []string                           // Sorted
}

var globals globalsStruct

func init() {
	globals.Lock()
	globals.registrationList = list.New()
	globals.registrationSet = make(map[string]*registrationItemStruct)
	globals.currentTagSet = make(map[string]struct{})
	globals.Unlock()

	Register("logger", &loggerCallbacksInterface)
}

func register(packageName string, callbacks Callbacks) {
	var (
		alreadyRegistered bool
		registrationItem  *registrationItemStruct
	)

	globals.Lock()
	_, alreadyRegistered = globals.registrationSet[packageName]
	if alreadyRegistered {
		globals.Unlock()
		logger.Fatalf("transitions.Register(%s,) called twice", packageName)
		return
	}
	registrationItem = &registrationItemStruct{packageName, callbacks}
	_ = globals.registrationList.PushBack(registrationItem)
	globals.registrationSet[packageName] = registrationItem
	globals.Unlock()
}

// computeTagDelta fills in addedTagList & removedTagList from [FSCache]TagList
func computeTagDelta(confMap conf.ConfMap) (err error) {
	var (
		newTagSet map[string]struct{}
		ok        bool
		tagList   []string
		tagName   string
	)

	newTagSet = make(map[string]struct{})

	if nil != confMap {
		tagList, err = confMap.FetchOptionValueStringSlice("FSCache", "TagList")
		if nil != err {
			// TagList is optional
			tagList = []string{}
		}
	}

	for _, tagName = range tagList {
		if _, ok = newTagSet[tagName]; ok {
			err = fmt.Errorf("[FSCache]TagList contains %s more than once", tagName)
			return
		}
		newTagSet[tagName] = struct{}{}
	}

	globals.addedTagList = make([]string, 0)
	globals.removedTagList = make([]string, 0)

	for tagName = range newTagSet {
		if _, ok = globals.currentTagSet[tagName]; !ok {
			globals.addedTagList = append(globals.addedTagList, tagName)
		}
	}
	for tagName = range globals.currentTagSet {
		if _, ok = newTagSet[tagName]; !ok {
			globals.removedTagList = append(globals.removedTagList, tagName)
		}
	}

	sort.Strings(globals.addedTagList)
	sort.Strings(globals.removedTagList)

	err = nil
	return
}

type callbackFunc func(registrationItem *registrationItemStruct) (err error)

func forward(callerName string, calleeName string, cb callbackFunc) (err error) {
	var (
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
	)

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.%s() calling %s.%s()", callerName, registrationItem.packageName, calleeName)
		err = cb(registrationItem)
		if nil != err {
			logger.Errorf("transitions.%s() call to %s.%s() failed: %v", callerName, registrationItem.packageName, calleeName, err)
			err = fmt.Errorf("%s.%s() failed: %v", registrationItem.packageName, calleeName, err)
			return
		}
		registrationListElement = registrationListElement.Next()
	}

	return
}

func reverse(callerName string, calleeName string, cb callbackFunc) (err error) {
	var (
		registrationItem        *registrationItemStruct
		registrationListElement *list.Element
	)

	registrationListElement = globals.registrationList.Back()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		logger.Tracef("transitions.%s() calling %s.%s()", callerName, registrationItem.packageName, calleeName)
		err = cb(registrationItem)
		if nil != err {
			logger.Errorf("transitions.%s() call to %s.%s() failed: %v", callerName, registrationItem.packageName, calleeName, err)
			err = fmt.Errorf("%s.%s() failed: %v", registrationItem.packageName, calleeName, err)
			return
		}
		registrationListElement = registrationListElement.Prev()
	}

	return
}

func reserveAddedTags(callerName string, confMap conf.ConfMap) (err error) {
	for _, tagName := range globals.addedTagList {
		err = forward(callerName, "TagReserved", func(registrationItem *registrationItemStruct) error {
			return registrationItem.callbacks.TagReserved(confMap, tagName)
		})
		if nil != err {
			return
		}
		globals.currentTagSet[tagName] = struct{}{}
	}
	return
}

func unreserveRemovedTags(callerName string, confMap conf.ConfMap) (err error) {
	for _, tagName := range globals.removedTagList {
		err = reverse(callerName, "TagUnreserved", func(registrationItem *registrationItemStruct) error {
			return registrationItem.callbacks.TagUnreserved(confMap, tagName)
		})
		if nil != err {
			return
		}
		delete(globals.currentTagSet, tagName)
	}
	return
}

func up(confMap conf.ConfMap) (err error) {
	var (
		registrationItem                       *registrationItemStruct
		registrationListElement                *list.Element
		registrationListPackageNameStringSlice []string
	)

	defer func() {
		if nil == err {
			logger.Infof("transitions.Up() returning successfully")
		} else {
			// On the relatively good likelihood that at least logger.Up() worked...
			logger.Errorf("transitions.Up() returning with failure: %v", err)
		}
	}()

	globals.currentTagSet = make(map[string]struct{})

	err = computeTagDelta(confMap)
	if nil != err {
		return
	}

	err = forward("Up", "Up", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.Up(confMap)
	})
	if nil != err {
		return
	}

	registrationListPackageNameStringSlice = make([]string, 0, globals.registrationList.Len())

	registrationListElement = globals.registrationList.Front()

	for nil != registrationListElement {
		registrationItem = registrationListElement.Value.(*registrationItemStruct)
		registrationListPackageNameStringSlice = append(registrationListPackageNameStringSlice, registrationItem.packageName)
		registrationListElement = registrationListElement.Next()
	}

	logger.Infof("Transitions Package Registration List: %v", registrationListPackageNameStringSlice)

	err = reserveAddedTags("Up", confMap)
	if nil != err {
		return
	}

	err = forward("Up", "SignaledFinish", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledFinish(confMap)
	})

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	defer func() {
		if nil == err {
			logger.Infof("transitions.Signaled() returning successfully")
		} else {
			logger.Errorf("transitions.Signaled() returning with failure: %v", err)
		}
	}()

	err = computeTagDelta(confMap)
	if nil != err {
		return
	}

	err = reverse("Signaled", "SignaledStart", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledStart(confMap)
	})
	if nil != err {
		return
	}

	err = unreserveRemovedTags("Signaled", confMap)
	if nil != err {
		return
	}

	err = reserveAddedTags("Signaled", confMap)
	if nil != err {
		return
	}

	err = forward("Signaled", "SignaledFinish", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledFinish(confMap)
	})

	return
}

func down(confMap conf.ConfMap) (err error) {
	defer func() {
		if nil != err {
			logger.Errorf("transitions.Down() returning with failure: %v", err)
		}
	}()

	logger.Infof("transitions.Down() called")

	err = computeTagDelta(nil)
	if nil != err {
		return
	}

	err = reverse("Down", "SignaledStart", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.SignaledStart(confMap)
	})
	if nil != err {
		return
	}

	err = unreserveRemovedTags("Down", confMap)
	if nil != err {
		return
	}

	err = reverse("Down", "Down", func(registrationItem *registrationItemStruct) error {
		return registrationItem.callbacks.Down(confMap)
	})

	return
}

func reservedTags() (tagNames []string) {
	tagNames = make([]string, 0, len(globals.currentTagSet))
	for tagName := range globals.currentTagSet {
		tagNames = append(tagNames, tagName)
	}
	sort.Strings(tagNames)
	return
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	return logger.Up(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) TagReserved(confMap conf.ConfMap, tagName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) TagUnreserved(confMap conf.ConfMap, tagName string) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledStart(confMap conf.ConfMap) (err error) {
	return nil
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) SignaledFinish(confMap conf.ConfMap) (err error) {
	return logger.SignaledFinish(confMap)
}

func (loggerCallbacksInterface *loggerCallbacksInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	return logger.Down(confMap)
}
