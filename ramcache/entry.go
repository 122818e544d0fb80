// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ramcache

import (
	"bytes"

	"github.com/NVIDIA/cstruct"
	"github.com/google/btree"

	"github.com/NVIDIA/fscache/blunder"
	"github.com/NVIDIA/fscache/fscache"
	"github.com/NVIDIA/fscache/logger"
)

const (
	entryRecordMagic = uint32(0x524D4331) // "RMC1"

	entryRecordFlagIndex = uint32(1) << 0
)

// entryRecordStruct is what an entry remembers about its Object between
// bindings, kept packed the way a disk backend would keep it in an xattr
type entryRecordStruct struct {
	Magic      uint32
	Flags      uint32
	ObjectSize uint64
	Aux        []byte
}

type entryStruct struct {
	id       uint64
	parentID uint64
	isIndex  bool
	key      []byte
	record   []byte          // packed entryRecordStruct
	pages    *btree.BTree    // *pageItemStruct ordered by index
	owner    *fscache.Object // bound Object, if any
	pinCount int
}

// pageItemStruct is one allocated page; data is nil until the page is written
// and is never modified once set
type pageItemStruct struct {
	index      uint64
	data       []byte
	compressed bool
}

func (entry *entryStruct) Less(than btree.Item) bool {
	other := than.(*entryStruct)

	if entry.parentID != other.parentID {
		return entry.parentID < other.parentID
	}
	if entry.isIndex != other.isIndex {
		return entry.isIndex // index entries first
	}

	return 0 > bytes.Compare(entry.key, other.key)
}

func (pageItem *pageItemStruct) Less(than btree.Item) bool {
	return pageItem.index < than.(*pageItemStruct).index
}

func packEntryRecord(isIndex bool, objectSize uint64, aux []byte) (record []byte) {
	var (
		entryRecord entryRecordStruct
		err         error
	)

	entryRecord.Magic = entryRecordMagic
	if isIndex {
		entryRecord.Flags |= entryRecordFlagIndex
	}
	entryRecord.ObjectSize = objectSize
	entryRecord.Aux = aux

	record, err = cstruct.Pack(&entryRecord, cstruct.LittleEndian)
	if nil != err {
		logger.PanicfWithError(err, "ramcache: cstruct.Pack() of entry record failed")
	}

	return
}

func unpackEntryRecord(record []byte) (entryRecord *entryRecordStruct, err error) {
	entryRecord = &entryRecordStruct{}

	_, err = cstruct.Unpack(record, entryRecord, cstruct.LittleEndian)
	if nil != err {
		err = blunder.AddError(err, blunder.IOError)
		return
	}

	if entryRecordMagic != entryRecord.Magic {
		err = blunder.NewError(blunder.IOError, "entry record magic 0x%08X unexpected", entryRecord.Magic)
		return
	}

	return
}

func newEntry(id uint64, parentID uint64, isIndex bool, key []byte, record []byte) (entry *entryStruct) {
	entry = &entryStruct{
		id:       id,
		parentID: parentID,
		isIndex:  isIndex,
		key:      append([]byte(nil), key...),
		record:   record,
		pages:    btree.New(btreeDegree),
	}

	return
}

func (backend *Backend) findEntryLocked(parentID uint64, isIndex bool, key []byte) (entry *entryStruct) {
	item := backend.entryTree.Get(&entryStruct{parentID: parentID, isIndex: isIndex, key: key})
	if nil == item {
		return nil
	}
	return item.(*entryStruct)
}

func (backend *Backend) createEntryLocked(parentID uint64, isIndex bool, key []byte, record []byte) (entry *entryStruct) {
	backend.nextEntryID++

	entry = newEntry(backend.nextEntryID, parentID, isIndex, key, record)

	_ = backend.entryTree.ReplaceOrInsert(entry)
	backend.entryMap[entry.id] = entry

	backend.stats.EntriesCreated.Increment()

	return
}

// childrenOfLocked returns the entries whose parent is parentID
func (backend *Backend) childrenOfLocked(parentID uint64) (children []*entryStruct) {
	children = make([]*entryStruct, 0)

	backend.entryTree.AscendGreaterOrEqual(&entryStruct{parentID: parentID, isIndex: true, key: nil}, func(item btree.Item) bool {
		child := item.(*entryStruct)
		if parentID != child.parentID {
			return false
		}
		children = append(children, child)
		return true
	})

	return
}

// deleteEntryLocked removes entry, its pages, and every entry beneath it
func (backend *Backend) deleteEntryLocked(entry *entryStruct) {
	for _, child := range backend.childrenOfLocked(entry.id) {
		backend.deleteEntryLocked(child)
	}

	backend.dropPagesLocked(entry, 0)

	_ = backend.entryTree.Delete(entry)
	delete(backend.entryMap, entry.id)

	backend.stats.EntriesDeleted.Increment()
}

// dropPagesLocked frees every page of entry at or beyond firstIndex
func (backend *Backend) dropPagesLocked(entry *entryStruct, firstIndex uint64) (dropped uint64) {
	doomed := make([]*pageItemStruct, 0)

	entry.pages.AscendGreaterOrEqual(&pageItemStruct{index: firstIndex}, func(item btree.Item) bool {
		doomed = append(doomed, item.(*pageItemStruct))
		return true
	})

	for _, pageItem := range doomed {
		_ = entry.pages.Delete(pageItem)
		backend.releasePageLocked(pageItem)
	}

	dropped = uint64(len(doomed))
	backend.stats.PagesEvicted.Add(dropped)

	return
}

// reservePageLocked accounts for one more page, culling unbound entries to
// make room if capacity requires
func (backend *Backend) reservePageLocked() (ok bool) {
	for (0 != backend.config.MaxPages) && (backend.pagesInUse >= backend.config.MaxPages) {
		if !backend.cullLocked() {
			return false
		}
	}
	backend.pagesInUse++
	return true
}

// cullLocked discards one data entry that holds pages but is bound to no Object
func (backend *Backend) cullLocked() (culled bool) {
	for _, entry := range backend.entryMap {
		if entry.isIndex || (nil != entry.owner) || (0 == entry.pages.Len()) {
			continue
		}
		backend.deleteEntryLocked(entry)
		backend.stats.EntriesCulled.Increment()
		return true
	}
	return false
}

func (backend *Backend) releasePageLocked(pageItem *pageItemStruct) {
	backend.pagesInUse--
	backend.bytesInUse -= uint64(len(pageItem.data))
}
