// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"github.com/NVIDIA/fscache/conf"
)

// Callbacks is the interface implemented by each package desiring notification of
// configuration changes. Each such package should implement a struct with pointer
// receivers for each API listed below even when there is no interest in being
// notified of a particular condition.
//
// By calling transitions.Register() in the package's init() func, the proper order
// of registration will be ensured. In specific, the following callbacks will be
// issued in the same order as package init() func calls have registered:
//
//   Up()
//   TagReserved()
//   SignaledFinish()
//
// By contrast, the following callbacks will be issued in the reverse order as package
// init() func calls have registered:
//
//   SignaledStart()
//   TagUnreserved()
//   Down()
//
// A cache tag is a name listed in [FSCache]TagList. A package that supplies a
// cache backend (e.g. package ramcache) typically registers a cache with the tag
// upon TagReserved() and withdraws it upon TagUnreserved().
//
type Callbacks interface {
	Up(confMap conf.ConfMap) (err error)
	TagReserved(confMap conf.ConfMap, tagName string) (err error)
	TagUnreserved(confMap conf.ConfMap, tagName string) (err error)
	SignaledStart(confMap conf.ConfMap) (err error)
	SignaledFinish(confMap conf.ConfMap) (err error)
	Down(confMap conf.ConfMap) (err error)
}

// Register should be called from a package's init() func should the package be interested
// in one or more of the callbacks that they will receive. Each callback func should receive
// a struct implementing the Callbacks interface by reference.
//
// As an example, consider the following:
//
//   package foo
//
//   import "github.com/NVIDIA/fscache/conf"
//   import "github.com/NVIDIA/fscache/transitions"
//
//   type transitionsCallbackInterfaceStruct struct {
//   }
//
//   var transitionsCallbackInterface transitionsCallbackInterfaceStruct
//
//   func init() {
//       transitions.Register("foo", &transitionsCallbackInterface)
//   }
//
//   func (transitionsCallbackInterface *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
//       // Perform start-up initialization derived from confMap
//       return
//   }
//
//   ...
//
// A special exception to the need for registration is the package logger. Package
// transitions makes an explicit reference to logging functions in package logger and,
// as such, will perform the registration for package logger itself.
//
func Register(packageName string, callbacks Callbacks) {
	register(packageName, callbacks)
}

// Up should be called at startup by the main() (or setup func) of each program including
// any of the packages needing callback notifications. This will trigger Up() callbacks
// to each of the packages that have registered with package transitions starting with
// package logger (that was registered automatically by package transitions).
//
// Following the Up() callbacks, TagReserved() is issued for every tag in
// [FSCache]TagList followed by SignaledFinish().
//
func Up(confMap conf.ConfMap) (err error) {
	return up(confMap)
}

// Signaled should be called during execution of a signal handler for e.g. SIGHUP by the
// main() (or monitoring func) of each program. The tags in the new confMap are
// compared with those currently reserved and the following callbacks are issued:
//
//   SignaledStart()  - reverse registration order
//   TagUnreserved()  - reverse registration order (for each removed tag)
//   TagReserved()    -         registration order (for each added tag)
//   SignaledFinish() -         registration order
//
func Signaled(confMap conf.ConfMap) (err error) {
	return signaled(confMap)
}

// Down should be called just before shutdown by the main() (or teardown func) of each
// program. Prior to the Down() callbacks (issued in reverse registration order, ending
// with package logger), SignaledStart() and TagUnreserved() (for every reserved tag) are
// issued as if the new confMap had no tags.
//
func Down(confMap conf.ConfMap) (err error) {
	return down(confMap)
}

// ReservedTags returns the (sorted) tags currently reserved
func ReservedTags() (tagNames []string) {
	return reservedTags()
}
