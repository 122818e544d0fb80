// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program fscached provides a command-line wrapper around package fscached.
//
// The program requires a single argument that is a path to a package config
// formatted configuration to load. Optionally, overrides the the config may
// be passed as additional arguments in the form <section_name>.<option_name>=<value>.
//
package main

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/fscache/fscached"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "no .conf file specified\n")
		os.Exit(1)
	}

	err := fscached.Daemon(os.Args[1], os.Args[2:], nil, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	if nil != err {
		fmt.Fprintf(os.Stderr, "fscached failed: %v\n", err)
		os.Exit(1)
	}
}
