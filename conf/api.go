// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package conf provides the .INI-style configuration map used to bring up the
// cache layer and its backends.
//
// A .conf file to load typically looks like:
//
//   [FSCache]
//   TagList:          disk0, disk1
//   ObjectWorkers:    4
//
//   # A comment on its own line starting with '#'
//   ; A comment on its own line starting with ';'
//
//   [RAMCache:disk0]  ; A comment at the end of a line
//   MaxPages = 65536
//
// Overrides (e.g. from extra command-line arguments) look like:
//
//   <section_name>.<option_name>=<value>[,<value>...]
//
package conf

import (
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ConfMap is accessed via confMap[section_name][option_name][option_value_index] or via the methods below

type ConfMapOption []string
type ConfMapSection map[string]ConfMapOption
type ConfMap map[string]ConfMapSection

// MakeConfMap returns an newly created empty ConfMap
func MakeConfMap() (confMap ConfMap) {
	confMap = make(ConfMap)
	return
}

// MakeConfMapFromFile returns a newly created ConfMap loaded with the contents of the confFilePath-specified file
func MakeConfMapFromFile(confFilePath string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromFile(confFilePath)
	return
}

// MakeConfMapFromStrings returns a newly created ConfMap loaded with the contents specified in confStrings
func MakeConfMapFromStrings(confStrings []string) (confMap ConfMap, err error) {
	confMap = MakeConfMap()
	err = confMap.UpdateFromStrings(confStrings)
	if nil != err {
		err = fmt.Errorf("Error building confMap from conf strings: %v", err)
	}
	return
}

func validName(name string) bool {
	if 0 == len(name) {
		return false
	}
	for _, r := range name {
		switch {
		case ('0' <= r) && (r <= '9'):
		case ('A' <= r) && (r <= 'Z'):
		case ('a' <= r) && (r <= 'z'):
		case strings.ContainsRune("_-/:*", r):
		default:
			return false
		}
	}
	return true
}

// splitValues splits an option payload on commas and/or whitespace
func splitValues(payload string) (values ConfMapOption) {
	values = ConfMapOption{}
	for _, value := range strings.FieldsFunc(payload, func(r rune) bool {
		return (',' == r) || (' ' == r) || ('\t' == r)
	}) {
		values = append(values, value)
	}
	return
}

// splitAssignment splits "<name> = <values>" (or ':' in place of '=')
func splitAssignment(line string) (name string, values ConfMapOption, err error) {
	var (
		index int
	)

	index = strings.IndexAny(line, "=:")
	if 0 > index {
		err = fmt.Errorf("missing '=' or ':' in \"%v\"", line)
		return
	}

	name = strings.TrimSpace(line[:index])
	values = splitValues(line[index+1:])

	err = nil
	return
}

func (confMap ConfMap) setOption(sectionName string, optionName string, values ConfMapOption) {
	section, found := confMap[sectionName]
	if !found {
		section = make(ConfMapSection)
		confMap[sectionName] = section
	}
	section[optionName] = values
}

// UpdateFromString modifies a pre-existing ConfMap based on an update
// specified in confString (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromString(confString string) (err error) {
	var (
		dotIndex    int
		optionName  string
		sectionName string
		trimmed     string
		values      ConfMapOption
	)

	trimmed = strings.TrimSpace(confString)
	if 0 == len(trimmed) {
		err = fmt.Errorf("trimmed confString: \"%v\" was found to be empty", confString)
		return
	}

	dotIndex = strings.Index(trimmed, ".")
	if 0 > dotIndex {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	sectionName = trimmed[:dotIndex]

	// Section names may contain ':' so the assignment search starts after the '.'
	optionName, values, err = splitAssignment(trimmed[dotIndex+1:])
	if nil != err {
		err = fmt.Errorf("malformed confString: \"%v\" (%v)", confString, err)
		return
	}

	if !validName(sectionName) || !validName(optionName) {
		err = fmt.Errorf("malformed confString: \"%v\"", confString)
		return
	}

	confMap.setOption(sectionName, optionName, values)

	err = nil
	return
}

// UpdateFromStrings modifies a pre-existing ConfMap based on an update
// specified in confStrings (e.g., from an extra command-line argument)
func (confMap ConfMap) UpdateFromStrings(confStrings []string) (err error) {
	for _, confString := range confStrings {
		err = confMap.UpdateFromString(confString)
		if nil != err {
			return
		}
	}
	err = nil
	return
}

// UpdateFromFile modifies a pre-existing ConfMap based on updates specified in confFilePath
// ("-" means os.Stdin)
func (confMap ConfMap) UpdateFromFile(confFilePath string) (err error) {
	var (
		confFileBytes      []byte
		currentSectionName string
		line               string
		lineNumber         int
		optionName         string
		values             ConfMapOption
	)

	if "-" == confFilePath {
		confFileBytes, err = ioutil.ReadAll(os.Stdin)
	} else {
		confFileBytes, err = ioutil.ReadFile(confFilePath)
	}
	if nil != err {
		return
	}

	for lineNumber, line = range strings.Split(string(confFileBytes), "\n") {
		line = strings.SplitN(line, ";", 2)[0]
		line = strings.SplitN(line, "#", 2)[0]
		line = strings.TrimSpace(line)

		if 0 == len(line) {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				err = fmt.Errorf("file %v line %d malformed section header '%v'", confFilePath, lineNumber+1, line)
				return
			}
			currentSectionName = strings.TrimSpace(line[1 : len(line)-1])
			if !validName(currentSectionName) {
				err = fmt.Errorf("file %v line %d invalid section name '%v'", confFilePath, lineNumber+1, currentSectionName)
				return
			}
			continue
		}

		if "" == currentSectionName {
			err = fmt.Errorf("file %v did not start with a Section Name", confFilePath)
			return
		}

		optionName, values, err = splitAssignment(line)
		if (nil != err) || !validName(optionName) {
			err = fmt.Errorf("file %v malformed line %d '%v'", confFilePath, lineNumber+1, line)
			return
		}

		confMap.setOption(currentSectionName, optionName, values)
	}

	err = nil
	return
}

// VerifyOptionIsMissing returns an error if [sectionName]optionName exists
func (confMap ConfMap) VerifyOptionIsMissing(sectionName string, optionName string) (err error) {
	section, ok := confMap[sectionName]
	if !ok {
		err = nil
		return
	}

	_, ok = section[optionName]
	if ok {
		err = fmt.Errorf("[%v]%v exists", sectionName, optionName)
	} else {
		err = nil
	}

	return
}

// VerifyOptionValueIsEmpty returns an error if [sectionName]optionName's string value is not empty
func (confMap ConfMap) VerifyOptionValueIsEmpty(sectionName string, optionName string) (err error) {
	optionValue, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 0 != len(optionValue) {
		err = fmt.Errorf("[%v]%v must have no value", sectionName, optionName)
	}

	return
}

// FetchOptionValueStringSlice returns [sectionName]optionName's string values as a []string
func (confMap ConfMap) FetchOptionValueStringSlice(sectionName string, optionName string) (optionValue []string, err error) {
	optionValue = []string{}

	section, ok := confMap[sectionName]
	if !ok {
		err = fmt.Errorf("[%v] missing", sectionName)
		return
	}

	option, ok := section[optionName]
	if !ok {
		err = fmt.Errorf("[%v]%v missing", sectionName, optionName)
		return
	}

	optionValue = option

	return
}

// FetchOptionValueString returns [sectionName]optionName's single string value
func (confMap ConfMap) FetchOptionValueString(sectionName string, optionName string) (optionValue string, err error) {
	optionValueSlice, err := confMap.FetchOptionValueStringSlice(sectionName, optionName)
	if nil != err {
		return
	}

	if 1 != len(optionValueSlice) {
		err = fmt.Errorf("[%v]%v must be single-valued", sectionName, optionName)
		return
	}

	optionValue = optionValueSlice[0]

	return
}

// FetchOptionValueBool returns [sectionName]optionName's single string value converted to a bool
func (confMap ConfMap) FetchOptionValueBool(sectionName string, optionName string) (optionValue bool, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	switch strings.ToLower(optionValueString) {
	case "yes", "on", "true":
		optionValue = true
	case "no", "off", "false":
		optionValue = false
	default:
		err = fmt.Errorf("[%v]%v must be true or false (got \"%v\")", sectionName, optionName, optionValueString)
	}

	return
}

// FetchOptionValueUint32 returns [sectionName]optionName's single string value converted to a uint32
func (confMap ConfMap) FetchOptionValueUint32(sectionName string, optionName string) (optionValue uint32, err error) {
	optionValueUint64, err := confMap.fetchOptionValueUint(sectionName, optionName, 32)
	if nil == err {
		optionValue = uint32(optionValueUint64)
	}
	return
}

// FetchOptionValueUint64 returns [sectionName]optionName's single string value converted to a uint64
func (confMap ConfMap) FetchOptionValueUint64(sectionName string, optionName string) (optionValue uint64, err error) {
	optionValue, err = confMap.fetchOptionValueUint(sectionName, optionName, 64)
	return
}

func (confMap ConfMap) fetchOptionValueUint(sectionName string, optionName string, bitSize int) (optionValue uint64, err error) {
	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	optionValue, err = strconv.ParseUint(optionValueString, 10, bitSize)
	if nil != err {
		err = fmt.Errorf("[%v]%v must be a uint%d (got \"%v\")", sectionName, optionName, bitSize, optionValueString)
	}

	return
}

// FetchOptionValueDuration returns [sectionName]optionName's single string value converted to a time.Duration
//
// A value with no unit suffix is taken to be in seconds.
//
func (confMap ConfMap) FetchOptionValueDuration(sectionName string, optionName string) (optionValue time.Duration, err error) {
	var (
		seconds float64
	)

	optionValueString, err := confMap.FetchOptionValueString(sectionName, optionName)
	if nil != err {
		return
	}

	seconds, err = strconv.ParseFloat(optionValueString, 64)
	if nil == err {
		optionValue = time.Duration(seconds * float64(time.Second))
		return
	}

	optionValue, err = time.ParseDuration(optionValueString)
	if nil != err {
		err = fmt.Errorf("[%v]%v must be a duration (got \"%v\")", sectionName, optionName, optionValueString)
		return
	}

	if 0 > optionValue {
		err = fmt.Errorf("[%v]%v must be non-negative (got \"%v\")", sectionName, optionName, optionValueString)
	}

	return
}

// SectionNamesWithPrefix returns the sorted names of every section starting with prefix
//
// Used to discover per-tag sections such as "RAMCache:<tag>".
//
func (confMap ConfMap) SectionNamesWithPrefix(prefix string) (sectionNames []string) {
	sectionNames = make([]string, 0)
	for sectionName := range confMap {
		if strings.HasPrefix(sectionName, prefix) {
			sectionNames = append(sectionNames, sectionName)
		}
	}
	sort.Strings(sectionNames)
	return
}

// DumpConfMapToFile writes confMap in .conf file form to confFilePath
func (confMap ConfMap) DumpConfMapToFile(confFilePath string, perm os.FileMode) (err error) {
	var (
		builder      strings.Builder
		optionNames  []string
		sectionNames []string
	)

	sectionNames = confMap.SectionNamesWithPrefix("")

	for i, sectionName := range sectionNames {
		if 0 < i {
			builder.WriteString("\n")
		}
		builder.WriteString("[" + sectionName + "]\n")
		optionNames = make([]string, 0, len(confMap[sectionName]))
		for optionName := range confMap[sectionName] {
			optionNames = append(optionNames, optionName)
		}
		sort.Strings(optionNames)
		for _, optionName := range optionNames {
			builder.WriteString(optionName + ": " + strings.Join(confMap[sectionName][optionName], ", ") + "\n")
		}
	}

	err = ioutil.WriteFile(confFilePath, []byte(builder.String()), perm)
	return
}
