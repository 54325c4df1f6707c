// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/hydraulis/pkg/ml/train"
)

// CreateSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the parameters of cfg, and their current values as defaults.
//
// The flag should be created before the call to `flags.Parse()`.
//
// Example usage:
//
//	func main() {
//		cfg := train.DefaultConfig()
//		settings := commandline.CreateSettingsFlag(&cfg, "")
//		flag.Parse()
//		paramsSet, err := cfg.ApplySettings(*settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		fmt.Println(commandline.SprintModifiedSettings(&cfg, paramsSet))
//		...
//	}
func CreateSettingsFlag(cfg *train.Config, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts,
		`Set training parameters. `+
			`It should be a list of elements "param=value" separated by ";". `+
			`It can also be given an entry like: "file:settings_file.txt", in `+
			`which case the file will be read and the settings will be parsed, `+
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. `+
			`Current available parameters that can be set:`)
	for _, name := range cfg.ParamNames() {
		value, _ := cfg.Param(name)
		parts = append(parts, fmt.Sprintf("%q: default value is %v", name, value))
	}
	usage := strings.Join(parts, "\n")
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintModifiedSettings pretty-prints the values of the parameters set, as returned by
// train.Config.ApplySettings.
func SprintModifiedSettings(cfg *train.Config, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	var parts []string
	for _, name := range paramsSet {
		value, found := cfg.Param(name)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", name, value, value))
	}
	return strings.Join(parts, "\n")
}
