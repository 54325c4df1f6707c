// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/hydraulis/pkg/support/fsutil"
	"github.com/gomlx/hydraulis/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Params returns a pointer to each configuration field, by setting name.
func (c *Config) Params() map[string]any {
	return map[string]any{
		"strategy_pool":           &c.StrategyPool,
		"multi_cp_tp_pp_list":     &c.MultiStrategies,
		"ngpus":                   &c.NumGPUs,
		"gpus_per_node":           &c.GPUsPerNode,
		"num_hidden_layers":       &c.NumLayers,
		"batching_method":         &c.BatchingMethod,
		"max_seq_len":             &c.MaxSeqLen,
		"alignment":               &c.Alignment,
		"padding":                 &c.Padding,
		"global_batch_size":       &c.GlobalBatchSize,
		"global_token_num":        &c.GlobalTokenNum,
		"fake_seqlens":            &c.FakeSeqLens,
		"json_file":               &c.JSONFile,
		"json_key":                &c.JSONKey,
		"pad_id":                  &c.PadID,
		"epochs":                  &c.Epochs,
		"steps":                   &c.Steps,
		"begin_step":              &c.BeginStep,
		"warm_up":                 &c.WarmUp,
		"compute_only":            &c.ComputeOnly,
		"local_search_iterations": &c.LocalSearchIterations,
		"parallelism":             &c.Parallelism,
		"plan_cache_size":         &c.PlanCacheSize,
	}
}

// Param returns the current value of the named setting.
func (c *Config) Param(name string) (value any, found bool) {
	ptr, found := c.Params()[name]
	if !found {
		return nil, false
	}
	return deref(ptr), true
}

// ParamNames returns the names of the settings, sorted.
func (c *Config) ParamNames() []string {
	names := make([]string, 0, len(c.Params()))
	for name := range c.Params() {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ApplySettings parses settings and updates the configuration accordingly. The settings are a list
// separated by ";": e.g.: "ngpus=16;batching_method=3;...". It returns the names of the settings changed.
//
// An entry "file:<path>" reads settings from a file, with new-lines working as ";" and lines starting
// with "#" taken as comments.
//
// For integer values "_" is removed, so large numbers can be written as 1_000_000. Lists of integers
// are separated by ",", optionally within brackets.
func (c *Config) ApplySettings(settings string) (paramsSet []string, err error) {
	params := c.Params()
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = applySetting(params, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func applySetting(params map[string]any, setting string, paramsSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath, err := fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return paramsSet, err
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, s := range strings.Split(line, ";") {
				paramsSet, err = applySetting(params, s, paramsSet)
				if err != nil {
					return paramsSet, err
				}
			}
		}
		return paramsSet, nil
	}

	name, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return paramsSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
	}
	name, valueStr = strings.TrimSpace(name), strings.TrimSpace(valueStr)
	ptr, known := params[name]
	if !known {
		return paramsSet, errors.Errorf("unknown setting %q", name)
	}
	var err error
	switch p := ptr.(type) {
	case *int:
		err = json.Unmarshal([]byte(strings.ReplaceAll(valueStr, "_", "")), p)
	case *float64:
		err = json.Unmarshal([]byte(valueStr), p)
	case *bool:
		switch valueStr {
		case "0":
			*p = false
		case "1":
			*p = true
		default:
			err = json.Unmarshal([]byte(valueStr), p)
		}
	case *string:
		*p = valueStr
	case *[]int:
		var values []int
		values, err = xslices.ParseInts(valueStr)
		if err == nil {
			*p = values
		}
	default:
		err = fmt.Errorf("don't know how to parse type %T", ptr)
	}
	if err != nil {
		return paramsSet, errors.Wrapf(err, "failed to parse value %q for setting %q", valueStr, name)
	}
	return append(paramsSet, name), nil
}

// String pretty-prints the settings.
func (c *Config) String() string {
	params := c.Params()
	parts := make([]string, 0, len(params))
	for _, name := range c.ParamNames() {
		parts = append(parts, fmt.Sprintf("\t%q: %v", name, deref(params[name])))
	}
	return strings.Join(parts, "\n")
}

func deref(ptr any) any {
	switch p := ptr.(type) {
	case *int:
		return *p
	case *float64:
		return *p
	case *bool:
		return *p
	case *string:
		return *p
	case *[]int:
		return *p
	}
	return ptr
}
