// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil has helpers for the paths given in flags and configuration files.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// FileExists returns whether path exists, or an error if it can't be checked.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to check whether %q exists", path)
}

// ReplaceTildeInDir replaces a leading "~" or "~user" by the home directory of the (current) user.
// Other paths are returned unchanged.
func ReplaceTildeInDir(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	name, rest, _ := strings.Cut(path[1:], "/")
	var (
		usr *user.User
		err error
	)
	if name == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(name)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to find the home directory for %q", path)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}
