// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil resolves the file system paths given in the command line.
package fsutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Exists returns whether the file or directory exists, or an error if something went wrong in the filesystem.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat %q", path)
}

// ExpandHome replaces a leading "~" (or "~user") by the user's home directory. Other paths are returned unchanged.
//
// It returns an error for an unknown user (e.g. `~unknown/...`).
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	userName, rest, _ := strings.Cut(path[1:], "/")
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for %q", path)
	}
	return filepath.Join(usr.HomeDir, rest), nil
}

// ExistingDir expands the home directory in path (see ExpandHome) and checks that it is a directory.
func ExistingDir(path string) (string, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "directory %q", path)
	}
	if !info.IsDir() {
		return "", errors.Errorf("%q is not a directory", path)
	}
	return path, nil
}
