// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package firewall

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// Lock serializes rule table changes between processes on the host.
type Lock struct {
	path string
}

// NewLock returns a lock backed by the file at path.
func NewLock(path string) *Lock {
	return &Lock{path: path}
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.path
}

// Do runs fn while holding the lock. A nil lock runs fn directly.
func (l *Lock) Do(fn func() error) error {
	if l == nil || l.path == "" {
		return fn()
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return errors.Wrapf(err, "could not create lock directory for %s", l.path)
	}

	fileLock := flock.New(l.path)
	if err := fileLock.Lock(); err != nil {
		return errors.Wrapf(err, "could not lock %s", l.path)
	}
	defer fileLock.Unlock()

	return fn()
}
