// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package rootless detects whether the plugin runs in a user namespace
// whose root is mapped to an unprivileged host user. Host wide state such
// as lock files then lives under that user's runtime directory.
package rootless

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	uidMapPath = "/proc/self/uid_map"

	isRootless bool
	hostUID    int
	runtimeDir string
)

// parseUIDMap reports whether uid 0 is mapped to a non root host uid,
// and which one.
func parseUIDMap(r io.Reader) (bool, int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ids := strings.Fields(scanner.Text())
		if len(ids) < 3 {
			continue
		}
		if ids[0] != "0" || ids[1] == "0" {
			continue
		}

		uid, err := strconv.Atoi(ids[1])
		if err != nil {
			return false, 0, errors.Wrapf(err, "invalid uid mapping %q", scanner.Text())
		}
		return true, uid, nil
	}

	return false, 0, scanner.Err()
}

// Detect reads the uid mapping of the process. It should be called once,
// before the configuration is loaded.
func Detect() error {
	file, err := os.Open(uidMapPath)
	if err != nil {
		return err
	}
	defer file.Close()

	mapped, uid, err := parseUIDMap(file)
	if err != nil {
		return err
	}

	isRootless = mapped
	hostUID = uid
	runtimeDir = ""

	if !isRootless {
		return nil
	}

	runtimeDir = os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", hostUID)
	}

	return nil
}

// IsRootless states whether the plugin runs rootless.
func IsRootless() bool {
	return isRootless
}

// RuntimeDir returns the runtime directory of the rootless user, or an
// empty string when not running rootless.
func RuntimeDir() string {
	return runtimeDir
}
