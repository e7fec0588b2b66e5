// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package netplug

import (
	"github.com/containernetworking/plugins/pkg/ns"

	"github.com/kata-containers/netplug/netplug/types"
)

// getNS is replaced in tests.
var getNS = ns.GetNS

// validateNamespace checks that nsPath names a network namespace.
func validateNamespace(nsPath string) error {
	if nsPath == "" {
		return types.Errorf(types.InvalidNamespace, "", "missing network namespace path")
	}

	netNS, err := getNS(nsPath)
	if err != nil {
		return types.Errorf(types.InvalidNamespace, "", "Could not open network namespace %s: %s", nsPath, err)
	}

	return netNS.Close()
}
