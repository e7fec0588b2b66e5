// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package netplug

import (
	"fmt"

	"github.com/containernetworking/plugins/pkg/utils/sysctl"
)

const ipForwardKey = "net.ipv4.ip_forward"

// SysctlApplier writes kernel parameters.
type SysctlApplier interface {
	Apply(key, value string) error
}

type hostSysctl struct{}

// NewSysctlApplier returns an applier writing to /proc/sys.
func NewSysctlApplier() SysctlApplier {
	return hostSysctl{}
}

func (hostSysctl) Apply(key, value string) error {
	_, err := sysctl.Sysctl(key, value)
	return err
}

// routeLocalnetKey lets DNAT to a container work for connections made to
// a loopback address on the host.
func routeLocalnetKey(bridge string) string {
	return fmt.Sprintf("net.ipv4.conf.%s.route_localnet", bridge)
}
