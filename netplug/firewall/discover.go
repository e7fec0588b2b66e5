// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package firewall

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/kata-containers/netplug/netplug/types"
)

// NameAuto picks the first backend that works on the host.
const NameAuto = "auto"

var (
	newIptablesDriver = NewIptablesDriver
	newNftablesDriver = NewNftablesDriver
)

// Discover returns the backend called name, with its rule changes
// serialized by a lock file at lockPath. An empty name means NameAuto,
// which tries iptables first and then nftables.
func Discover(name, lockPath string) (Driver, error) {
	lock := NewLock(lockPath)

	switch name {
	case NameNone:
		return noneDriver{}, nil
	case NameIptables:
		return probe(name, newIptablesDriver, lock)
	case NameNftables:
		return probe(name, newNftablesDriver, lock)
	case NameAuto, "":
	default:
		return nil, types.Errorf(types.FirewallBackendUnavailable, "", "unknown firewall driver %q", name)
	}

	var result *multierror.Error
	for _, candidate := range []struct {
		name string
		open func(*Lock) (Driver, error)
	}{
		{NameIptables, newIptablesDriver},
		{NameNftables, newNftablesDriver},
	} {
		d, err := candidate.open(lock)
		if err == nil {
			fwLog.WithField("backend", candidate.name).Debug("firewall backend selected")
			return d, nil
		}
		result = multierror.Append(result, fmt.Errorf("%s: %s", candidate.name, err))
	}

	return nil, types.NewError(types.FirewallBackendUnavailable, "", result.ErrorOrNil())
}

func probe(name string, open func(*Lock) (Driver, error), lock *Lock) (Driver, error) {
	d, err := open(lock)
	if err != nil {
		return nil, types.Errorf(types.FirewallBackendUnavailable, "", "%s backend unavailable: %s", name, err)
	}
	return d, nil
}
