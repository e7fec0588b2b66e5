// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package netplug drives the setup and teardown of the networks of a
// container: devices first, then firewall rules, one network at a time in
// the order they were given.
package netplug

import (
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/netplug/netplug/bridge"
	"github.com/kata-containers/netplug/netplug/config"
	"github.com/kata-containers/netplug/netplug/firewall"
	"github.com/kata-containers/netplug/netplug/types"
	"github.com/kata-containers/netplug/pkg/nettrace"
)

var netplugLog = logrus.WithField("source", "netplug")

// SetLogger sets the logger used by netplug and the packages it drives.
func SetLogger(logger *logrus.Entry) {
	fields := netplugLog.Data
	netplugLog = logger.WithFields(fields)

	bridge.SetLogger(logger)
	firewall.SetLogger(logger)
	nettrace.SetLogger(logger)
}

// Provisioner creates and removes the devices of a network.
type Provisioner interface {
	Provision(nsPath, containerID, network string, def types.NetworkDefinition,
		opts types.PerNetworkOptions, token string) (*types.StatusBlock, error)
	Teardown(nsPath, containerID, network string, def types.NetworkDefinition,
		opts types.PerNetworkOptions) (bool, error)
}

// Backends groups the collaborators shared by setup and teardown.
type Backends struct {
	Provisioner Provisioner
	Sysctl      SysctlApplier

	// Firewall is the rule backend. When nil it is resolved with
	// Discover on first use.
	Firewall firewall.Driver
	Discover func() (firewall.Driver, error)
}

// NewBackends returns the host backends selected by cfg.
func NewBackends(cfg *config.Config) Backends {
	return Backends{
		Provisioner: bridge.NewProvisioner(),
		Sysctl:      NewSysctlApplier(),
		Discover: func() (firewall.Driver, error) {
			return firewall.Discover(cfg.Firewall.Driver, cfg.Firewall.LockPath)
		},
	}
}

func (b *Backends) firewallDriver() (firewall.Driver, error) {
	if b.Firewall != nil {
		return b.Firewall, nil
	}

	if b.Discover == nil {
		return nil, types.Errorf(types.FirewallBackendUnavailable, "", "no firewall backend configured")
	}

	driver, err := b.Discover()
	if err != nil {
		return nil, types.NewError(types.FirewallBackendUnavailable, "", err)
	}

	netplugLog.WithField("firewall", driver.Name()).Debug("firewall backend resolved")
	b.Firewall = driver

	return driver, nil
}
