// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package netplug

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/netplug/netplug/config"
	"github.com/kata-containers/netplug/netplug/firewall"
	"github.com/kata-containers/netplug/netplug/pkg/hash"
	"github.com/kata-containers/netplug/netplug/types"
	"github.com/kata-containers/netplug/pkg/nettrace"
)

// Teardown detaches a container namespace from its networks.
type Teardown struct {
	Backends
}

// NewTeardown returns a teardown working on the host.
func NewTeardown(cfg *config.Config) *Teardown {
	return &Teardown{Backends: NewBackends(cfg)}
}

// Exec validates the namespace at nsPath, reads the network options from
// optionsFile and tears every network down.
func (t *Teardown) Exec(ctx context.Context, nsPath, optionsFile string) error {
	span, ctx := nettrace.Trace(ctx, "teardown", "netns", nsPath)
	defer span.Finish()

	if err := validateNamespace(nsPath); err != nil {
		return err
	}

	opts, err := types.LoadNetworkOptions(optionsFile)
	if err != nil {
		return types.NewError(types.ConfigLoadFailure, "", err)
	}

	return t.Run(ctx, nsPath, opts)
}

// Run removes, network by network, the published ports, the devices and
// the network rules. Every network is attempted and the failures are
// returned together.
func (t *Teardown) Run(ctx context.Context, nsPath string, opts *types.NetworkOptions) error {
	span, ctx := nettrace.Trace(ctx, "run", "container", opts.ContainerID)
	defer span.Finish()

	if err := opts.Validate(); err != nil {
		return types.NewError(types.ConfigLoadFailure, "", err)
	}

	fw, err := t.firewallDriver()
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, name := range opts.NetworkInfo.Names() {
		def, _ := opts.NetworkInfo.Get(name)

		if err := t.teardownNetwork(ctx, fw, nsPath, opts, name, def); err != nil {
			netplugLog.WithError(err).WithField("network", name).Warn("network teardown incomplete")
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (t *Teardown) teardownNetwork(ctx context.Context, fw firewall.Driver, nsPath string, opts *types.NetworkOptions,
	name string, def types.NetworkDefinition) error {
	span, _ := nettrace.Trace(ctx, "teardownNetwork", "network", name)
	defer span.Finish()

	if def.Driver != types.BridgeDriver {
		return types.Errorf(types.UnsupportedDriver, name, "unknown network driver %q", def.Driver)
	}

	perNetwork, ok := opts.Networks[name]
	if !ok {
		return types.Errorf(types.MissingNetworkOptions, name, "network options for network %s not found", name)
	}

	token := hash.Token(name)
	logger := netplugLog.WithFields(logrus.Fields{
		"network":   name,
		"token":     token,
		"container": opts.ContainerID,
	})

	var result *multierror.Error

	if len(opts.PortMappings) > 0 {
		if err := fw.TeardownPortForward(def, opts.ContainerID, opts.PortMappings, name, token, perNetwork); err != nil {
			result = multierror.Append(result, types.NewError(types.FirewallRuleInstallFailure, name, err))
		}
	}

	removed, err := t.Provisioner.Teardown(nsPath, opts.ContainerID, name, def, perNetwork)
	if err != nil {
		result = multierror.Append(result, types.NewError(types.DeviceCreationFailure, name, err))
	}

	if err := fw.TeardownNetwork(def, token, removed); err != nil {
		result = multierror.Append(result, types.NewError(types.FirewallRuleInstallFailure, name, err))
	}

	logger.WithField("bridge-removed", removed).Debug("Teardown complete")

	return result.ErrorOrNil()
}
