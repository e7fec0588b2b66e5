// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package netplug

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/kata-containers/netplug/netplug/config"
	"github.com/kata-containers/netplug/netplug/firewall"
	"github.com/kata-containers/netplug/netplug/pkg/hash"
	"github.com/kata-containers/netplug/netplug/types"
	"github.com/kata-containers/netplug/pkg/nettrace"
)

// Setup attaches a container namespace to its networks.
type Setup struct {
	Backends
}

// NewSetup returns a setup working on the host.
func NewSetup(cfg *config.Config) *Setup {
	return &Setup{Backends: NewBackends(cfg)}
}

// Exec validates the namespace at nsPath, reads the network options from
// optionsFile ("-" for stdin) and sets up every network. The namespace is
// checked before the options are read.
func (s *Setup) Exec(ctx context.Context, nsPath, optionsFile string) (map[string]types.StatusBlock, error) {
	span, ctx := nettrace.Trace(ctx, "setup", "netns", nsPath)
	defer span.Finish()

	if err := validateNamespace(nsPath); err != nil {
		return nil, err
	}

	opts, err := types.LoadNetworkOptions(optionsFile)
	if err != nil {
		return nil, types.NewError(types.ConfigLoadFailure, "", err)
	}

	return s.Run(ctx, nsPath, opts)
}

// Run sets up the networks of opts in input order. The first failure
// stops the run; what was configured before it is left in place.
func (s *Setup) Run(ctx context.Context, nsPath string, opts *types.NetworkOptions) (map[string]types.StatusBlock, error) {
	span, ctx := nettrace.Trace(ctx, "run", "container", opts.ContainerID)
	defer span.Finish()

	if err := opts.Validate(); err != nil {
		return nil, types.NewError(types.ConfigLoadFailure, "", err)
	}

	logger := netplugLog.WithFields(logrus.Fields{
		"container": opts.ContainerID,
		"netns":     nsPath,
	})
	logger.WithField("networks", opts.NetworkInfo.Names()).Debug("Setting up networks")

	fw, err := s.firewallDriver()
	if err != nil {
		return nil, err
	}

	if err := s.applySysctl(ctx, ipForwardKey, "1", ""); err != nil {
		return nil, err
	}

	response := make(map[string]types.StatusBlock, opts.NetworkInfo.Len())

	for _, name := range opts.NetworkInfo.Names() {
		def, _ := opts.NetworkInfo.Get(name)

		status, err := s.setupNetwork(ctx, fw, nsPath, opts, name, def)
		if err != nil {
			logger.WithError(err).WithField("network", name).Error("network setup failed")
			return nil, err
		}

		response[name] = *status
	}

	logger.Debug("Setup complete")

	return response, nil
}

func (s *Setup) setupNetwork(ctx context.Context, fw firewall.Driver, nsPath string, opts *types.NetworkOptions,
	name string, def types.NetworkDefinition) (*types.StatusBlock, error) {
	span, _ := nettrace.Trace(ctx, "setupNetwork", "network", name, "driver", def.Driver)
	defer span.Finish()

	if def.Driver != types.BridgeDriver {
		return nil, types.Errorf(types.UnsupportedDriver, name, "unknown network driver %q", def.Driver)
	}

	perNetwork, ok := opts.Networks[name]
	if !ok {
		return nil, types.Errorf(types.MissingNetworkOptions, name, "network options for network %s not found", name)
	}

	token := hash.Token(name)

	netplugLog.WithFields(logrus.Fields{
		"network":  name,
		"token":    token,
		"firewall": fw.Name(),
	}).Debug("Setting up network")

	status, err := s.Provisioner.Provision(nsPath, opts.ContainerID, name, def, perNetwork, token)
	if err != nil {
		return nil, types.NewError(types.DeviceCreationFailure, name, err)
	}

	if err := fw.SetupNetwork(def, token); err != nil {
		return nil, types.NewError(types.FirewallRuleInstallFailure, name, err)
	}

	if len(opts.PortMappings) == 0 {
		return status, nil
	}

	if err := s.applySysctl(ctx, routeLocalnetKey(def.BridgeName()), "1", name); err != nil {
		return nil, err
	}

	perNetwork.StaticIPs = status.AssignedIPs()
	if err := fw.SetupPortForward(def, opts.ContainerID, opts.PortMappings, name, token, perNetwork); err != nil {
		return nil, types.NewError(types.FirewallRuleInstallFailure, name, err)
	}

	return status, nil
}

func (s *Setup) applySysctl(ctx context.Context, key, value, network string) error {
	span, _ := nettrace.Trace(ctx, "sysctl", "key", key)
	defer span.Finish()

	if err := s.Sysctl.Apply(key, value); err != nil {
		return types.Errorf(types.SysctlFailure, network, "Could not set %s to %s: %s", key, value, err)
	}
	return nil
}

// Emit writes the status of every network as one JSON line.
func Emit(w io.Writer, response map[string]types.StatusBlock) error {
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(data))
	return err
}
