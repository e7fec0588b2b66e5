// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package netplug

import (
	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/stretchr/testify/mock"

	"github.com/kata-containers/netplug/netplug/types"
)

// recorder keeps the order in which collaborators were called.
type recorder struct {
	events []string
}

func (r *recorder) add(event string) {
	r.events = append(r.events, event)
}

type MockDriver struct {
	mock.Mock
	rec *recorder
}

func (m *MockDriver) Name() string {
	return "mock"
}

func (m *MockDriver) SetupNetwork(def types.NetworkDefinition, token string) error {
	m.rec.add("SetupNetwork " + def.Name)
	return m.Called(def, token).Error(0)
}

func (m *MockDriver) SetupPortForward(def types.NetworkDefinition, containerID string, ports []types.PortMapping,
	network, token string, opts types.PerNetworkOptions) error {
	m.rec.add("SetupPortForward " + network)
	return m.Called(def, containerID, ports, network, token, opts).Error(0)
}

func (m *MockDriver) TeardownNetwork(def types.NetworkDefinition, token string, complete bool) error {
	m.rec.add("TeardownNetwork " + def.Name)
	return m.Called(def, token, complete).Error(0)
}

func (m *MockDriver) TeardownPortForward(def types.NetworkDefinition, containerID string, ports []types.PortMapping,
	network, token string, opts types.PerNetworkOptions) error {
	m.rec.add("TeardownPortForward " + network)
	return m.Called(def, containerID, ports, network, token, opts).Error(0)
}

type fakeSysctl struct {
	rec    *recorder
	values map[string]string
	err    error
}

func (s *fakeSysctl) Apply(key, value string) error {
	s.rec.add("sysctl " + key)
	if s.err != nil {
		return s.err
	}
	s.values[key] = value
	return nil
}

// recordingProvisioner logs the calls made to the wrapped provisioner.
type recordingProvisioner struct {
	Provisioner
	rec *recorder
}

func (p *recordingProvisioner) Provision(nsPath, containerID, network string, def types.NetworkDefinition,
	opts types.PerNetworkOptions, token string) (*types.StatusBlock, error) {
	p.rec.add("Provision " + network)
	return p.Provisioner.Provision(nsPath, containerID, network, def, opts, token)
}

func (p *recordingProvisioner) Teardown(nsPath, containerID, network string, def types.NetworkDefinition,
	opts types.PerNetworkOptions) (bool, error) {
	p.rec.add("Teardown " + network)
	return p.Provisioner.Teardown(nsPath, containerID, network, def, opts)
}

type fakeNetNS struct {
	path string
}

func (f *fakeNetNS) Do(toRun func(ns.NetNS) error) error {
	return toRun(f)
}

func (f *fakeNetNS) Set() error {
	return nil
}

func (f *fakeNetNS) Path() string {
	return f.path
}

func (f *fakeNetNS) Fd() uintptr {
	return 0
}

func (f *fakeNetNS) Close() error {
	return nil
}
