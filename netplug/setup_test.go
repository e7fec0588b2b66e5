// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package netplug

import (
	"bytes"
	"context"
	"encoding/json"
	"io/ioutil"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containernetworking/plugins/pkg/ns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kata-containers/netplug/netplug/bridge/bridgetest"
	"github.com/kata-containers/netplug/netplug/firewall"
	"github.com/kata-containers/netplug/netplug/pkg/hash"
	"github.com/kata-containers/netplug/netplug/types"
)

const (
	testNSPath      = "/var/run/netns/test"
	testContainerID = "f3a1c0ffee00"
)

type harness struct {
	world  *bridgetest.World
	nsFd   int
	rec    *recorder
	driver *MockDriver
	sysctl *fakeSysctl
}

func newHarness() *harness {
	rec := &recorder{}

	w := bridgetest.NewWorld()
	fd := w.AddNamespace(testNSPath)

	d := &MockDriver{rec: rec}
	d.On("SetupNetwork", mock.Anything, mock.Anything).Return(nil)
	d.On("SetupPortForward", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	d.On("TeardownNetwork", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	d.On("TeardownPortForward", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	return &harness{
		world:  w,
		nsFd:   fd,
		rec:    rec,
		driver: d,
		sysctl: &fakeSysctl{rec: rec, values: make(map[string]string)},
	}
}

func (h *harness) backends() Backends {
	return Backends{
		Provisioner: &recordingProvisioner{Provisioner: h.world.Provisioner(), rec: h.rec},
		Sysctl:      h.sysctl,
		Firewall:    h.driver,
	}
}

func (h *harness) setup() *Setup {
	return &Setup{Backends: h.backends()}
}

func (h *harness) hostLinks() []string {
	var names []string
	for name := range h.world.NS(bridgetest.HostNS).Links {
		names = append(names, name)
	}
	return names
}

func bridgeNetwork(name, iface, subnet string) types.NetworkDefinition {
	return types.NetworkDefinition{
		Name:             name,
		ID:               hash.Token(name),
		Driver:           types.BridgeDriver,
		NetworkInterface: iface,
		Subnets:          []types.Subnet{{Subnet: subnet}},
	}
}

func testOptions(defs ...types.NetworkDefinition) *types.NetworkOptions {
	opts := &types.NetworkOptions{
		ContainerID:   testContainerID,
		ContainerName: "web",
		Networks:      make(map[string]types.PerNetworkOptions),
	}

	for i, def := range defs {
		opts.NetworkInfo.Add(def.Name, def)
		opts.Networks[def.Name] = types.PerNetworkOptions{InterfaceName: "eth" + string(rune('0'+i))}
	}

	return opts
}

func stubNamespace(t *testing.T, err error) {
	saved := getNS
	getNS = func(path string) (ns.NetNS, error) {
		if err != nil {
			return nil, err
		}
		return &fakeNetNS{path: path}, nil
	}
	t.Cleanup(func() { getNS = saved })
}

func TestSetupSingleNetwork(t *testing.T) {
	assert := assert.New(t)

	h := newHarness()
	opts := testOptions(bridgeNetwork("alpha", "alpha0", "10.0.0.0/24"))

	response, err := h.setup().Run(context.Background(), testNSPath, opts)
	require.NoError(t, err)
	require.Len(t, response, 1)

	status, ok := response["alpha"]
	require.True(t, ok)
	require.Len(t, status.Interfaces, 1)

	iface := status.Interfaces[0]
	assert.Equal("eth0", iface.Name)
	assert.NotEmpty(iface.MacAddress)
	require.Len(t, iface.Subnets, 1)

	addr, subnet, err := net.ParseCIDR(iface.Subnets[0].IPNet)
	require.NoError(t, err)
	assert.Equal("10.0.0.0/24", subnet.String())
	assert.False(addr.Equal(net.ParseIP("10.0.0.1")))
	assert.Equal("10.0.0.1", iface.Subnets[0].Gateway.String())

	assert.Equal("1", h.sysctl.values[ipForwardKey])
	h.driver.AssertCalled(t, "SetupNetwork", mock.Anything, hash.Token("alpha"))
	h.driver.AssertNumberOfCalls(t, "SetupPortForward", 0)

	var buf bytes.Buffer
	require.NoError(t, Emit(&buf, response))
	assert.Equal(1, strings.Count(buf.String(), "\n"))
	assert.True(strings.HasSuffix(buf.String(), "\n"))

	var decoded map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal([]interface{}{}, decoded["alpha"]["dns_server_ips"])
	assert.Equal([]interface{}{}, decoded["alpha"]["dns_search_domains"])
}

func TestSetupPortForward(t *testing.T) {
	assert := assert.New(t)

	h := newHarness()
	opts := testOptions(bridgeNetwork("alpha", "alpha0", "10.0.0.0/24"))
	opts.PortMappings = []types.PortMapping{{HostPort: 8080, ContainerPort: 80, Protocol: "tcp"}}

	response, err := h.setup().Run(context.Background(), testNSPath, opts)
	require.NoError(t, err)

	assert.Equal([]string{
		"sysctl " + ipForwardKey,
		"Provision alpha",
		"SetupNetwork alpha",
		"sysctl net.ipv4.conf.alpha0.route_localnet",
		"SetupPortForward alpha",
	}, h.rec.events)

	var args mock.Arguments
	for _, call := range h.driver.Calls {
		if call.Method == "SetupPortForward" {
			args = call.Arguments
		}
	}
	require.Len(t, args, 6)

	assert.Equal(testContainerID, args.String(1))
	ports := args.Get(2).([]types.PortMapping)
	require.Len(t, ports, 1)
	assert.Equal(uint16(8080), ports[0].HostPort)
	assert.Equal(uint16(80), ports[0].ContainerPort)
	assert.Equal("alpha", args.String(3))
	assert.Equal(hash.Token("alpha"), args.String(4))

	perNetwork := args.Get(5).(types.PerNetworkOptions)
	alphaStatus := response["alpha"]
	assigned := alphaStatus.AssignedIPs()
	require.Len(t, assigned, 1)
	require.Len(t, perNetwork.StaticIPs, 1)
	assert.True(assigned[0].Equal(perNetwork.StaticIPs[0]))
}

func TestSetupUnsupportedDriver(t *testing.T) {
	assert := assert.New(t)

	h := newHarness()
	def := bridgeNetwork("alpha", "alpha0", "10.0.0.0/24")
	def.Driver = "macvlan"

	response, err := h.setup().Run(context.Background(), testNSPath, testOptions(def))
	assert.Error(err)
	assert.Nil(response)
	assert.Equal(types.UnsupportedDriver, types.KindOf(err))

	assert.Equal([]string{"lo"}, h.hostLinks())
	assert.NotContains(h.rec.events, "Provision alpha")
	h.driver.AssertNumberOfCalls(t, "SetupNetwork", 0)
}

func TestSetupStopsAtFirstFailure(t *testing.T) {
	assert := assert.New(t)

	h := newHarness()
	opts := testOptions(
		bridgeNetwork("alpha", "alpha0", "10.0.0.0/24"),
		bridgeNetwork("beta", "beta0", "10.1.0.0/33"),
	)

	response, err := h.setup().Run(context.Background(), testNSPath, opts)
	assert.Error(err)
	assert.Nil(response)
	assert.Equal(types.AddressingFailure, types.KindOf(err))
	assert.True(types.KindOf(err).IsDeviceProvisioning())

	// the first network is left configured
	links := h.world.NS(bridgetest.HostNS).Links
	assert.Contains(links, "alpha0")
	assert.Contains(links, hash.VethName(testContainerID, "alpha"))
	assert.NotContains(links, "beta0")

	assert.Equal([]string{
		"sysctl " + ipForwardKey,
		"Provision alpha",
		"SetupNetwork alpha",
		"Provision beta",
	}, h.rec.events)
}

func TestSetupInputOrder(t *testing.T) {
	h := newHarness()
	opts := testOptions(
		bridgeNetwork("zulu", "zulu0", "10.2.0.0/24"),
		bridgeNetwork("alpha", "alpha0", "10.0.0.0/24"),
	)

	response, err := h.setup().Run(context.Background(), testNSPath, opts)
	require.NoError(t, err)
	assert.Len(t, response, 2)

	assert.Equal(t, []string{
		"sysctl " + ipForwardKey,
		"Provision zulu",
		"SetupNetwork zulu",
		"Provision alpha",
		"SetupNetwork alpha",
	}, h.rec.events)
}

func TestSetupUnnamedNetworksGetOwnBridge(t *testing.T) {
	assert := assert.New(t)

	opts, err := types.ParseNetworkOptions(strings.NewReader(`{
		"container_id": "f3a1c0ffee00",
		"networks": {"alpha": {"interface_name": "eth0"}, "beta": {"interface_name": "eth1"}},
		"network_info": {
			"alpha": {"driver": "bridge", "subnets": [{"subnet": "10.0.0.0/24"}]},
			"beta": {"driver": "bridge", "subnets": [{"subnet": "10.1.0.0/24"}]}
		}
	}`))
	require.NoError(t, err)

	h := newHarness()
	_, err = h.setup().Run(context.Background(), testNSPath, opts)
	require.NoError(t, err)

	host := h.world.NS(bridgetest.HostNS)
	for network, gateway := range map[string]string{"alpha": "10.0.0.1/24", "beta": "10.1.0.1/24"} {
		br, ok := host.Links[hash.BridgeName(network)]
		require.True(t, ok, network)

		addrs := host.Addrs[br.Attrs().Index]
		require.Len(t, addrs, 1, network)
		assert.Equal(gateway, addrs[0].IPNet.String())
	}
}

func TestSetupMissingNetworkOptions(t *testing.T) {
	h := newHarness()
	opts := testOptions(bridgeNetwork("alpha", "alpha0", "10.0.0.0/24"))
	delete(opts.Networks, "alpha")

	_, err := h.setup().Run(context.Background(), testNSPath, opts)
	assert.Equal(t, types.MissingNetworkOptions, types.KindOf(err))
	assert.Equal(t, []string{"lo"}, h.hostLinks())
	h.driver.AssertNumberOfCalls(t, "SetupNetwork", 0)
}

func TestSetupSysctlFailure(t *testing.T) {
	h := newHarness()
	h.sysctl.err = assert.AnError

	_, err := h.setup().Run(context.Background(), testNSPath, testOptions(bridgeNetwork("alpha", "alpha0", "10.0.0.0/24")))
	assert.Equal(t, types.SysctlFailure, types.KindOf(err))
	assert.Equal(t, []string{"sysctl " + ipForwardKey}, h.rec.events)
	assert.Equal(t, []string{"lo"}, h.hostLinks())
}

func TestSetupFirewallRuleFailure(t *testing.T) {
	h := newHarness()
	h.driver = &MockDriver{rec: h.rec}
	h.driver.On("SetupNetwork", mock.Anything, mock.Anything).Return(assert.AnError)

	_, err := h.setup().Run(context.Background(), testNSPath, testOptions(bridgeNetwork("alpha", "alpha0", "10.0.0.0/24")))
	assert.Equal(t, types.FirewallRuleInstallFailure, types.KindOf(err))
	assert.Contains(t, err.Error(), "network alpha")
}

func TestSetupInvalidOptions(t *testing.T) {
	h := newHarness()
	opts := testOptions(bridgeNetwork("alpha", "alpha0", "10.0.0.0/24"))
	opts.ContainerID = ""

	_, err := h.setup().Run(context.Background(), testNSPath, opts)
	assert.Equal(t, types.ConfigLoadFailure, types.KindOf(err))
	assert.Empty(t, h.rec.events)
}

func TestSetupDiscoversFirewallOnce(t *testing.T) {
	assert := assert.New(t)

	h := newHarness()
	s := h.setup()
	s.Firewall = nil

	discovered := 0
	s.Discover = func() (firewall.Driver, error) {
		discovered++
		return h.driver, nil
	}

	opts := testOptions(bridgeNetwork("alpha", "alpha0", "10.0.0.0/24"))
	_, err := s.Run(context.Background(), testNSPath, opts)
	require.NoError(t, err)

	opts.ContainerID = "second"
	h.world.AddNamespace("/var/run/netns/second")
	_, err = s.Run(context.Background(), "/var/run/netns/second", opts)
	require.NoError(t, err)

	assert.Equal(1, discovered)
}

func TestSetupFirewallUnavailable(t *testing.T) {
	h := newHarness()
	s := h.setup()
	s.Firewall = nil
	s.Discover = func() (firewall.Driver, error) {
		return nil, assert.AnError
	}

	_, err := s.Run(context.Background(), testNSPath, testOptions(bridgeNetwork("alpha", "alpha0", "10.0.0.0/24")))
	assert.Equal(t, types.FirewallBackendUnavailable, types.KindOf(err))
	assert.Empty(t, h.rec.events)
}

func writeOptions(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "options.json")
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0600))
	return path
}

const testOptionsJSON = `{
  "container_id": "f3a1c0ffee00",
  "container_name": "web",
  "networks": {"alpha": {"interface_name": "eth0"}},
  "network_info": {
    "alpha": {
      "name": "alpha",
      "id": "2f259bab93aaaaa2542ba43ef33eb990d0999ee1b9924b557b7be53c0b7a1bb9",
      "driver": "bridge",
      "network_interface": "alpha0",
      "subnets": [{"subnet": "10.0.0.0/24", "gateway": "10.0.0.1"}],
      "ipv6_enabled": false,
      "internal": false
    }
  }
}`

func TestExec(t *testing.T) {
	stubNamespace(t, nil)

	h := newHarness()
	response, err := h.setup().Exec(context.Background(), testNSPath, writeOptions(t, testOptionsJSON))
	require.NoError(t, err)
	assert.Contains(t, response, "alpha")
}

func TestExecInvalidNamespace(t *testing.T) {
	h := newHarness()
	optionsFile := filepath.Join(t.TempDir(), "missing.json")

	_, err := h.setup().Exec(context.Background(), "", optionsFile)
	assert.Equal(t, types.InvalidNamespace, types.KindOf(err))

	stubNamespace(t, assert.AnError)
	_, err = h.setup().Exec(context.Background(), testNSPath, optionsFile)
	assert.Equal(t, types.InvalidNamespace, types.KindOf(err))

	assert.Empty(t, h.rec.events)
}

func TestExecInvalidOptions(t *testing.T) {
	stubNamespace(t, nil)

	h := newHarness()
	for _, content := range []string{"", "{", `{"container_id": ""}`, `{"container_id": "a", "network_info": []}`} {
		_, err := h.setup().Exec(context.Background(), testNSPath, writeOptions(t, content))
		assert.Equal(t, types.ConfigLoadFailure, types.KindOf(err), content)
	}

	_, err := h.setup().Exec(context.Background(), testNSPath, filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, types.ConfigLoadFailure, types.KindOf(err))
	assert.Empty(t, h.rec.events)
}

func TestEmitEmptyResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Emit(&buf, map[string]types.StatusBlock{}))
	assert.Equal(t, "{}\n", buf.String())
}
