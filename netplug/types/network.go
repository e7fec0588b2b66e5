// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"strings"

	"github.com/containernetworking/plugins/pkg/ip"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/kata-containers/netplug/netplug/pkg/hash"
)

// BridgeDriver is the only network driver supported by the plugin.
const BridgeDriver = "bridge"

// Introduces constants related to networking
const (
	DefaultInterfaceName = "eth0"
	DefaultPortRange     = 1
	ProtocolTCP          = "tcp"
	ProtocolUDP          = "udp"
)

// NetworkOptions is the complete request handed to setup and teardown.
type NetworkOptions struct {
	ContainerID   string                       `json:"container_id"`
	ContainerName string                       `json:"container_name"`
	PortMappings  []PortMapping                `json:"port_mappings,omitempty"`
	Networks      map[string]PerNetworkOptions `json:"networks"`
	NetworkInfo   NetworkDefinitions           `json:"network_info"`
}

// PerNetworkOptions holds what a container asks for on one network.
type PerNetworkOptions struct {
	InterfaceName string   `json:"interface_name"`
	StaticIPs     []net.IP `json:"static_ips,omitempty"`
	StaticMac     string   `json:"static_mac,omitempty"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Subnet is one address range of a network. Fields are kept as text and
// parsed when the network is provisioned, so that a bad subnet only fails
// the network that carries it.
type Subnet struct {
	Subnet  string `json:"subnet"`
	Gateway string `json:"gateway,omitempty"`
}

// NetworkDefinition describes one logical network.
type NetworkDefinition struct {
	Name             string            `json:"name"`
	ID               string            `json:"id"`
	Driver           string            `json:"driver"`
	NetworkInterface string            `json:"network_interface,omitempty"`
	Subnets          []Subnet          `json:"subnets,omitempty"`
	IPv6Enabled      bool              `json:"ipv6_enabled"`
	Internal         bool              `json:"internal"`
	Options          map[string]string `json:"options,omitempty"`
}

// BridgeOptions are the driver specific options of a bridge network.
type BridgeOptions struct {
	MTU     int  `mapstructure:"mtu"`
	Isolate bool `mapstructure:"isolate"`
}

// PortMapping publishes a container port on the host.
type PortMapping struct {
	HostIP        string `json:"host_ip,omitempty"`
	ContainerPort uint16 `json:"container_port"`
	HostPort      uint16 `json:"host_port"`
	Range         uint16 `json:"range,omitempty"`
	Protocol      string `json:"protocol"`
}

// IPNetwork is a parsed subnet together with its gateway.
type IPNetwork struct {
	Net     *net.IPNet
	Gateway net.IP
}

// BridgeName returns the bridge device backing the network. Without an
// explicit interface it is derived from the network name, which is also
// the key the identity token is hashed from.
func (n NetworkDefinition) BridgeName() string {
	if n.NetworkInterface != "" {
		return n.NetworkInterface
	}
	return hash.BridgeName(n.Name)
}

// BridgeOptions decodes the driver options. Isolation is on unless the
// options turn it off.
func (n NetworkDefinition) BridgeOptions() (BridgeOptions, error) {
	opts := BridgeOptions{Isolate: true}
	if len(n.Options) == 0 {
		return opts, nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}

	if err := decoder.Decode(n.Options); err != nil {
		return opts, errors.Wrapf(err, "invalid options for network %s", n.Name)
	}

	if opts.MTU < 0 {
		return opts, fmt.Errorf("invalid mtu %d for network %s", opts.MTU, n.Name)
	}

	return opts, nil
}

// IPNetworks parses the subnets of the network. A subnet without an
// explicit gateway uses its first host address.
func (n NetworkDefinition) IPNetworks() ([]IPNetwork, error) {
	if len(n.Subnets) == 0 {
		return nil, fmt.Errorf("network %s has no subnet", n.Name)
	}

	var nets []IPNetwork
	for _, s := range n.Subnets {
		_, ipNet, err := net.ParseCIDR(s.Subnet)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid subnet for network %s", n.Name)
		}

		var gw net.IP
		if s.Gateway != "" {
			gw = net.ParseIP(s.Gateway)
			if gw == nil {
				return nil, fmt.Errorf("invalid gateway %q for network %s", s.Gateway, n.Name)
			}
			if !ipNet.Contains(gw) {
				return nil, fmt.Errorf("gateway %s is outside subnet %s", gw, ipNet)
			}
		} else {
			gw = firstHost(ipNet)
		}

		nets = append(nets, IPNetwork{Net: ipNet, Gateway: normalizeIP(gw)})
	}

	return nets, nil
}

// Protocols splits the protocol list of a mapping.
func (p PortMapping) Protocols() ([]string, error) {
	var protocols []string
	for _, proto := range strings.Split(p.Protocol, ",") {
		proto = strings.ToLower(strings.TrimSpace(proto))
		switch proto {
		case ProtocolTCP, ProtocolUDP:
			protocols = append(protocols, proto)
		case "":
		default:
			return nil, fmt.Errorf("unsupported protocol %q", proto)
		}
	}

	if len(protocols) == 0 {
		return nil, fmt.Errorf("missing protocol for host port %d", p.HostPort)
	}
	return protocols, nil
}

// PortRange returns the number of consecutive ports the mapping covers.
func (p PortMapping) PortRange() uint16 {
	if p.Range == 0 {
		return DefaultPortRange
	}
	return p.Range
}

// InterfaceNameOrDefault returns the requested interface name, or eth0.
func (o PerNetworkOptions) InterfaceNameOrDefault() string {
	if o.InterfaceName == "" {
		return DefaultInterfaceName
	}
	return o.InterfaceName
}

// Validate checks the invariants of a request that do not depend on any
// single network.
func (o *NetworkOptions) Validate() error {
	if o.ContainerID == "" {
		return errors.New("missing container id")
	}

	for name := range o.Networks {
		if _, ok := o.NetworkInfo.Get(name); !ok {
			return fmt.Errorf("network %s has options but no definition", name)
		}
	}

	// The bridge and the firewall chains are both named from the key.
	for _, name := range o.NetworkInfo.Names() {
		def, _ := o.NetworkInfo.Get(name)
		if def.Name != name {
			return fmt.Errorf("network %s is named %q", name, def.Name)
		}
	}

	for _, p := range o.PortMappings {
		if p.HostPort == 0 || p.ContainerPort == 0 {
			return fmt.Errorf("invalid port mapping %d:%d", p.HostPort, p.ContainerPort)
		}
		if uint32(p.HostPort)+uint32(p.PortRange())-1 > 65535 ||
			uint32(p.ContainerPort)+uint32(p.PortRange())-1 > 65535 {
			return fmt.Errorf("port range of %d:%d exceeds 65535", p.HostPort, p.ContainerPort)
		}
		if _, err := p.Protocols(); err != nil {
			return err
		}
		if p.HostIP != "" && net.ParseIP(p.HostIP) == nil {
			return fmt.Errorf("invalid host ip %q", p.HostIP)
		}
	}

	return nil
}

// LoadNetworkOptions reads the request from a file, "-" meaning stdin.
func LoadNetworkOptions(path string) (*NetworkOptions, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	return ParseNetworkOptions(r)
}

// ParseNetworkOptions decodes and validates a request.
func ParseNetworkOptions(r io.Reader) (*NetworkOptions, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var opts NetworkOptions
	if err := json.Unmarshal(data, &opts); err != nil {
		return nil, errors.Wrap(err, "could not decode network options")
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}

	return &opts, nil
}

// NetworkDefinitions maps network names to definitions and remembers the
// order in which they were given, which is the provisioning order.
type NetworkDefinitions struct {
	names []string
	defs  map[string]NetworkDefinition
}

// Add appends a definition. Re-adding a name replaces it in place. A
// definition without a name takes the key it is stored under.
func (d *NetworkDefinitions) Add(name string, def NetworkDefinition) {
	if def.Name == "" {
		def.Name = name
	}
	if d.defs == nil {
		d.defs = make(map[string]NetworkDefinition)
	}
	if _, ok := d.defs[name]; !ok {
		d.names = append(d.names, name)
	}
	d.defs[name] = def
}

// Get returns the definition of a network.
func (d NetworkDefinitions) Get(name string) (NetworkDefinition, bool) {
	def, ok := d.defs[name]
	return def, ok
}

// Names returns the network names in input order.
func (d NetworkDefinitions) Names() []string {
	return append([]string(nil), d.names...)
}

// Len returns the number of networks.
func (d NetworkDefinitions) Len() int {
	return len(d.names)
}

// UnmarshalJSON decodes a JSON object while keeping its key order.
func (d *NetworkDefinitions) UnmarshalJSON(b []byte) error {
	d.names = nil
	d.defs = nil

	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("network_info must be an object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v in network_info", tok)
		}

		var def NetworkDefinition
		if err := dec.Decode(&def); err != nil {
			return errors.Wrapf(err, "could not decode network %s", name)
		}

		if _, dup := d.defs[name]; dup {
			return fmt.Errorf("network %s defined twice", name)
		}
		if def.Name != "" && def.Name != name {
			return fmt.Errorf("network %s is named %q", name, def.Name)
		}
		d.Add(name, def)
	}

	_, err = dec.Token()
	return err
}

// MarshalJSON encodes the definitions in input order.
func (d NetworkDefinitions) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range d.names {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(d.defs[name])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func normalizeIP(addr net.IP) net.IP {
	if v4 := addr.To4(); v4 != nil {
		return v4
	}
	return addr
}

func firstHost(n *net.IPNet) net.IP {
	return ip.NextIP(normalizeIP(n.IP.Mask(n.Mask)))
}
