// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package firewall

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/netplug/netplug/pkg/hash"
	"github.com/kata-containers/netplug/netplug/types"
)

const (
	tableNAT    = "nat"
	tableFilter = "filter"

	chainPostrouting = "POSTROUTING"
	chainPrerouting  = "PREROUTING"
	chainOutput      = "OUTPUT"
	chainForward     = "FORWARD"

	natChainPrefix  = "KATA-"
	dnatChainPrefix = "KATA-DN-"

	forwardChain         = "KATA-FORWARD"
	isolation1Chain      = "KATA-ISOLATION-1"
	isolation2Chain      = "KATA-ISOLATION-2"
	hostportDNATChain    = "KATA-HOSTPORT-DNAT"
	hostportSetmarkChain = "KATA-HOSTPORT-SETMARK"
	hostportMasqChain    = "KATA-HOSTPORT-MASQ"

	hostportMark = "0x2000/0x2000"

	multicastV4 = "224.0.0.0/4"
	multicastV6 = "ff00::/8"
)

// iptablesRunner is the part of *iptables.IPTables the backend uses.
type iptablesRunner interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Append(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	List(table, chain string) ([]string, error)
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
}

type iptablesDriver struct {
	lock *Lock
	ipv4 iptablesRunner
	ipv6 iptablesRunner
}

// NewIptablesDriver returns the iptables backend. IPv6 support is optional.
func NewIptablesDriver(lock *Lock) (Driver, error) {
	ipv4, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("Could not initialize iptables: %s", err)
	}

	// Probe the binary, New only looks it up.
	if _, err := ipv4.ListChains(tableFilter); err != nil {
		return nil, fmt.Errorf("iptables is not usable: %s", err)
	}

	d := &iptablesDriver{lock: lock, ipv4: ipv4}

	ipv6, err := iptables.NewWithProtocol(iptables.ProtocolIPv6)
	if err != nil {
		fwLog.WithError(err).Warn("ip6tables not available, IPv6 subnets will fail")
	} else {
		d.ipv6 = ipv6
	}

	return d, nil
}

func (d *iptablesDriver) Name() string {
	return NameIptables
}

func (d *iptablesDriver) runnerFor(addr net.IP) (iptablesRunner, error) {
	if isIPv4(addr) {
		return d.ipv4, nil
	}
	if d.ipv6 == nil {
		return nil, fmt.Errorf("ip6tables is not available for %s", addr)
	}
	return d.ipv6, nil
}

// familyGroup holds the subnets of one address family and its runner.
type familyGroup struct {
	runner iptablesRunner
	ipv4   bool
	nets   []types.IPNetwork
}

func (d *iptablesDriver) groupByFamily(nets []types.IPNetwork) ([]*familyGroup, error) {
	var groups []*familyGroup
	for _, n := range nets {
		r, err := d.runnerFor(n.Net.IP)
		if err != nil {
			return nil, err
		}

		var group *familyGroup
		for _, g := range groups {
			if g.ipv4 == isIPv4(n.Net.IP) {
				group = g
			}
		}
		if group == nil {
			group = &familyGroup{runner: r, ipv4: isIPv4(n.Net.IP)}
			groups = append(groups, group)
		}
		group.nets = append(group.nets, n)
	}
	return groups, nil
}

func (d *iptablesDriver) SetupNetwork(def types.NetworkDefinition, token string) error {
	nets, err := def.IPNetworks()
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
	}

	brOpts, err := def.BridgeOptions()
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
	}

	groups, err := d.groupByFamily(nets)
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
	}

	fwLog.WithFields(logrus.Fields{
		"network": def.Name,
		"token":   token,
		"backend": NameIptables,
	}).Debug("installing network rules")

	err = d.lock.Do(func() error {
		for _, g := range groups {
			if err := setupNetworkFamily(g, def, token, brOpts.Isolate); err != nil {
				return err
			}
		}
		return nil
	})

	return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
}

func setupNetworkFamily(g *familyGroup, def types.NetworkDefinition, token string, isolate bool) error {
	r := g.runner
	comment := networkComment(token)
	natChain := hash.ChainName(natChainPrefix, token)
	bridge := def.BridgeName()

	for _, c := range []string{forwardChain, isolation1Chain, isolation2Chain} {
		if err := ensureChain(r, tableFilter, c); err != nil {
			return err
		}
	}
	if err := ensureForwardJumps(r); err != nil {
		return err
	}

	for _, c := range []string{forwardChain, isolation1Chain, isolation2Chain} {
		if err := removeTagged(r, tableFilter, c, exactComment(comment)); err != nil {
			return err
		}
	}
	if err := removeTagged(r, tableNAT, chainPostrouting, exactComment(comment)); err != nil {
		return err
	}

	multicast := multicastV4
	if !g.ipv4 {
		multicast = multicastV6
	}

	if !def.Internal {
		if err := r.ClearChain(tableNAT, natChain); err != nil {
			return fmt.Errorf("Could not create chain %s: %s", natChain, err)
		}

		for _, n := range g.nets {
			subnet := n.Net.String()
			rules := []struct {
				table, chain string
				spec         []string
			}{
				{tableNAT, natChain, withComment(comment, "-d", subnet, "-j", "ACCEPT")},
				{tableNAT, natChain, withComment(comment, "!", "-d", multicast, "-j", "MASQUERADE")},
				{tableNAT, chainPostrouting, withComment(comment, "-s", subnet, "-j", natChain)},
				{tableFilter, forwardChain, withComment(comment, "-d", subnet, "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT")},
				{tableFilter, forwardChain, withComment(comment, "-s", subnet, "-j", "ACCEPT")},
			}
			for _, rule := range rules {
				if err := appendUnique(r, rule.table, rule.chain, rule.spec...); err != nil {
					return err
				}
			}
		}
	}

	if err := r.Append(tableFilter, isolation2Chain, withComment(comment, "-o", bridge, "-j", "DROP")...); err != nil {
		return fmt.Errorf("Could not add isolation rule for %s: %s", bridge, err)
	}

	if isolate {
		spec := withComment(comment, "-i", bridge, "!", "-o", bridge, "-j", isolation2Chain)
		if err := r.Append(tableFilter, isolation1Chain, spec...); err != nil {
			return fmt.Errorf("Could not add isolation rule for %s: %s", bridge, err)
		}
	}

	return nil
}

// ensureForwardJumps keeps the isolation jump ahead of the forward jump
// in FORWARD.
func ensureForwardJumps(r iptablesRunner) error {
	isolationJump := []string{"-j", isolation1Chain}
	forwardJump := []string{"-j", forwardChain}

	hasIsolation, err := r.Exists(tableFilter, chainForward, isolationJump...)
	if err != nil {
		return err
	}
	hasForward, err := r.Exists(tableFilter, chainForward, forwardJump...)
	if err != nil {
		return err
	}
	if hasIsolation && hasForward {
		return nil
	}

	if hasIsolation {
		if err := r.Delete(tableFilter, chainForward, isolationJump...); err != nil {
			return err
		}
	}
	if hasForward {
		if err := r.Delete(tableFilter, chainForward, forwardJump...); err != nil {
			return err
		}
	}

	if err := r.Insert(tableFilter, chainForward, 1, forwardJump...); err != nil {
		return fmt.Errorf("Could not jump to %s: %s", forwardChain, err)
	}
	if err := r.Insert(tableFilter, chainForward, 1, isolationJump...); err != nil {
		return fmt.Errorf("Could not jump to %s: %s", isolation1Chain, err)
	}
	return nil
}

func (d *iptablesDriver) SetupPortForward(def types.NetworkDefinition, containerID string, ports []types.PortMapping,
	network, token string, opts types.PerNetworkOptions) error {
	if len(ports) == 0 {
		return nil
	}

	nets, err := def.IPNetworks()
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, network, err)
	}

	targets, err := expandPorts(ports, opts.StaticIPs)
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, network, err)
	}

	groups, err := d.groupByFamily(nets)
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, network, err)
	}

	fwLog.WithFields(logrus.Fields{
		"network":   network,
		"token":     token,
		"container": containerID,
		"ports":     len(targets),
	}).Debug("installing port forwarding rules")

	err = d.lock.Do(func() error {
		for _, g := range groups {
			if !def.Internal {
				natChain := hash.ChainName(natChainPrefix, token)
				exists, err := g.runner.ChainExists(tableNAT, natChain)
				if err != nil {
					return err
				}
				if !exists {
					return fmt.Errorf("network rules of %s are not installed", network)
				}
			}

			if err := setupPortFamily(g, containerID, token, targets); err != nil {
				return err
			}
		}
		return nil
	})

	return types.NewError(types.FirewallRuleInstallFailure, network, err)
}

func setupPortFamily(g *familyGroup, containerID, token string, targets []portTarget) error {
	r := g.runner
	comment := portComment(token, containerID)
	dnChain := hash.ChainName(dnatChainPrefix, token)

	if err := ensureHostportChains(r); err != nil {
		return err
	}
	if err := ensureChain(r, tableNAT, dnChain); err != nil {
		return err
	}

	for _, c := range []string{hostportDNATChain, dnChain} {
		if err := removeTagged(r, tableNAT, c, exactComment(comment)); err != nil {
			return err
		}
	}

	loopback := "127.0.0.1"
	if !g.ipv4 {
		loopback = "::1"
	}

	for _, t := range targets {
		if isIPv4(t.containerIP) != g.ipv4 {
			continue
		}

		var subnet string
		for _, n := range g.nets {
			if n.Net.Contains(t.containerIP) {
				subnet = n.Net.String()
			}
		}
		if subnet == "" {
			return fmt.Errorf("container address %s is outside the network subnets", t.containerIP)
		}

		var match []string
		if t.hostIP != nil {
			match = []string{"-d", t.hostIP.String()}
		}
		match = concat(match, []string{"-p", t.protocol, "--dport", strconv.Itoa(int(t.hostPort))})

		destination := net.JoinHostPort(t.containerIP.String(), strconv.Itoa(int(t.containerPort)))

		rules := []struct {
			chain string
			spec  []string
		}{
			{hostportDNATChain, concat(match, []string{"-j", dnChain})},
			{dnChain, concat([]string{"-s", subnet}, match, []string{"-j", hostportSetmarkChain})},
			{dnChain, concat([]string{"-s", loopback}, match, []string{"-j", hostportSetmarkChain})},
			{dnChain, concat(match, []string{"-j", "DNAT", "--to-destination", destination})},
		}
		for _, rule := range rules {
			if err := r.Append(tableNAT, rule.chain, withComment(comment, rule.spec...)...); err != nil {
				return fmt.Errorf("Could not add rule to %s: %s", rule.chain, err)
			}
		}
	}

	return nil
}

func ensureHostportChains(r iptablesRunner) error {
	for _, c := range []string{hostportDNATChain, hostportSetmarkChain, hostportMasqChain} {
		if err := ensureChain(r, tableNAT, c); err != nil {
			return err
		}
	}

	rules := []struct {
		chain string
		spec  []string
	}{
		{hostportSetmarkChain, []string{"-j", "MARK", "--set-xmark", hostportMark}},
		{hostportMasqChain, []string{"-m", "mark", "--mark", hostportMark, "-j", "MASQUERADE"}},
		{chainPostrouting, []string{"-j", hostportMasqChain}},
		{chainPrerouting, []string{"-m", "addrtype", "--dst-type", "LOCAL", "-j", hostportDNATChain}},
		{chainOutput, []string{"-m", "addrtype", "--dst-type", "LOCAL", "-j", hostportDNATChain}},
	}
	for _, rule := range rules {
		if err := appendUnique(r, tableNAT, rule.chain, rule.spec...); err != nil {
			return err
		}
	}
	return nil
}

func (d *iptablesDriver) TeardownNetwork(def types.NetworkDefinition, token string, complete bool) error {
	if !complete {
		return nil
	}

	nets, err := def.IPNetworks()
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
	}

	groups, err := d.groupByFamily(nets)
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
	}

	comment := networkComment(token)
	natChain := hash.ChainName(natChainPrefix, token)
	dnChain := hash.ChainName(dnatChainPrefix, token)

	err = d.lock.Do(func() error {
		for _, g := range groups {
			r := g.runner
			for _, c := range []struct{ table, chain string }{
				{tableNAT, chainPostrouting},
				{tableFilter, forwardChain},
				{tableFilter, isolation1Chain},
				{tableFilter, isolation2Chain},
			} {
				if err := removeTagged(r, c.table, c.chain, exactComment(comment)); err != nil {
					return err
				}
			}

			if err := removeTagged(r, tableNAT, hostportDNATChain, prefixComment(comment+"-")); err != nil {
				return err
			}

			for _, c := range []string{natChain, dnChain} {
				if err := deleteChain(r, tableNAT, c); err != nil {
					return err
				}
			}
		}
		return nil
	})

	return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
}

func (d *iptablesDriver) TeardownPortForward(def types.NetworkDefinition, containerID string, ports []types.PortMapping,
	network, token string, opts types.PerNetworkOptions) error {
	if len(ports) == 0 {
		return nil
	}

	nets, err := def.IPNetworks()
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, network, err)
	}

	groups, err := d.groupByFamily(nets)
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, network, err)
	}

	comment := portComment(token, containerID)
	dnChain := hash.ChainName(dnatChainPrefix, token)

	err = d.lock.Do(func() error {
		for _, g := range groups {
			for _, c := range []string{hostportDNATChain, dnChain} {
				if err := removeTagged(g.runner, tableNAT, c, exactComment(comment)); err != nil {
					return err
				}
			}

			rules, err := listRules(g.runner, tableNAT, dnChain)
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				if err := deleteChain(g.runner, tableNAT, dnChain); err != nil {
					return err
				}
			}
		}
		return nil
	})

	return types.NewError(types.FirewallRuleInstallFailure, network, err)
}

// withComment tags a rule spec, ahead of its target.
func withComment(comment string, spec ...string) []string {
	tag := []string{"-m", "comment", "--comment", comment}
	for i, arg := range spec {
		if arg == "-j" {
			return concat(spec[:i], tag, spec[i:])
		}
	}
	return concat(spec, tag)
}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func exactComment(comment string) func(string) bool {
	return func(c string) bool { return c == comment }
}

func prefixComment(prefix string) func(string) bool {
	return func(c string) bool { return strings.HasPrefix(c, prefix) }
}

func ensureChain(r iptablesRunner, table, chain string) error {
	exists, err := r.ChainExists(table, chain)
	if err != nil {
		return fmt.Errorf("Could not check chain %s: %s", chain, err)
	}
	if exists {
		return nil
	}
	if err := r.NewChain(table, chain); err != nil {
		return fmt.Errorf("Could not create chain %s: %s", chain, err)
	}
	return nil
}

func deleteChain(r iptablesRunner, table, chain string) error {
	exists, err := r.ChainExists(table, chain)
	if err != nil || !exists {
		return err
	}
	if err := r.ClearChain(table, chain); err != nil {
		return fmt.Errorf("Could not flush chain %s: %s", chain, err)
	}
	if err := r.DeleteChain(table, chain); err != nil {
		return fmt.Errorf("Could not delete chain %s: %s", chain, err)
	}
	return nil
}

func appendUnique(r iptablesRunner, table, chain string, spec ...string) error {
	exists, err := r.Exists(table, chain, spec...)
	if err != nil {
		return fmt.Errorf("Could not check rule in %s: %s", chain, err)
	}
	if exists {
		return nil
	}
	if err := r.Append(table, chain, spec...); err != nil {
		return fmt.Errorf("Could not add rule to %s: %s", chain, err)
	}
	return nil
}

// listRules returns the rule specs of a chain, without the leading
// "-A CHAIN". A missing chain has no rules.
func listRules(r iptablesRunner, table, chain string) ([][]string, error) {
	exists, err := r.ChainExists(table, chain)
	if err != nil || !exists {
		return nil, err
	}

	lines, err := r.List(table, chain)
	if err != nil {
		return nil, fmt.Errorf("Could not list chain %s: %s", chain, err)
	}

	var rules [][]string
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] != "-A" || fields[1] != chain {
			continue
		}
		spec := fields[2:]
		for i, field := range spec {
			spec[i] = unquote(field)
		}
		rules = append(rules, spec)
	}
	return rules, nil
}

// unquote strips the quotes some iptables builds print around arguments
// such as comments. Delete needs the bare value.
func unquote(field string) string {
	if len(field) >= 2 && field[0] == '"' && field[len(field)-1] == '"' {
		return field[1 : len(field)-1]
	}
	return field
}

func ruleComment(spec []string) string {
	for i := 0; i+1 < len(spec); i++ {
		if spec[i] == "--comment" {
			return spec[i+1]
		}
	}
	return ""
}

// removeTagged deletes the rules of a chain whose comment matches.
func removeTagged(r iptablesRunner, table, chain string, match func(string) bool) error {
	rules, err := listRules(r, table, chain)
	if err != nil {
		return err
	}

	for _, spec := range rules {
		if !match(ruleComment(spec)) {
			continue
		}
		if err := r.Delete(table, chain, spec...); err != nil {
			return fmt.Errorf("Could not delete rule from %s: %s", chain, err)
		}
	}
	return nil
}
