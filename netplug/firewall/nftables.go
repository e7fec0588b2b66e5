// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package firewall

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/kata-containers/netplug/netplug/types"
)

const (
	nftTableName = "kata"

	nftPostrouting = "postrouting"
	nftPrerouting  = "prerouting"
	nftOutput      = "output"
	nftForward     = "forward"
	nftIsolation1  = "isolation1"
	nftIsolation2  = "isolation2"

	isolationJumpComment = "kata-isolation"

	ifNameSize = 16
)

var (
	_, multicastNetV4, _ = net.ParseCIDR(multicastV4)
	_, multicastNetV6, _ = net.ParseCIDR(multicastV6)
)

// nftConn is the part of *nftables.Conn the backend uses.
type nftConn interface {
	ListTables() ([]*nftables.Table, error)
	AddTable(t *nftables.Table) *nftables.Table
	ListChainsOfTableFamily(family nftables.TableFamily) ([]*nftables.Chain, error)
	AddChain(c *nftables.Chain) *nftables.Chain
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
	AddRule(r *nftables.Rule) *nftables.Rule
	DelRule(r *nftables.Rule) error
	Flush() error
}

type nftablesDriver struct {
	lock    *Lock
	newConn func() (nftConn, error)
}

func newNftConn() (nftConn, error) {
	return nftables.New()
}

// NewNftablesDriver returns the nftables backend.
func NewNftablesDriver(lock *Lock) (Driver, error) {
	conn, err := newNftConn()
	if err != nil {
		return nil, fmt.Errorf("Could not open nftables connection: %s", err)
	}

	if _, err := conn.ListTables(); err != nil {
		return nil, fmt.Errorf("nftables is not usable: %s", err)
	}

	return &nftablesDriver{lock: lock, newConn: newNftConn}, nil
}

func (d *nftablesDriver) Name() string {
	return NameNftables
}

// nftRuleset is the kata table and its chains, as seen by one connection.
type nftRuleset struct {
	conn   nftConn
	table  *nftables.Table
	chains map[string]*nftables.Chain
}

func nftChainSpecs(table *nftables.Table) []*nftables.Chain {
	return []*nftables.Chain{
		{Name: nftPostrouting, Table: table, Type: nftables.ChainTypeNAT,
			Hooknum: nftables.ChainHookPostrouting, Priority: nftables.ChainPriorityNATSource},
		{Name: nftPrerouting, Table: table, Type: nftables.ChainTypeNAT,
			Hooknum: nftables.ChainHookPrerouting, Priority: nftables.ChainPriorityNATDest},
		{Name: nftOutput, Table: table, Type: nftables.ChainTypeNAT,
			Hooknum: nftables.ChainHookOutput, Priority: nftables.ChainPriorityNATDest},
		{Name: nftForward, Table: table, Type: nftables.ChainTypeFilter,
			Hooknum: nftables.ChainHookForward, Priority: nftables.ChainPriorityFilter},
		{Name: nftIsolation1, Table: table},
		{Name: nftIsolation2, Table: table},
	}
}

// openRuleset creates the table and its chains when missing.
func (d *nftablesDriver) openRuleset() (*nftRuleset, error) {
	conn, err := d.newConn()
	if err != nil {
		return nil, fmt.Errorf("Could not open nftables connection: %s", err)
	}

	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: nftTableName}

	tables, err := conn.ListTables()
	if err != nil {
		return nil, fmt.Errorf("Could not list tables: %s", err)
	}

	tableExists := false
	for _, t := range tables {
		if t.Name == nftTableName && t.Family == nftables.TableFamilyINet {
			table = t
			tableExists = true
		}
	}
	if !tableExists {
		conn.AddTable(table)
	}

	existing := make(map[string]*nftables.Chain)
	if tableExists {
		chains, err := conn.ListChainsOfTableFamily(nftables.TableFamilyINet)
		if err != nil {
			return nil, fmt.Errorf("Could not list chains: %s", err)
		}
		for _, c := range chains {
			if c.Table.Name == nftTableName {
				existing[c.Name] = c
			}
		}
	}

	rs := &nftRuleset{conn: conn, table: table, chains: make(map[string]*nftables.Chain)}
	for _, spec := range nftChainSpecs(table) {
		if c, ok := existing[spec.Name]; ok {
			rs.chains[spec.Name] = c
			continue
		}
		rs.chains[spec.Name] = conn.AddChain(spec)

		if spec.Name == nftForward {
			conn.AddRule(&nftables.Rule{
				Table:    table,
				Chain:    rs.chains[nftForward],
				Exprs:    []expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: nftIsolation1}},
				UserData: []byte(isolationJumpComment),
			})
		}
	}

	if err := conn.Flush(); err != nil {
		return nil, fmt.Errorf("Could not create table %s: %s", nftTableName, err)
	}

	return rs, nil
}

func (rs *nftRuleset) add(chain, comment string, exprs ...[]expr.Any) {
	var all []expr.Any
	for _, e := range exprs {
		all = append(all, e...)
	}
	rs.conn.AddRule(&nftables.Rule{
		Table:    rs.table,
		Chain:    rs.chains[chain],
		Exprs:    all,
		UserData: []byte(comment),
	})
}

// remove queues the deletion of the rules of a chain whose comment matches.
func (rs *nftRuleset) remove(chain string, match func(string) bool) (int, error) {
	rules, err := rs.conn.GetRules(rs.table, rs.chains[chain])
	if err != nil {
		return 0, fmt.Errorf("Could not list rules of %s: %s", chain, err)
	}

	removed := 0
	for _, r := range rules {
		if !match(string(r.UserData)) {
			continue
		}
		if err := rs.conn.DelRule(r); err != nil {
			return removed, fmt.Errorf("Could not delete rule from %s: %s", chain, err)
		}
		removed++
	}
	return removed, nil
}

func (rs *nftRuleset) count(chain string, match func(string) bool) (int, error) {
	rules, err := rs.conn.GetRules(rs.table, rs.chains[chain])
	if err != nil {
		return 0, fmt.Errorf("Could not list rules of %s: %s", chain, err)
	}

	n := 0
	for _, r := range rules {
		if match(string(r.UserData)) {
			n++
		}
	}
	return n, nil
}

func (d *nftablesDriver) SetupNetwork(def types.NetworkDefinition, token string) error {
	nets, err := def.IPNetworks()
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
	}

	brOpts, err := def.BridgeOptions()
	if err != nil {
		return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
	}

	fwLog.WithFields(logrus.Fields{
		"network": def.Name,
		"token":   token,
		"backend": NameNftables,
	}).Debug("installing network rules")

	err = d.lock.Do(func() error {
		rs, err := d.openRuleset()
		if err != nil {
			return err
		}

		comment := networkComment(token)
		bridge := def.BridgeName()

		for _, c := range []string{nftPostrouting, nftForward, nftIsolation1, nftIsolation2} {
			if _, err := rs.remove(c, exactComment(comment)); err != nil {
				return err
			}
		}

		if !def.Internal {
			for _, n := range nets {
				v4 := isIPv4(n.Net.IP)
				multicast := multicastNetV4
				if !v4 {
					multicast = multicastNetV6
				}

				rs.add(nftPostrouting, comment,
					matchFamily(v4),
					matchNet(n.Net, true, expr.CmpOpEq),
					matchNet(n.Net, false, expr.CmpOpNeq),
					matchNet(multicast, false, expr.CmpOpNeq),
					[]expr.Any{&expr.Masq{}})
				rs.add(nftForward, comment,
					matchFamily(v4),
					matchNet(n.Net, false, expr.CmpOpEq),
					matchEstablished(),
					accept())
				rs.add(nftForward, comment,
					matchFamily(v4),
					matchNet(n.Net, true, expr.CmpOpEq),
					accept())
			}
		}

		rs.add(nftIsolation2, comment,
			matchIface(expr.MetaKeyOIFNAME, bridge, expr.CmpOpEq),
			[]expr.Any{&expr.Verdict{Kind: expr.VerdictDrop}})

		if brOpts.Isolate {
			rs.add(nftIsolation1, comment,
				matchIface(expr.MetaKeyIIFNAME, bridge, expr.CmpOpEq),
				matchIface(expr.MetaKeyOIFNAME, bridge, expr.CmpOpNeq),
				[]expr.Any{&expr.Verdict{Kind: expr.VerdictJump, Chain: nftIsolation2}})
		}

		return rs.conn.Flush()
	})

	return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
}

func (d *nftablesDriver) SetupPortForward(def types.NetworkDefinition, containerID string, ports []types.PortMapping,
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

	fwLog.WithFields(logrus.Fields{
		"network":   network,
		"token":     token,
		"container": containerID,
		"ports":     len(targets),
	}).Debug("installing port forwarding rules")

	err = d.lock.Do(func() error {
		rs, err := d.openRuleset()
		if err != nil {
			return err
		}

		if !def.Internal {
			n, err := rs.count(nftPostrouting, exactComment(networkComment(token)))
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("network rules of %s are not installed", network)
			}
		}

		comment := portComment(token, containerID)
		for _, c := range []string{nftPrerouting, nftOutput, nftPostrouting} {
			if _, err := rs.remove(c, exactComment(comment)); err != nil {
				return err
			}
		}

		for _, t := range targets {
			var subnet *net.IPNet
			for _, n := range nets {
				if n.Net.Contains(t.containerIP) {
					subnet = n.Net
				}
			}
			if subnet == nil {
				return fmt.Errorf("container address %s is outside the network subnets", t.containerIP)
			}

			v4 := isIPv4(t.containerIP)

			dst := matchLocal()
			if t.hostIP != nil {
				dst = matchNet(hostNet(t.hostIP), false, expr.CmpOpEq)
			}

			for _, c := range []string{nftPrerouting, nftOutput} {
				rs.add(c, comment,
					matchFamily(v4),
					dst,
					matchPort(t.protocol, t.hostPort),
					dnat(t.containerIP, t.containerPort))
			}

			loopback := net.IPv4(127, 0, 0, 1)
			if !v4 {
				loopback = net.IPv6loopback
			}
			for _, src := range []*net.IPNet{subnet, hostNet(loopback)} {
				rs.add(nftPostrouting, comment,
					matchFamily(v4),
					matchNet(src, true, expr.CmpOpEq),
					matchNet(hostNet(t.containerIP), false, expr.CmpOpEq),
					matchPort(t.protocol, t.containerPort),
					[]expr.Any{&expr.Masq{}})
			}
		}

		return rs.conn.Flush()
	})

	return types.NewError(types.FirewallRuleInstallFailure, network, err)
}

func (d *nftablesDriver) TeardownNetwork(def types.NetworkDefinition, token string, complete bool) error {
	if !complete {
		return nil
	}

	comment := networkComment(token)
	portsPrefix := comment + "-"

	err := d.lock.Do(func() error {
		rs, err := d.openRuleset()
		if err != nil {
			return err
		}

		for _, c := range []string{nftPostrouting, nftPrerouting, nftOutput, nftForward, nftIsolation1, nftIsolation2} {
			match := func(userData string) bool {
				return userData == comment || strings.HasPrefix(userData, portsPrefix)
			}
			if _, err := rs.remove(c, match); err != nil {
				return err
			}
		}

		return rs.conn.Flush()
	})

	return types.NewError(types.FirewallRuleInstallFailure, def.Name, err)
}

func (d *nftablesDriver) TeardownPortForward(def types.NetworkDefinition, containerID string, ports []types.PortMapping,
	network, token string, opts types.PerNetworkOptions) error {
	if len(ports) == 0 {
		return nil
	}

	comment := portComment(token, containerID)

	err := d.lock.Do(func() error {
		rs, err := d.openRuleset()
		if err != nil {
			return err
		}

		for _, c := range []string{nftPrerouting, nftOutput, nftPostrouting} {
			if _, err := rs.remove(c, exactComment(comment)); err != nil {
				return err
			}
		}

		return rs.conn.Flush()
	})

	return types.NewError(types.FirewallRuleInstallFailure, network, err)
}

func hostNet(addr net.IP) *net.IPNet {
	if v4 := addr.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: addr.To16(), Mask: net.CIDRMask(128, 128)}
}

func matchFamily(v4 bool) []expr.Any {
	proto := byte(unix.NFPROTO_IPV6)
	if v4 {
		proto = unix.NFPROTO_IPV4
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	}
}

// matchNet compares the source or destination address, masked with the
// prefix of n, against the network address of n.
func matchNet(n *net.IPNet, source bool, op expr.CmpOp) []expr.Any {
	addr := n.IP.To4()
	offset := uint32(16)
	if source {
		offset = 12
	}
	if addr == nil {
		addr = n.IP.To16()
		offset = 24
		if source {
			offset = 8
		}
	}

	mask := n.Mask
	if len(mask) > len(addr) {
		mask = mask[len(mask)-len(addr):]
	}
	length := uint32(len(addr))

	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            length,
			Mask:           []byte(mask),
			Xor:            make([]byte, length),
		},
		&expr.Cmp{
			Op:       op,
			Register: 1,
			Data:     []byte(addr.Mask(mask)),
		},
	}
}

func matchIface(key expr.MetaKey, name string, op expr.CmpOp) []expr.Any {
	data := make([]byte, ifNameSize)
	copy(data, name)
	return []expr.Any{
		&expr.Meta{Key: key, Register: 1},
		&expr.Cmp{Op: op, Register: 1, Data: data},
	}
}

func matchEstablished() []expr.Any {
	return []expr.Any{
		&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
	}
}

func matchLocal() []expr.Any {
	return []expr.Any{
		&expr.Fib{Register: 1, FlagDADDR: true, ResultADDRTYPE: true},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(unix.RTN_LOCAL)},
	}
}

func matchPort(protocol string, port uint16) []expr.Any {
	proto := byte(unix.IPPROTO_TCP)
	if protocol == types.ProtocolUDP {
		proto = unix.IPPROTO_UDP
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2,
			Len:          2,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
	}
}

func dnat(addr net.IP, port uint16) []expr.Any {
	family := uint32(unix.NFPROTO_IPV6)
	data := addr.To16()
	if v4 := addr.To4(); v4 != nil {
		family = unix.NFPROTO_IPV4
		data = v4
	}
	return []expr.Any{
		&expr.Immediate{Register: 1, Data: []byte(data)},
		&expr.Immediate{Register: 2, Data: binaryutil.BigEndian.PutUint16(port)},
		&expr.NAT{
			Type:        expr.NATTypeDestNAT,
			Family:      family,
			RegAddrMin:  1,
			RegProtoMin: 2,
		},
	}
}

func accept() []expr.Any {
	return []expr.Any{&expr.Verdict{Kind: expr.VerdictAccept}}
}
