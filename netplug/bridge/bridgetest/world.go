// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package bridgetest provides an in-memory device table for exercising the
// bridge provisioner without touching the host.
package bridgetest

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/kata-containers/netplug/netplug/bridge"
)

// HostNS is the descriptor of the host namespace.
const HostNS = 0

// Namespace holds the devices of one network namespace. Addresses,
// neighbours and hairpin state are keyed by link index.
type Namespace struct {
	Links   map[string]netlink.Link
	Addrs   map[int][]netlink.Addr
	Neighs  map[int][]netlink.Neigh
	Hairpin map[int]bool
	Routes  []netlink.Route
}

func newNamespace() *Namespace {
	return &Namespace{
		Links:   make(map[string]netlink.Link),
		Addrs:   make(map[int][]netlink.Addr),
		Neighs:  make(map[int][]netlink.Neigh),
		Hairpin: make(map[int]bool),
	}
}

// World is an in-memory device table spanning the host and a set of
// container namespaces, addressed by path.
type World struct {
	// LinkAddErr, when set, fails every link creation.
	LinkAddErr error

	nextIndex  int
	namespaces map[int]*Namespace
	paths      map[string]int
	peers      map[int]int
}

// NewWorld returns a world holding only the host loopback device.
func NewWorld() *World {
	w := &World{
		nextIndex:  1,
		namespaces: map[int]*Namespace{HostNS: newNamespace()},
		paths:      make(map[string]int),
		peers:      make(map[int]int),
	}
	w.AddDevice(HostNS, "lo")
	return w
}

// AddNamespace registers a container namespace with a loopback device
// and returns its descriptor.
func (w *World) AddNamespace(path string) int {
	fd := 100 + len(w.paths)
	w.paths[path] = fd
	w.namespaces[fd] = newNamespace()
	w.AddDevice(fd, "lo")
	return fd
}

// AddDevice adds a plain device to a namespace.
func (w *World) AddDevice(fd int, name string) netlink.Link {
	link := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: name, Index: w.allocIndex()}}
	w.namespaces[fd].Links[name] = link
	return link
}

// NS returns the namespace with descriptor fd.
func (w *World) NS(fd int) *Namespace {
	return w.namespaces[fd]
}

// Handle returns a link handle working inside the namespace fd.
func (w *World) Handle(fd int) bridge.LinkHandle {
	return &handle{world: w, fd: fd}
}

// Provisioner returns a provisioner bound to the world.
func (w *World) Provisioner() *bridge.Provisioner {
	return &bridge.Provisioner{
		OpenHost: func() (bridge.LinkHandle, error) {
			return &handle{world: w, fd: HostNS}, nil
		},
		OpenNamespace: func(nsPath string) (bridge.LinkHandle, int, error) {
			fd, ok := w.paths[nsPath]
			if !ok {
				return nil, -1, fmt.Errorf("open %s: %w", nsPath, unix.ENOENT)
			}
			return &handle{world: w, fd: fd}, fd, nil
		},
	}
}

func (w *World) allocIndex() int {
	idx := w.nextIndex
	w.nextIndex++
	return idx
}

type handle struct {
	world *World
	fd    int
}

func (h *handle) ns() *Namespace {
	return h.world.namespaces[h.fd]
}

func (h *handle) lookup(link netlink.Link) (netlink.Link, error) {
	l, ok := h.ns().Links[link.Attrs().Name]
	if !ok {
		return nil, fmt.Errorf("link %s: %w", link.Attrs().Name, unix.ENODEV)
	}
	return l, nil
}

func (h *handle) LinkByName(name string) (netlink.Link, error) {
	l, ok := h.ns().Links[name]
	if !ok {
		return nil, fmt.Errorf("link %s not found: %w", name, unix.ENODEV)
	}
	return l, nil
}

func (h *handle) LinkAdd(link netlink.Link) error {
	if h.world.LinkAddErr != nil {
		return h.world.LinkAddErr
	}

	name := link.Attrs().Name
	if _, exists := h.ns().Links[name]; exists {
		return fmt.Errorf("link %s: %w", name, unix.EEXIST)
	}

	switch l := link.(type) {
	case *netlink.Bridge:
		br := &netlink.Bridge{LinkAttrs: l.LinkAttrs}
		br.Index = h.world.allocIndex()
		br.HardwareAddr = mac(br.Index)
		h.ns().Links[name] = br
	case *netlink.Veth:
		fd, ok := l.PeerNamespace.(netlink.NsFd)
		if !ok {
			return fmt.Errorf("veth %s: missing peer namespace", name)
		}
		peerNS, ok := h.world.namespaces[int(fd)]
		if !ok {
			return fmt.Errorf("namespace %d: %w", fd, unix.EBADF)
		}
		if _, exists := peerNS.Links[l.PeerName]; exists {
			return fmt.Errorf("link %s: %w", l.PeerName, unix.EEXIST)
		}

		hostEnd := &netlink.Veth{LinkAttrs: l.LinkAttrs, PeerName: l.PeerName}
		hostEnd.Index = h.world.allocIndex()
		hostEnd.HardwareAddr = mac(hostEnd.Index)

		peerEnd := &netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: l.PeerName, MTU: l.MTU}, PeerName: name}
		peerEnd.Index = h.world.allocIndex()
		peerEnd.HardwareAddr = l.PeerHardwareAddr
		if peerEnd.HardwareAddr == nil {
			peerEnd.HardwareAddr = mac(peerEnd.Index)
		}

		h.ns().Links[name] = hostEnd
		peerNS.Links[l.PeerName] = peerEnd
		h.world.peers[hostEnd.Index] = peerEnd.Index
		h.world.peers[peerEnd.Index] = hostEnd.Index
	default:
		return fmt.Errorf("unsupported link type %s", link.Type())
	}

	return nil
}

// LinkDel removes a link, and its peer for a veth.
func (h *handle) LinkDel(link netlink.Link) error {
	l, err := h.lookup(link)
	if err != nil {
		return err
	}

	delete(h.ns().Links, l.Attrs().Name)
	delete(h.ns().Addrs, l.Attrs().Index)

	if peer, ok := h.world.peers[l.Attrs().Index]; ok {
		for _, ns := range h.world.namespaces {
			for name, other := range ns.Links {
				if other.Attrs().Index == peer {
					delete(ns.Links, name)
				}
			}
		}
		delete(h.world.peers, peer)
		delete(h.world.peers, l.Attrs().Index)
	}

	return nil
}

func (h *handle) LinkSetUp(link netlink.Link) error {
	l, err := h.lookup(link)
	if err != nil {
		return err
	}
	l.Attrs().Flags |= net.FlagUp
	return nil
}

func (h *handle) LinkSetMaster(link netlink.Link, master netlink.Link) error {
	l, err := h.lookup(link)
	if err != nil {
		return err
	}
	m, err := h.lookup(master)
	if err != nil {
		return err
	}
	l.Attrs().MasterIndex = m.Attrs().Index
	return nil
}

func (h *handle) LinkSetHairpin(link netlink.Link, mode bool) error {
	l, err := h.lookup(link)
	if err != nil {
		return err
	}
	h.ns().Hairpin[l.Attrs().Index] = mode
	return nil
}

func (h *handle) LinkList() ([]netlink.Link, error) {
	var links []netlink.Link
	for _, l := range h.ns().Links {
		links = append(links, l)
	}
	return links, nil
}

func (h *handle) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	var addrs []netlink.Addr
	for idx, list := range h.ns().Addrs {
		if link != nil && link.Attrs().Index != idx {
			continue
		}
		for _, a := range list {
			if family == netlink.FAMILY_ALL || family == addrFamily(a.IP) {
				addrs = append(addrs, a)
			}
		}
	}
	return addrs, nil
}

func (h *handle) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	l, err := h.lookup(link)
	if err != nil {
		return err
	}
	idx := l.Attrs().Index
	for _, a := range h.ns().Addrs[idx] {
		if a.IP.Equal(addr.IP) {
			return fmt.Errorf("address %s: %w", addr.IPNet, unix.EEXIST)
		}
	}
	h.ns().Addrs[idx] = append(h.ns().Addrs[idx], *addr)
	return nil
}

func (h *handle) NeighList(linkIndex, family int) ([]netlink.Neigh, error) {
	return h.ns().Neighs[linkIndex], nil
}

func (h *handle) RouteAdd(route *netlink.Route) error {
	for _, r := range h.ns().Routes {
		if r.Dst.String() == route.Dst.String() {
			return fmt.Errorf("route %s: %w", route.Dst, unix.EEXIST)
		}
	}
	h.ns().Routes = append(h.ns().Routes, *route)
	return nil
}

func (h *handle) Delete() {}

func addrFamily(addr net.IP) int {
	if addr.To4() != nil {
		return netlink.FAMILY_V4
	}
	return netlink.FAMILY_V6
}

func mac(index int) net.HardwareAddr {
	return net.HardwareAddr{0x02, 0x42, 0x00, 0x00, byte(index >> 8), byte(index)}
}
