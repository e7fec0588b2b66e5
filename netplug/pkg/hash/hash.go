// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package hash derives the short identifiers embedded in every bridge,
// veth and firewall object owned by a logical network. Setup and teardown
// run in different processes and locate their objects only through these
// names, so the format below is part of the on-host layout and must not
// change between releases.
package hash

import (
	"crypto/sha512"
	"encoding/hex"
)

const (
	// MaxHashSize is the length of a network token.
	MaxHashSize = 13

	// MaxIfaceNameLen is the longest interface name the kernel accepts
	// (IFNAMSIZ minus the trailing NUL).
	MaxIfaceNameLen = 15

	// MaxChainNameLen is the longest iptables chain name.
	MaxChainNameLen = 28

	bridgePrefix = "kbr"
	vethPrefix   = "veth"
)

// Token returns the identity token of a logical network: the hex encoded
// SHA-512 digest of name, truncated to MaxHashSize characters.
func Token(name string) string {
	return sum(name, MaxHashSize)
}

// BridgeName returns the default bridge device name for a network.
func BridgeName(network string) string {
	return bridgePrefix + sum(network, MaxIfaceNameLen-len(bridgePrefix))
}

// VethName returns the host side veth name of a container on a network.
func VethName(containerID, network string) string {
	return vethPrefix + sum(containerID+"/"+network, MaxIfaceNameLen-len(vethPrefix))
}

// ChainName returns prefix followed by a network token, cut to fit the
// iptables chain name limit.
func ChainName(prefix, token string) string {
	name := prefix + token
	if len(name) > MaxChainNameLen {
		name = name[:MaxChainNameLen]
	}
	return name
}

func sum(s string, size int) string {
	digest := sha512.Sum512([]byte(s))
	encoded := hex.EncodeToString(digest[:])
	if size > len(encoded) {
		size = len(encoded)
	}
	return encoded[:size]
}
