// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package types

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies why an invocation failed.
type ErrorKind int

const (
	// UnknownFailure is used for errors that were never classified.
	UnknownFailure ErrorKind = iota

	// InvalidNamespace is a missing or unusable namespace path.
	InvalidNamespace

	// ConfigLoadFailure covers unreadable or inconsistent options.
	ConfigLoadFailure

	// UnsupportedDriver is a network using a driver other than bridge.
	UnsupportedDriver

	// MissingNetworkOptions is a network without per-container options.
	MissingNetworkOptions

	// SysctlFailure is a failed sysctl write.
	SysctlFailure

	// DeviceCreationFailure is a bridge or veth that could not be created.
	DeviceCreationFailure

	// NamespaceMoveFailure is a device that could not be placed in, or
	// reached inside, the container namespace.
	NamespaceMoveFailure

	// AddressingFailure is an address that could not be chosen or assigned.
	AddressingFailure

	// FirewallBackendUnavailable means no firewall backend works on the host.
	FirewallBackendUnavailable

	// FirewallRuleInstallFailure is a rule the backend refused.
	FirewallRuleInstallFailure
)

var kindNames = map[ErrorKind]string{
	UnknownFailure:             "UnknownFailure",
	InvalidNamespace:           "InvalidNamespace",
	ConfigLoadFailure:          "ConfigLoadFailure",
	UnsupportedDriver:          "UnsupportedDriver",
	MissingNetworkOptions:      "MissingNetworkOptions",
	SysctlFailure:              "SysctlFailure",
	DeviceCreationFailure:      "DeviceCreationFailure",
	NamespaceMoveFailure:       "NamespaceMoveFailure",
	AddressingFailure:          "AddressingFailure",
	FirewallBackendUnavailable: "FirewallBackendUnavailable",
	FirewallRuleInstallFailure: "FirewallRuleInstallFailure",
}

// String returns the name of the kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// IsDeviceProvisioning reports whether the kind is one of the device
// provisioning failures.
func (k ErrorKind) IsDeviceProvisioning() bool {
	switch k {
	case DeviceCreationFailure, NamespaceMoveFailure, AddressingFailure:
		return true
	}
	return false
}

// Error is a classified failure, optionally tied to a network.
type Error struct {
	Kind    ErrorKind
	Network string
	Err     error
}

func (e *Error) Error() string {
	if e.Network != "" {
		return fmt.Sprintf("network %s: %s", e.Network, e.Err)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Cause returns the underlying error for github.com/pkg/errors.
func (e *Error) Cause() error {
	return e.Err
}

// NewError classifies err. An error that is already classified keeps its
// kind and only gains the network name when it had none.
func NewError(kind ErrorKind, network string, err error) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		if classified.Network == "" && network != "" {
			return &Error{Kind: classified.Kind, Network: network, Err: classified.Err}
		}
		return err
	}

	return &Error{Kind: kind, Network: network, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrorKind, network, format string, args ...interface{}) error {
	return &Error{Kind: kind, Network: network, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, or UnknownFailure.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return UnknownFailure
}
