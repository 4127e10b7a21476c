// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package vpn gates torrent activity behind a verified VPN tunnel and
// implements the multi-probe leak test.
package vpn

import (
	"context"

	"github.com/pkg/errors"
)

// Status is a provider's view of the tunnel.
type Status struct {
	Connected bool
	// PublicIP is the VPN-assigned egress IP as reported by the provider.
	PublicIP string
	// Server is the provider's identifier for the connected endpoint.
	Server string
	// KillSwitch reports whether non-tunnel traffic is blocked.
	KillSwitch bool
}

// Server is a selectable VPN endpoint.
type Server struct {
	Name     string
	Country  string
	Hostname string
	Load     int
}

// Provider is a VPN control backend. Implementations must be safe for
// concurrent use.
type Provider interface {
	Connect(ctx context.Context, server string) error
	Disconnect(ctx context.Context) error
	Status(ctx context.Context) (Status, error)
	EnableKillSwitch(ctx context.Context) error
	DisableKillSwitch(ctx context.Context) error
	FetchServers(ctx context.Context) ([]Server, error)
}

// ErrInactive is returned whenever a download is attempted without a
// verified tunnel. The message is surfaced to users verbatim.
var ErrInactive = errors.New("VPN must be active before starting downloads")
