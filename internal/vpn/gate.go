// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package vpn

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/domain"
	"github.com/fetcharr/fetcharr/internal/metrics"
)

// Gate is the single authority on whether torrent traffic may flow.
// Everything that talks to the torrent client asks the gate first.
type Gate struct {
	provider Provider
	prober   Prober
	cfg      domain.VPNConfig
}

func NewGate(provider Provider, prober Prober, cfg domain.VPNConfig) *Gate {
	return &Gate{provider: provider, prober: prober, cfg: cfg}
}

// NewGateFromConfig wires the configured provider backend.
func NewGateFromConfig(cfg domain.VPNConfig) (*Gate, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var provider Provider
	switch cfg.Provider {
	case "", "manager":
		if cfg.ManagerURL == "" {
			return nil, errors.New("vpn: manager provider requires managerUrl")
		}
		provider = NewManagerProvider(cfg.ManagerURL, timeout)
	case "wireguard":
		if cfg.WireguardInterface == "" {
			return nil, errors.New("vpn: wireguard provider requires wireguardInterface")
		}
		provider = NewWireguardProvider(cfg.WireguardInterface, nil)
	default:
		return nil, errors.Errorf("vpn: unknown provider %q", cfg.Provider)
	}

	prober := NewHTTPProber(cfg.PublicIPURL, cfg.IPv6CheckHost, timeout)
	return NewGate(provider, prober, cfg), nil
}

// IsActive reports whether the tunnel is up right now. A later drop is
// caught by the kill switch, not by re-checking here.
func (g *Gate) IsActive(ctx context.Context) (bool, error) {
	status, err := g.provider.Status(ctx)
	if err != nil {
		return false, errors.Wrap(err, "vpn status check failed")
	}
	return status.Connected, nil
}

// Require returns ErrInactive unless the tunnel is verified up.
func (g *Gate) Require(ctx context.Context) error {
	active, err := g.IsActive(ctx)
	if err != nil {
		return err
	}
	if !active {
		return ErrInactive
	}
	return nil
}

// Status exposes the raw provider view for CLI display.
func (g *Gate) Status(ctx context.Context) (Status, error) {
	return g.provider.Status(ctx)
}

// TestLeaks runs the full leak test against the live tunnel. The
// tunnel must be up; testing a down tunnel always "leaks".
func (g *Gate) TestLeaks(ctx context.Context) (LeakTestResult, error) {
	status, err := g.provider.Status(ctx)
	if err != nil {
		return LeakTestResult{}, errors.Wrap(err, "vpn status check failed")
	}
	if !status.Connected {
		return LeakTestResult{}, ErrInactive
	}

	expected := g.cfg.AssignedIP
	if expected == "" {
		expected = status.PublicIP
	}

	result := RunLeakTest(ctx, g.prober, expected, g.cfg.ISPNetworks, g.cfg.ResolverCheckMin)
	if result.Passed() {
		metrics.VPNLeakChecksTotal.WithLabelValues("pass").Inc()
	} else {
		metrics.VPNLeakChecksTotal.WithLabelValues("fail").Inc()
		log.Warn().Strs("failed_checks", result.Failures()).Msg("vpn leak test failed")
	}
	return result, nil
}

func (g *Gate) EnableKillSwitch(ctx context.Context) error {
	return g.provider.EnableKillSwitch(ctx)
}

func (g *Gate) DisableKillSwitch(ctx context.Context) error {
	return g.provider.DisableKillSwitch(ctx)
}

// Connect brings the tunnel up and verifies it before returning.
func (g *Gate) Connect(ctx context.Context, server string) error {
	if err := g.provider.Connect(ctx, server); err != nil {
		return errors.Wrap(err, "vpn connect failed")
	}
	return g.Require(ctx)
}

func (g *Gate) Disconnect(ctx context.Context) error {
	return g.provider.Disconnect(ctx)
}
