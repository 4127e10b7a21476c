// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package vpn

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CommandRunner abstracts process execution so the wireguard provider
// is testable without wg tooling on the host.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(out), err
}

// WireguardProvider manages a local wg-quick interface. The kill
// switch relies on the interface config carrying restrictive
// AllowedIPs plus firewall marks, so enable/disable only toggles the
// interface itself.
type WireguardProvider struct {
	iface  string
	runner CommandRunner
}

func NewWireguardProvider(iface string, runner CommandRunner) *WireguardProvider {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &WireguardProvider{iface: iface, runner: runner}
}

func (w *WireguardProvider) Connect(ctx context.Context, server string) error {
	if server != "" && server != w.iface {
		return errors.Errorf("wireguard provider only manages interface %q", w.iface)
	}
	out, err := w.runner.Run(ctx, "wg-quick", "up", w.iface)
	if err != nil {
		if strings.Contains(out, "already exists") {
			return nil
		}
		return errors.Wrapf(err, "wg-quick up %s failed: %s", w.iface, strings.TrimSpace(out))
	}
	log.Info().Str("interface", w.iface).Msg("wireguard tunnel up")
	return nil
}

func (w *WireguardProvider) Disconnect(ctx context.Context) error {
	out, err := w.runner.Run(ctx, "wg-quick", "down", w.iface)
	if err != nil {
		if strings.Contains(out, "is not a WireGuard interface") {
			return nil
		}
		return errors.Wrapf(err, "wg-quick down %s failed: %s", w.iface, strings.TrimSpace(out))
	}
	log.Info().Str("interface", w.iface).Msg("wireguard tunnel down")
	return nil
}

func (w *WireguardProvider) Status(ctx context.Context) (Status, error) {
	out, err := w.runner.Run(ctx, "wg", "show", w.iface, "latest-handshakes")
	if err != nil {
		// A missing interface means not connected, not an error.
		if strings.Contains(out, "No such device") || strings.Contains(out, "Unable to access interface") {
			return Status{}, nil
		}
		return Status{}, errors.Wrapf(err, "wg show %s failed", w.iface)
	}

	// Any peer with a nonzero handshake timestamp counts as connected.
	connected := false
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] != "0" {
			connected = true
			break
		}
	}
	return Status{Connected: connected, Server: w.iface, KillSwitch: connected}, nil
}

func (w *WireguardProvider) EnableKillSwitch(ctx context.Context) error {
	st, err := w.Status(ctx)
	if err != nil {
		return err
	}
	if !st.Connected {
		return errors.New("cannot enable kill switch without an active tunnel")
	}
	return nil
}

func (w *WireguardProvider) DisableKillSwitch(ctx context.Context) error {
	return nil
}

func (w *WireguardProvider) FetchServers(ctx context.Context) ([]Server, error) {
	// wg-quick manages a single preconfigured endpoint.
	return []Server{{Name: w.iface, Hostname: w.iface}}, nil
}
