// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package vpn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
)

const managerRetryAttempts = 3

// ManagerProvider drives an external VPN manager daemon over its HTTP
// API. Transient failures are retried with backoff since the daemon
// restarts alongside tunnel changes.
type ManagerProvider struct {
	baseURL    string
	httpClient *http.Client
}

func NewManagerProvider(baseURL string, timeout time.Duration) *ManagerProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ManagerProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type managerStatusResponse struct {
	Connected  bool   `json:"connected"`
	PublicIP   string `json:"public_ip"`
	Server     string `json:"server"`
	KillSwitch bool   `json:"kill_switch"`
}

type managerServersResponse struct {
	Servers []struct {
		Name     string `json:"name"`
		Country  string `json:"country"`
		Hostname string `json:"hostname"`
		Load     int    `json:"load"`
	} `json:"servers"`
}

func (m *ManagerProvider) Connect(ctx context.Context, server string) error {
	body := map[string]string{}
	if server != "" {
		body["server"] = server
	}
	return m.do(ctx, http.MethodPost, "/v1/connect", body, nil)
}

func (m *ManagerProvider) Disconnect(ctx context.Context) error {
	return m.do(ctx, http.MethodPost, "/v1/disconnect", nil, nil)
}

func (m *ManagerProvider) Status(ctx context.Context) (Status, error) {
	var resp managerStatusResponse
	if err := m.do(ctx, http.MethodGet, "/v1/status", nil, &resp); err != nil {
		return Status{}, err
	}
	return Status{
		Connected:  resp.Connected,
		PublicIP:   resp.PublicIP,
		Server:     resp.Server,
		KillSwitch: resp.KillSwitch,
	}, nil
}

func (m *ManagerProvider) EnableKillSwitch(ctx context.Context) error {
	return m.do(ctx, http.MethodPost, "/v1/killswitch/enable", nil, nil)
}

func (m *ManagerProvider) DisableKillSwitch(ctx context.Context) error {
	return m.do(ctx, http.MethodPost, "/v1/killswitch/disable", nil, nil)
}

func (m *ManagerProvider) FetchServers(ctx context.Context) ([]Server, error) {
	var resp managerServersResponse
	if err := m.do(ctx, http.MethodGet, "/v1/servers", nil, &resp); err != nil {
		return nil, err
	}
	servers := make([]Server, 0, len(resp.Servers))
	for _, s := range resp.Servers {
		servers = append(servers, Server{
			Name:     s.Name,
			Country:  s.Country,
			Hostname: s.Hostname,
			Load:     s.Load,
		})
	}
	return servers, nil
}

func (m *ManagerProvider) do(ctx context.Context, method, path string, body any, out any) error {
	return retry.Do(
		func() error {
			var reader io.Reader
			if body != nil {
				payload, err := json.Marshal(body)
				if err != nil {
					return retry.Unrecoverable(err)
				}
				reader = bytes.NewReader(payload)
			}

			req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("User-Agent", buildinfo.UserAgent)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := m.httpClient.Do(req)
			if err != nil {
				return errors.Wrap(err, "vpn manager request failed")
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
				err := fmt.Errorf("vpn manager %s returned status %d", path, resp.StatusCode)
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return retry.Unrecoverable(err)
				}
				return err
			}

			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return errors.Wrap(err, "failed to decode vpn manager response")
				}
			} else {
				io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			}
			return nil
		},
		retry.Attempts(managerRetryAttempts),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Uint("attempt", n+1).Str("path", path).Msg("retrying vpn manager request")
		}),
	)
}
