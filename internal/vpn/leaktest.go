// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package vpn

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fetcharr/fetcharr/internal/buildinfo"
)

// Prober observes the host's actual network egress, independent of
// what the VPN provider claims.
type Prober interface {
	// PublicIP returns the IP the outside world sees.
	PublicIP(ctx context.Context) (string, error)
	// ResolverIPs returns the DNS resolvers currently in use.
	ResolverIPs(ctx context.Context) ([]string, error)
	// IPv6Egress reports whether the host can reach the internet over IPv6.
	IPv6Egress(ctx context.Context) (bool, error)
}

// Check is one leak test probe outcome.
type Check struct {
	Name   string
	Passed bool
	Detail string
}

// LeakTestResult aggregates the four probes. Every probe must pass for
// the tunnel to be considered leak-free.
type LeakTestResult struct {
	Checks []Check
}

func (r LeakTestResult) Passed() bool {
	if len(r.Checks) == 0 {
		return false
	}
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// Failures returns the names of failed checks.
func (r LeakTestResult) Failures() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// HTTPProber is the production Prober: an IP echo service for the
// public IP, resolv.conf for resolvers and a direct dial for IPv6.
type HTTPProber struct {
	publicIPURL   string
	ipv6CheckHost string
	resolvConf    string
	httpClient    *http.Client
}

func NewHTTPProber(publicIPURL, ipv6CheckHost string, timeout time.Duration) *HTTPProber {
	if publicIPURL == "" {
		publicIPURL = "https://api.ipify.org"
	}
	if ipv6CheckHost == "" {
		ipv6CheckHost = "ipv6.google.com:443"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{
		publicIPURL:   publicIPURL,
		ipv6CheckHost: ipv6CheckHost,
		resolvConf:    "/etc/resolv.conf",
		httpClient:    &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProber) PublicIP(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.publicIPURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build public ip request")
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "public ip probe failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("public ip probe returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 128))
	if err != nil {
		return "", errors.Wrap(err, "failed to read public ip response")
	}

	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", errors.Errorf("public ip probe returned %q, not an ip", ip)
	}
	return ip, nil
}

func (p *HTTPProber) ResolverIPs(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(p.resolvConf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read resolv.conf")
	}

	var resolvers []string
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) >= 2 && fields[0] == "nameserver" {
			if net.ParseIP(fields[1]) != nil {
				resolvers = append(resolvers, fields[1])
			}
		}
	}
	return resolvers, nil
}

func (p *HTTPProber) IPv6Egress(ctx context.Context) (bool, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp6", p.ipv6CheckHost)
	if err != nil {
		// No route means no IPv6 egress, which is what we want.
		return false, nil
	}
	conn.Close()
	return true, nil
}

// RunLeakTest executes every probe against the current tunnel state.
// expectedIP is the VPN-assigned egress IP; ispNetworks are CIDRs that
// would indicate traffic escaping to the local ISP. minResolvers is
// the minimum number of resolvers the host must present before the
// DNS check can pass; below 1 it defaults to 1.
func RunLeakTest(ctx context.Context, prober Prober, expectedIP string, ispNetworks []string, minResolvers int) LeakTestResult {
	var result LeakTestResult

	if minResolvers < 1 {
		minResolvers = 1
	}
	ispNets := parseNetworks(ispNetworks)

	// Public IP must match the tunnel and sit outside ISP space.
	publicIP, err := prober.PublicIP(ctx)
	switch {
	case err != nil:
		result.Checks = append(result.Checks, Check{Name: "public_ip", Detail: err.Error()})
	case expectedIP != "" && publicIP != expectedIP:
		result.Checks = append(result.Checks, Check{
			Name:   "public_ip",
			Detail: fmt.Sprintf("observed %s, tunnel assigned %s", publicIP, expectedIP),
		})
	case inNetworks(publicIP, ispNets):
		result.Checks = append(result.Checks, Check{
			Name:   "public_ip",
			Detail: fmt.Sprintf("observed %s belongs to the local ISP", publicIP),
		})
	default:
		result.Checks = append(result.Checks, Check{Name: "public_ip", Passed: true, Detail: publicIP})
	}

	// Resolvers inside ISP space mean DNS queries bypass the tunnel.
	resolvers, err := prober.ResolverIPs(ctx)
	switch {
	case err != nil:
		result.Checks = append(result.Checks, Check{Name: "dns_resolvers", Detail: err.Error()})
	case len(resolvers) < minResolvers:
		result.Checks = append(result.Checks, Check{
			Name:   "dns_resolvers",
			Detail: fmt.Sprintf("found %d resolvers, need at least %d", len(resolvers), minResolvers),
		})
	default:
		leaked := ""
		for _, r := range resolvers {
			if inNetworks(r, ispNets) {
				leaked = r
				break
			}
		}
		if leaked != "" {
			result.Checks = append(result.Checks, Check{
				Name:   "dns_resolvers",
				Detail: fmt.Sprintf("resolver %s belongs to the local ISP", leaked),
			})
		} else {
			result.Checks = append(result.Checks, Check{
				Name:   "dns_resolvers",
				Passed: true,
				Detail: strings.Join(resolvers, ", "),
			})
		}
	}

	// IPv6 egress bypasses IPv4-only tunnels entirely.
	hasV6, err := prober.IPv6Egress(ctx)
	switch {
	case err != nil:
		result.Checks = append(result.Checks, Check{Name: "ipv6_egress", Detail: err.Error()})
	case hasV6:
		result.Checks = append(result.Checks, Check{Name: "ipv6_egress", Detail: "host has direct ipv6 egress"})
	default:
		result.Checks = append(result.Checks, Check{Name: "ipv6_egress", Passed: true, Detail: "no ipv6 egress"})
	}

	// A real WebRTC leak needs a browser context. At the process level
	// there is no WebRTC stack, so this check always holds.
	result.Checks = append(result.Checks, Check{
		Name:   "webrtc",
		Passed: true,
		Detail: "no webrtc stack at process level",
	})

	return result
}

func parseNetworks(cidrs []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}

func inNetworks(ip string, nets []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
