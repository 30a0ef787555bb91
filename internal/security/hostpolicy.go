package security

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrHostBlocked is returned when a host falls outside a sandbox network
// policy.
var ErrHostBlocked = errors.New("host blocked by network policy")

// HostPolicy decides which hosts sandboxed code may reach. Entries are
// domain names, "*." wildcards, IP addresses or CIDR prefixes. A domain
// entry also covers its subdomains, so "github.com" admits
// "api.github.com" but not "notgithub.com".
type HostPolicy struct {
	allow        hostSet
	deny         hostSet
	defaultAllow bool
}

// AllowOnly admits the listed hosts and nothing else. With no entries it
// blocks every host.
func AllowOnly(entries ...string) *HostPolicy {
	return &HostPolicy{allow: parseHostSet(entries)}
}

// DenyListed admits every host except the listed ones.
func DenyListed(entries ...string) *HostPolicy {
	return &HostPolicy{deny: parseHostSet(entries), defaultAllow: true}
}

// CheckURL applies the policy to the host part of rawURL.
func (p *HostPolicy) CheckURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHostBlocked, err)
	}
	return p.CheckHost(u.Hostname())
}

// CheckHost applies the policy to a bare host, optionally with a port.
func (p *HostPolicy) CheckHost(host string) error {
	host = normalizeHost(host)
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrHostBlocked)
	}
	if p.deny.match(host) {
		return fmt.Errorf("%w: %s is denied", ErrHostBlocked, host)
	}
	if p.allow.match(host) || p.defaultAllow {
		return nil
	}
	return fmt.Errorf("%w: %s is not allowed", ErrHostBlocked, host)
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

type hostSet struct {
	domains  []string
	prefixes []netip.Prefix
}

func parseHostSet(entries []string) hostSet {
	var s hostSet
	for _, e := range entries {
		e = strings.TrimPrefix(normalizeHost(e), "*.")
		switch {
		case e == "":
		case strings.Contains(e, "/"):
			if pfx, err := netip.ParsePrefix(e); err == nil {
				s.prefixes = append(s.prefixes, pfx.Masked())
			}
		default:
			if addr, err := netip.ParseAddr(e); err == nil {
				s.prefixes = append(s.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
				continue
			}
			s.domains = append(s.domains, e)
		}
	}
	return s
}

func (s hostSet) match(host string) bool {
	if addr, err := netip.ParseAddr(host); err == nil {
		for _, p := range s.prefixes {
			if p.Contains(addr.Unmap()) {
				return true
			}
		}
		return false
	}
	for _, d := range s.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
