package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// blockedNets are special-use ranges a webhook must never reach.
var blockedNets = func() []*net.IPNet {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
		"2001:db8::/32",
		"2001::/32",
		"2002::/16",
		"64:ff9b::/96",
		"ff00::/8",
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		if _, n, err := net.ParseCIDR(c); err == nil {
			nets = append(nets, n)
		}
	}
	return nets
}()

func blockedIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	for _, n := range blockedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// encodedIP reports hostnames written as hex, octal or packed decimal IPs,
// which some HTTP stacks resolve but net.ParseIP does not.
func encodedIP(host string) bool {
	if hasHexPrefix(host) || digitsOnly(host) {
		return true
	}
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if hasHexPrefix(p) || (len(p) > 1 && p[0] == '0' && digitsOnly(p)) {
			return true
		}
	}
	return false
}

func hasHexPrefix(s string) bool {
	return len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X")
}

func digitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ValidateURL checks a webhook URL before any DNS lookup. Resolved
// addresses are checked again at dial time.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.New("webhook URL must use http or https")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("webhook URL has no host")
	}
	if encodedIP(host) {
		return errors.New("webhook URL contains alternative IP encoding")
	}
	if ip := net.ParseIP(host); ip != nil && blockedIP(ip) {
		return errors.New("webhook URL points to a blocked IP range")
	}
	return nil
}

// safeDial resolves the host, rejects blocked addresses and connects to the
// validated IP so a second lookup cannot rebind it.
func safeDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS resolution failed for %q: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for %q", host)
	}
	for _, ip := range ips {
		if blockedIP(ip.IP) {
			return nil, fmt.Errorf("blocked: %s resolves to %s (private/reserved range)", host, ip.IP)
		}
	}
	d := &net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}
