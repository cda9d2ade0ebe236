package state

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// SrvPrefix marks a contact point that is looked up as a _weft._tcp SRV record
const SrvPrefix = "srv:"

// SetResolvers configures the global default resolver
func SetResolvers(resolvers []string) {
	if len(resolvers) != 0 {
		net.DefaultResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: time.Second * 10}
				var lastErr error
				for _, r := range resolvers {
					conn, err := d.DialContext(ctx, network, r)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	}
}

// ResolveName resolves a hostname to a list of IP addresses
func ResolveName(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, ipStr := range ips {
		if addr, err := netip.ParseAddr(ipStr); err == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

// ResolveSRV resolves an SRV record using the default resolver
func ResolveSRV(ctx context.Context, service, proto, name string) (string, uint16, error) {
	_, addrs, err := net.DefaultResolver.LookupSRV(ctx, service, proto, name)
	if err != nil {
		return "", 0, err
	}
	if len(addrs) == 0 {
		return "", 0, fmt.Errorf("no SRV records found")
	}
	// Return the first SRV target and port
	return strings.TrimSuffix(addrs[0].Target, "."), addrs[0].Port, nil
}

// ResolveContactPoint turns a configured peer, either host:port or srv:name, into a dialable address
func ResolveContactPoint(ctx context.Context, contactPoint string) (netip.AddrPort, error) {
	var host string
	var port uint16
	if name, ok := strings.CutPrefix(contactPoint, SrvPrefix); ok {
		target, p, err := ResolveSRV(ctx, "weft", "tcp", name)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("failed to resolve %s: %w", contactPoint, err)
		}
		host, port = target, p
	} else {
		h, p, err := net.SplitHostPort(contactPoint)
		if err != nil {
			return netip.AddrPort{}, err
		}
		pn, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("invalid port in %s: %w", contactPoint, err)
		}
		host, port = h, uint16(pn)
	}
	addrs, err := ResolveName(ctx, host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("failed to resolve %s: %w", contactPoint, err)
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, fmt.Errorf("%s has no addresses", contactPoint)
	}
	return netip.AddrPortFrom(addrs[0], port), nil
}
