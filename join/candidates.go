package join

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/maxpoletaev/grid/membership"
)

// possibleMembers builds the list of join candidates from the configured
// members. Each host given without a port expands to several consecutive
// ports starting at the configured one, so that nodes which had to pick an
// incremented port are found as well. Entries that cannot be resolved are
// logged and skipped. The local address is never a candidate.
func (c *Coordinator) possibleMembers(ctx context.Context) []membership.Address {
	seen := make(map[membership.Address]struct{})
	candidates := make([]membership.Address, 0)

	add := func(addr membership.Address) {
		if addr == c.self.Addr {
			return
		}

		if _, ok := seen[addr]; ok {
			return
		}

		seen[addr] = struct{}{}
		candidates = append(candidates, addr)
	}

	addWithPorts := func(ip netip.Addr) {
		for i := 0; i < c.timing.PortsPerHost; i++ {
			add(membership.AddressFrom(ip, uint16(c.conf.Port+i)))
		}
	}

	for _, entry := range c.conf.TCP.Members {
		if host, portStr, err := net.SplitHostPort(entry); err == nil {
			port, err := strconv.ParseUint(portStr, 10, 16)
			if err != nil {
				level.Warn(c.logger).Log("msg", "invalid port in member entry", "entry", entry, "err", err)
				continue
			}

			ip, err := c.resolveOne(ctx, host)
			if err != nil {
				level.Warn(c.logger).Log("msg", "failed to resolve member", "entry", entry, "err", err)
				continue
			}

			add(membership.AddressFrom(ip, uint16(port)))

			continue
		}

		if IsPattern(entry) {
			p, _ := ParsePattern(entry)

			ips, err := p.Expand()
			if err != nil {
				level.Warn(c.logger).Log("msg", "failed to expand member pattern", "entry", entry, "err", err)
				continue
			}

			for _, ip := range ips {
				addWithPorts(ip)
			}

			continue
		}

		if ip, err := netip.ParseAddr(entry); err == nil {
			addWithPorts(ip)
			continue
		}

		ips, err := c.resolveAll(ctx, entry)
		if err != nil {
			level.Warn(c.logger).Log("msg", "failed to resolve member", "entry", entry, "err", err)
			continue
		}

		for _, ip := range ips {
			addWithPorts(ip)
		}
	}

	return candidates
}

// resolveAll resolves the host name to IPv4 addresses. When interface
// matching is enabled, only addresses matching one of the patterns are
// returned.
func (c *Coordinator) resolveAll(ctx context.Context, host string) ([]netip.Addr, error) {
	ips, err := c.resolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}

	addrs := make([]netip.Addr, 0, len(ips))

	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}

		addr = addr.Unmap()

		if c.conf.Interfaces.Enabled && !c.patterns.Match(addr) {
			continue
		}

		if !slices.Contains(addrs, addr) {
			addrs = append(addrs, addr)
		}
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("no matching address for %s", host)
	}

	return addrs, nil
}

// resolveOne returns the IP itself or the first matching address of the
// host name.
func (c *Coordinator) resolveOne(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}

	addrs, err := c.resolveAll(ctx, host)
	if err != nil {
		return netip.Addr{}, err
	}

	return addrs[0], nil
}

// requiredMember resolves the address of the required member. A port is
// optional and defaults to the configured port.
func (c *Coordinator) requiredMember(ctx context.Context) (membership.Address, error) {
	entry := c.conf.TCP.RequiredMember
	host, port := entry, uint64(c.conf.Port)

	if h, p, err := net.SplitHostPort(entry); err == nil {
		host = h

		port, err = strconv.ParseUint(p, 10, 16)
		if err != nil {
			return membership.Address{}, fmt.Errorf("%w: %s: %v", ErrInvalidRequiredMember, entry, err)
		}
	}

	ip, err := c.resolveOne(ctx, host)
	if err != nil {
		return membership.Address{}, fmt.Errorf("%w: %s: %v", ErrInvalidRequiredMember, entry, err)
	}

	return membership.AddressFrom(ip, uint16(port)), nil
}
