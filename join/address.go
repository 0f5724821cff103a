package join

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/grid/membership"
)

const maxPortAttempts = 100

var (
	ErrNoInterface = errors.New("no matching network interface found")
	ErrNoFreePort  = errors.New("no free port found")
)

var fallbackAddr = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// BindConfig describes how the local node picks the address it listens on
// and advertises to other members.
type BindConfig struct {
	// Addr overrides the advertised IP. Optional.
	Addr              string
	Port              int
	PortAutoIncrement bool
	Interfaces        InterfacesConfig
}

// PickAddress selects the local address and opens the listener. The IP is
// taken from the override if set, otherwise it is the first IPv4 address
// of a local interface that matches the interface patterns or, with the
// interface matching disabled, the first non-loopback one. If the
// configured port is taken and auto-increment is on, the following ports
// are tried.
func PickAddress(ctx context.Context, conf BindConfig, logger log.Logger) (membership.Address, net.Listener, error) {
	ip, err := pickIP(ctx, conf)
	if err != nil {
		return membership.Address{}, nil, err
	}

	attempts := 1
	if conf.PortAutoIncrement {
		attempts = maxPortAttempts
	}

	listenHost := ""
	if conf.Addr != "" {
		listenHost = ip.String()
	}

	lc := net.ListenConfig{}

	for i := 0; i < attempts; i++ {
		port := conf.Port + i

		listener, err := lc.Listen(ctx, "tcp", net.JoinHostPort(listenHost, strconv.Itoa(port)))
		if err != nil {
			level.Debug(logger).Log("msg", "port is not available", "port", port, "err", err)
			continue
		}

		if conf.Port == 0 {
			port = listener.Addr().(*net.TCPAddr).Port
		}

		return membership.AddressFrom(ip, uint16(port)), listener, nil
	}

	return membership.Address{}, nil, fmt.Errorf("%w: %d-%d", ErrNoFreePort, conf.Port, conf.Port+attempts-1)
}

func pickIP(ctx context.Context, conf BindConfig) (netip.Addr, error) {
	if conf.Addr != "" {
		if ip, err := netip.ParseAddr(conf.Addr); err == nil {
			return ip.Unmap(), nil
		}

		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", conf.Addr)
		if err != nil || len(ips) == 0 {
			return netip.Addr{}, fmt.Errorf("failed to resolve bind address %s: %v", conf.Addr, err)
		}

		return ips[0].Unmap(), nil
	}

	ifaddrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to list interface addresses: %w", err)
	}

	candidates := make([]netip.Addr, 0, len(ifaddrs))

	for _, a := range ifaddrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip, ok := netip.AddrFromSlice(ipnet.IP); ok {
				candidates = append(candidates, ip.Unmap())
			}
		}
	}

	return selectIP(candidates, conf.Interfaces)
}

func selectIP(candidates []netip.Addr, ifaces InterfacesConfig) (netip.Addr, error) {
	if ifaces.Enabled {
		patterns, err := ParsePatterns(ifaces.Patterns)
		if err != nil {
			return netip.Addr{}, err
		}

		for _, ip := range candidates {
			if ip.Is4() && patterns.Match(ip) {
				return ip, nil
			}
		}

		return netip.Addr{}, ErrNoInterface
	}

	for _, ip := range candidates {
		if ip.Is4() && !ip.IsLoopback() {
			return ip, nil
		}
	}

	return fallbackAddr, nil
}
