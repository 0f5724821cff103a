package membership

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

var ErrInvalidAddress = errors.New("invalid address")

// Address identifies the network location of a cluster node. It is a plain
// comparable value, so two addresses are equal when both host and port match,
// and it can be used as a map key directly.
type Address struct {
	IP   netip.Addr
	Port uint16
}

// AddressFrom creates an address from an already resolved IP.
func AddressFrom(ip netip.Addr, port uint16) Address {
	return Address{IP: ip.Unmap(), Port: port}
}

// ParseAddress parses a numeric "ip:port" string. Host names are not
// resolved here, see the join package for DNS-based discovery.
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}

	return AddressFrom(ap.Addr(), ap.Port()), nil
}

// AddressFromNet converts a TCP or UDP address returned by the net package.
func AddressFromNet(addr net.Addr) (Address, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return Address{}, fmt.Errorf("%w: %s", ErrInvalidAddress, a)
		}

		return AddressFrom(ip, uint16(a.Port)), nil
	case *net.UDPAddr:
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return Address{}, fmt.Errorf("%w: %s", ErrInvalidAddress, a)
		}

		return AddressFrom(ip, uint16(a.Port)), nil
	default:
		return ParseAddress(addr.String())
	}
}

// IsZero reports whether the address has not been set.
func (a Address) IsZero() bool {
	return !a.IP.IsValid() && a.Port == 0
}

// AddrPort returns the address in netip form.
func (a Address) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(a.IP, a.Port)
}

// Host returns the textual IP without the port.
func (a Address) Host() string {
	return a.IP.String()
}

func (a Address) String() string {
	if !a.IP.IsValid() {
		return ":" + strconv.Itoa(int(a.Port))
	}

	return a.AddrPort().String()
}

// Compare defines a total order over addresses: IP bytes first (in their
// 16-byte form), then port. All nodes observing the same set of addresses
// agree on this order, which makes it suitable for master election.
func (a Address) Compare(b Address) int {
	ab, bb := a.IP.As16(), b.IP.As16()
	if c := bytes.Compare(ab[:], bb[:]); c != 0 {
		return c
	}

	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	default:
		return 0
	}
}

// Less reports whether a orders before b.
func (a Address) Less(b Address) bool {
	return a.Compare(b) < 0
}
