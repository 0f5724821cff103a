package join

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// maxPatternSize limits how many addresses a single pattern may expand to.
const maxPatternSize = 1 << 16

var (
	ErrInvalidPattern = errors.New("invalid interface pattern")
	ErrPatternTooWide = errors.New("interface pattern is too wide")
)

type octetRange struct {
	from, to uint8
}

func (r octetRange) contains(v uint8) bool {
	return v >= r.from && v <= r.to
}

func (r octetRange) size() int {
	return int(r.to) - int(r.from) + 1
}

// Pattern is an IPv4 address pattern, where each octet is either a literal
// number, a wildcard (*) or an inclusive range (a-b), e.g. 10.0.*.1-10.
type Pattern struct {
	raw    string
	octets [4]octetRange
}

// ParsePattern parses an interface pattern.
func ParsePattern(s string) (Pattern, error) {
	p := Pattern{raw: s}

	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 4 {
		return p, fmt.Errorf("%w: %q", ErrInvalidPattern, s)
	}

	for i, part := range parts {
		r, err := parseOctet(strings.TrimSpace(part))
		if err != nil {
			return p, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, s, err)
		}

		p.octets[i] = r
	}

	return p, nil
}

func parseOctet(s string) (octetRange, error) {
	if s == "*" {
		return octetRange{0, 255}, nil
	}

	if from, to, ok := strings.Cut(s, "-"); ok {
		a, err := strconv.ParseUint(strings.TrimSpace(from), 10, 8)
		if err != nil {
			return octetRange{}, err
		}

		b, err := strconv.ParseUint(strings.TrimSpace(to), 10, 8)
		if err != nil {
			return octetRange{}, err
		}

		if a > b {
			return octetRange{}, fmt.Errorf("empty range %s", s)
		}

		return octetRange{uint8(a), uint8(b)}, nil
	}

	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return octetRange{}, err
	}

	return octetRange{uint8(v), uint8(v)}, nil
}

// IsPattern reports whether the string looks like a pattern rather than a
// plain address or a host name.
func IsPattern(s string) bool {
	if !strings.ContainsAny(s, "*-") {
		return false
	}

	_, err := ParsePattern(s)

	return err == nil
}

// Match reports whether the IPv4 address matches the pattern.
func (p Pattern) Match(ip netip.Addr) bool {
	ip = ip.Unmap()
	if !ip.Is4() {
		return false
	}

	b := ip.As4()

	for i, r := range p.octets {
		if !r.contains(b[i]) {
			return false
		}
	}

	return true
}

// Size returns the number of addresses matching the pattern.
func (p Pattern) Size() int {
	n := 1
	for _, r := range p.octets {
		n *= r.size()
	}

	return n
}

// Expand returns all addresses matching the pattern, in ascending order.
func (p Pattern) Expand() ([]netip.Addr, error) {
	if size := p.Size(); size > maxPatternSize {
		return nil, fmt.Errorf("%w: %s matches %d addresses", ErrPatternTooWide, p.raw, size)
	}

	addrs := make([]netip.Addr, 0, p.Size())

	for a := int(p.octets[0].from); a <= int(p.octets[0].to); a++ {
		for b := int(p.octets[1].from); b <= int(p.octets[1].to); b++ {
			for c := int(p.octets[2].from); c <= int(p.octets[2].to); c++ {
				for d := int(p.octets[3].from); d <= int(p.octets[3].to); d++ {
					addrs = append(addrs, netip.AddrFrom4([4]byte{byte(a), byte(b), byte(c), byte(d)}))
				}
			}
		}
	}

	return addrs, nil
}

func (p Pattern) String() string {
	return p.raw
}

// Patterns is a set of patterns, matching an address if any of them does.
type Patterns []Pattern

// ParsePatterns parses a list of interface patterns.
func ParsePatterns(list []string) (Patterns, error) {
	patterns := make(Patterns, 0, len(list))

	for _, s := range list {
		p, err := ParsePattern(s)
		if err != nil {
			return nil, err
		}

		patterns = append(patterns, p)
	}

	return patterns, nil
}

func (ps Patterns) Match(ip netip.Addr) bool {
	for _, p := range ps {
		if p.Match(ip) {
			return true
		}
	}

	return false
}
