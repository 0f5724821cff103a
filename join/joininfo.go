package join

import (
	"errors"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/maxpoletaev/grid/membership"
)

var ErrMalformedJoinInfo = errors.New("malformed join info")

// JoinInfo is the discovery message exchanged over multicast. A node looking
// for the cluster sends a request, the master answers with a response
// carrying its own address.
type JoinInfo struct {
	Addr          membership.Address
	GroupName     string
	GroupPassword string
	NodeType      membership.NodeType
	Request       bool
}

const (
	fieldIP       protowire.Number = 1
	fieldPort     protowire.Number = 2
	fieldGroup    protowire.Number = 3
	fieldPassword protowire.Number = 4
	fieldType     protowire.Number = 5
	fieldRequest  protowire.Number = 6
)

func (ji *JoinInfo) Marshal() []byte {
	ip, _ := ji.Addr.IP.MarshalBinary()

	b := make([]byte, 0, 64)
	b = protowire.AppendTag(b, fieldIP, protowire.BytesType)
	b = protowire.AppendBytes(b, ip)
	b = protowire.AppendTag(b, fieldPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ji.Addr.Port))
	b = protowire.AppendTag(b, fieldGroup, protowire.BytesType)
	b = protowire.AppendString(b, ji.GroupName)
	b = protowire.AppendTag(b, fieldPassword, protowire.BytesType)
	b = protowire.AppendString(b, ji.GroupPassword)
	b = protowire.AppendTag(b, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(ji.NodeType))
	b = protowire.AppendTag(b, fieldRequest, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(ji.Request))

	return b
}

func (ji *JoinInfo) Unmarshal(b []byte) error {
	var (
		ip   netip.Addr
		port uint16
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedJoinInfo, protowire.ParseError(n))
		}

		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedJoinInfo, num, protowire.ParseError(n))
			}

			switch num {
			case fieldIP:
				if err := ip.UnmarshalBinary(v); err != nil {
					return fmt.Errorf("%w: ip: %v", ErrMalformedJoinInfo, err)
				}
			case fieldGroup:
				ji.GroupName = string(v)
			case fieldPassword:
				ji.GroupPassword = string(v)
			}

			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedJoinInfo, num, protowire.ParseError(n))
			}

			switch num {
			case fieldPort:
				port = uint16(v)
			case fieldType:
				ji.NodeType = membership.NodeType(v)
			case fieldRequest:
				ji.Request = protowire.DecodeBool(v)
			}

			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedJoinInfo, num, protowire.ParseError(n))
			}

			b = b[n:]
		}
	}

	if !ip.IsValid() || port == 0 {
		return fmt.Errorf("%w: missing address", ErrMalformedJoinInfo)
	}

	ji.Addr = membership.AddressFrom(ip, port)

	return nil
}
