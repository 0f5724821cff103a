package network

import (
	"errors"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/maxpoletaev/grid/membership"
)

var ErrMalformedPacket = errors.New("malformed packet")

// Op identifies the purpose of a packet.
type Op uint8

const (
	OpBind Op = iota + 1
	OpJoinRequest
	OpMaster
	OpMembersUpdate
	OpAddListener
	OpRemoveListener
	OpEvent
	OpLedgerPut
	OpLedgerRemove
	OpLedgerSyncRequest
	OpLedgerSync
)

var opNames = map[Op]string{
	OpBind:              "bind",
	OpJoinRequest:       "join_request",
	OpMaster:            "master",
	OpMembersUpdate:     "members_update",
	OpAddListener:       "add_listener",
	OpRemoveListener:    "remove_listener",
	OpEvent:             "event",
	OpLedgerPut:         "ledger_put",
	OpLedgerRemove:      "ledger_remove",
	OpLedgerSyncRequest: "ledger_sync_request",
	OpLedgerSync:        "ledger_sync",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}

	return fmt.Sprintf("op(%d)", uint8(op))
}

// Packet is the unit of communication between cluster members. Only the
// fields relevant to a particular Op are set, the rest are left empty and
// take no space on the wire.
type Packet struct {
	Op           Op
	Name         string
	Key          []byte
	Value        []byte
	Long         int64
	Group        string
	Password     string
	IncludeValue bool
	Members      []membership.Member
	Entries      []string

	// Conn is the connection the packet was received from, From is the
	// address the connection is bound to. Both are set on the receiving side
	// only and are never encoded.
	Conn *Connection
	From membership.Address
}

const (
	fieldOp           protowire.Number = 1
	fieldName         protowire.Number = 2
	fieldKey          protowire.Number = 3
	fieldValue        protowire.Number = 4
	fieldLong         protowire.Number = 5
	fieldGroup        protowire.Number = 6
	fieldPassword     protowire.Number = 7
	fieldMembers      protowire.Number = 8
	fieldEntries      protowire.Number = 9
	fieldIncludeValue protowire.Number = 10

	fieldMemberIP   protowire.Number = 1
	fieldMemberPort protowire.Number = 2
	fieldMemberType protowire.Number = 3
)

// Marshal appends the wire representation of the packet to b.
func (p *Packet) Marshal(b []byte) []byte {
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Op))

	if p.Name != "" {
		b = protowire.AppendTag(b, fieldName, protowire.BytesType)
		b = protowire.AppendString(b, p.Name)
	}

	if p.Key != nil {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Key)
	}

	if p.Value != nil {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Value)
	}

	if p.Long != 0 {
		b = protowire.AppendTag(b, fieldLong, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(p.Long))
	}

	if p.Group != "" {
		b = protowire.AppendTag(b, fieldGroup, protowire.BytesType)
		b = protowire.AppendString(b, p.Group)
	}

	if p.Password != "" {
		b = protowire.AppendTag(b, fieldPassword, protowire.BytesType)
		b = protowire.AppendString(b, p.Password)
	}

	for _, m := range p.Members {
		b = protowire.AppendTag(b, fieldMembers, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalMember(m))
	}

	for _, e := range p.Entries {
		b = protowire.AppendTag(b, fieldEntries, protowire.BytesType)
		b = protowire.AppendString(b, e)
	}

	if p.IncludeValue {
		b = protowire.AppendTag(b, fieldIncludeValue, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}

	return b
}

// Unmarshal decodes a packet. Unknown fields are skipped.
func (p *Packet) Unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedPacket, protowire.ParseError(n))
		}

		b = b[n:]

		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: op: %v", ErrMalformedPacket, protowire.ParseError(n))
			}

			p.Op = Op(v)
			b = b[n:]
		case num == fieldLong && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: long: %v", ErrMalformedPacket, protowire.ParseError(n))
			}

			p.Long = protowire.DecodeZigZag(v)
			b = b[n:]
		case num == fieldIncludeValue && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: include_value: %v", ErrMalformedPacket, protowire.ParseError(n))
			}

			p.IncludeValue = protowire.DecodeBool(v)
			b = b[n:]
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedPacket, num, protowire.ParseError(n))
			}

			b = b[n:]

			if err := p.setBytesField(num, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformedPacket, num, protowire.ParseError(n))
			}

			b = b[n:]
		}
	}

	if p.Op == 0 {
		return fmt.Errorf("%w: missing op", ErrMalformedPacket)
	}

	return nil
}

func (p *Packet) setBytesField(num protowire.Number, v []byte) error {
	switch num {
	case fieldName:
		p.Name = string(v)
	case fieldKey:
		p.Key = append([]byte{}, v...)
	case fieldValue:
		p.Value = append([]byte{}, v...)
	case fieldGroup:
		p.Group = string(v)
	case fieldPassword:
		p.Password = string(v)
	case fieldEntries:
		p.Entries = append(p.Entries, string(v))
	case fieldMembers:
		m, err := unmarshalMember(v)
		if err != nil {
			return err
		}

		p.Members = append(p.Members, m)
	}

	return nil
}

func marshalMember(m membership.Member) []byte {
	var b []byte

	ip, _ := m.Addr.IP.MarshalBinary()

	b = protowire.AppendTag(b, fieldMemberIP, protowire.BytesType)
	b = protowire.AppendBytes(b, ip)
	b = protowire.AppendTag(b, fieldMemberPort, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Addr.Port))
	b = protowire.AppendTag(b, fieldMemberType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))

	return b
}

func unmarshalMember(b []byte) (membership.Member, error) {
	var (
		m    membership.Member
		ip   netip.Addr
		port uint16
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: member: %v", ErrMalformedPacket, protowire.ParseError(n))
		}

		b = b[n:]

		switch {
		case num == fieldMemberIP && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: member ip: %v", ErrMalformedPacket, protowire.ParseError(n))
			}

			if err := ip.UnmarshalBinary(v); err != nil {
				return m, fmt.Errorf("%w: member ip: %v", ErrMalformedPacket, err)
			}

			b = b[n:]
		case num == fieldMemberPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: member port: %v", ErrMalformedPacket, protowire.ParseError(n))
			}

			port = uint16(v)
			b = b[n:]
		case num == fieldMemberType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: member type: %v", ErrMalformedPacket, protowire.ParseError(n))
			}

			m.Type = membership.NodeType(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: member: %v", ErrMalformedPacket, protowire.ParseError(n))
			}

			b = b[n:]
		}
	}

	m.Addr = membership.AddressFrom(ip, port)

	return m, nil
}
