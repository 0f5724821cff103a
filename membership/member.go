package membership

import "fmt"

// NodeType tells full members apart from lite nodes, which take part in the
// cluster but never own partitions.
type NodeType uint8

const (
	// NodeMember is a full data-owning member.
	NodeMember NodeType = iota + 1
	// NodeSuperClient is a lite member that holds no data.
	NodeSuperClient
)

// String returns the string representation of the node type.
func (t NodeType) String() string {
	switch t {
	case NodeMember:
		return "member"
	case NodeSuperClient:
		return "super_client"
	default:
		return ""
	}
}

// ParseNodeType is the inverse of NodeType.String.
func ParseNodeType(s string) (NodeType, error) {
	switch s {
	case "member", "":
		return NodeMember, nil
	case "super_client":
		return NodeSuperClient, nil
	default:
		return 0, fmt.Errorf("unknown node type: %q", s)
	}
}

// Member is a membership record of a single cluster node.
type Member struct {
	// Addr is where the node accepts cluster connections.
	Addr Address
	// Type is either a full member or a lite (super client) node.
	Type NodeType
	// Local is set for the record describing the current process.
	Local bool
}

// IsSuperClient returns true for lite members.
func (m Member) IsSuperClient() bool {
	return m.Type == NodeSuperClient
}

func (m Member) String() string {
	s := "Member [" + m.Addr.String() + "]"

	if m.Local {
		s += " this"
	}

	if m.IsSuperClient() {
		s += " super"
	}

	return s
}
