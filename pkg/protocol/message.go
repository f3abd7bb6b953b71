// Package protocol implements the envelopes of the protobuf.webpubsub.azure.v1
// WebSocket subprotocol.
//
// Envelopes are written and read with protowire directly so that the hot path
// can append into a caller supplied buffer and decoded payloads alias the
// received message instead of being copied.
package protocol

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Subprotocol is the WebSocket subprotocol both peers must negotiate.
const Subprotocol = "protobuf.webpubsub.azure.v1"

// ErrMalformed is returned when an envelope cannot be decoded.
var ErrMalformed = errors.New("protocol: malformed envelope")

// UpstreamType represents the kind of a client to service envelope.
type UpstreamType int

const (
	UpstreamJoinGroup UpstreamType = iota + 1
	UpstreamLeaveGroup
	UpstreamSendToGroup
)

// String returns the string representation of UpstreamType
func (t UpstreamType) String() string {
	switch t {
	case UpstreamJoinGroup:
		return "JOIN_GROUP"
	case UpstreamLeaveGroup:
		return "LEAVE_GROUP"
	case UpstreamSendToGroup:
		return "SEND_TO_GROUP"
	default:
		return "UNKNOWN"
	}
}

// Upstream is an envelope sent by a client.
type Upstream struct {
	Type  UpstreamType
	Group string
	// Data is only used by SendToGroup.
	Data []byte
}

// JoinGroup returns the envelope requesting membership of group.
func JoinGroup(group string) Upstream {
	return Upstream{Type: UpstreamJoinGroup, Group: group}
}

// LeaveGroup returns the envelope dropping membership of group.
func LeaveGroup(group string) Upstream {
	return Upstream{Type: UpstreamLeaveGroup, Group: group}
}

// SendToGroup returns the envelope publishing data to group.
func SendToGroup(group string, data []byte) Upstream {
	return Upstream{Type: UpstreamSendToGroup, Group: group, Data: data}
}

// Encode encodes the envelope into a new byte slice.
func (m *Upstream) Encode() ([]byte, error) {
	if m.Type < UpstreamJoinGroup || m.Type > UpstreamSendToGroup {
		return nil, errors.Errorf("protocol: cannot encode upstream type %d", m.Type)
	}
	return m.AppendTo(nil), nil
}

// AppendTo appends the wire form of the envelope to b.
// Unknown types append nothing.
func (m *Upstream) AppendTo(b []byte) []byte {
	switch m.Type {
	case UpstreamJoinGroup:
		return appendGroupOnly(b, upJoinGroup, m.Group)
	case UpstreamLeaveGroup:
		return appendGroupOnly(b, upLeaveGroup, m.Group)
	case UpstreamSendToGroup:
		inner := sizeString(1, m.Group) + sizeMessage(3, sizeBinaryData(m.Data))
		b = appendMessageHeader(b, upSendToGroup, inner)
		b = appendString(b, 1, m.Group)
		b = appendMessageHeader(b, 3, sizeBinaryData(m.Data))
		return appendBinaryData(b, m.Data)
	}
	return b
}

// Decode decodes bytes into the envelope.
// Data aliases data; it is not copied.
func (m *Upstream) Decode(data []byte) error {
	*m = Upstream{}
	return walk(data, func(num protowire.Number, v []byte) error {
		switch num {
		case upJoinGroup:
			m.Type = UpstreamJoinGroup
			return decodeGroupOnly(v, &m.Group)
		case upLeaveGroup:
			m.Type = UpstreamLeaveGroup
			return decodeGroupOnly(v, &m.Group)
		case upSendToGroup:
			m.Type = UpstreamSendToGroup
			return walk(v, func(num protowire.Number, v []byte) error {
				switch num {
				case 1:
					m.Group = string(v)
				case 3:
					return decodeMessageData(v, &m.Data)
				}
				return nil
			})
		}
		return nil
	})
}

// DownstreamType represents the kind of a service to client envelope.
type DownstreamType int

const (
	// DownstreamUnknown covers variants the client does not act on (acks, pongs).
	DownstreamUnknown DownstreamType = iota
	DownstreamConnected
	DownstreamDisconnected
	DownstreamData
)

// String returns the string representation of DownstreamType
func (t DownstreamType) String() string {
	switch t {
	case DownstreamConnected:
		return "CONNECTED"
	case DownstreamDisconnected:
		return "DISCONNECTED"
	case DownstreamData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// Downstream is an envelope sent by the service.
type Downstream struct {
	Type DownstreamType

	// Connected
	ConnectionID      string
	UserID            string
	ReconnectionToken string

	// Disconnected
	Reason string

	// Data
	From     string
	Group    string
	HasGroup bool
	Data     []byte
}

// Connected returns the system envelope that completes the handshake.
func Connected(connectionID, userID string) Downstream {
	return Downstream{Type: DownstreamConnected, ConnectionID: connectionID, UserID: userID}
}

// Disconnected returns the system envelope announcing the end of the session.
func Disconnected(reason string) Downstream {
	return Downstream{Type: DownstreamDisconnected, Reason: reason}
}

// GroupData returns a data envelope addressed to group.
func GroupData(group string, data []byte) Downstream {
	return Downstream{Type: DownstreamData, From: "group", Group: group, HasGroup: true, Data: data}
}

// DirectData returns a data envelope without a group.
func DirectData(from string, data []byte) Downstream {
	return Downstream{Type: DownstreamData, From: from, Data: data}
}

// RoutingKey returns the key used to multiplex a data envelope:
// the group when present, the sender otherwise.
func (m *Downstream) RoutingKey() string {
	if m.HasGroup {
		return m.Group
	}
	return m.From
}

// Encode encodes the envelope into a new byte slice.
func (m *Downstream) Encode() ([]byte, error) {
	if m.Type == DownstreamUnknown {
		return nil, errors.New("protocol: cannot encode unknown downstream envelope")
	}
	return m.AppendTo(nil), nil
}

// AppendTo appends the wire form of the envelope to b.
func (m *Downstream) AppendTo(b []byte) []byte {
	switch m.Type {
	case DownstreamConnected:
		conn := sizeString(1, m.ConnectionID) + sizeString(2, m.UserID) + sizeString(3, m.ReconnectionToken)
		b = appendMessageHeader(b, downSystem, sizeMessage(1, conn))
		b = appendMessageHeader(b, 1, conn)
		b = appendString(b, 1, m.ConnectionID)
		b = appendString(b, 2, m.UserID)
		return appendString(b, 3, m.ReconnectionToken)
	case DownstreamDisconnected:
		disc := sizeString(2, m.Reason)
		b = appendMessageHeader(b, downSystem, sizeMessage(2, disc))
		b = appendMessageHeader(b, 2, disc)
		return appendString(b, 2, m.Reason)
	case DownstreamData:
		inner := sizeString(1, m.From) + sizeMessage(3, sizeBinaryData(m.Data))
		if m.HasGroup {
			inner += protowire.SizeTag(2) + protowire.SizeBytes(len(m.Group))
		}
		b = appendMessageHeader(b, downData, inner)
		b = appendString(b, 1, m.From)
		if m.HasGroup {
			b = protowire.AppendTag(b, 2, protowire.BytesType)
			b = protowire.AppendString(b, m.Group)
		}
		b = appendMessageHeader(b, 3, sizeBinaryData(m.Data))
		return appendBinaryData(b, m.Data)
	}
	return b
}

// Decode decodes bytes into the envelope.
// Data aliases data; it is not copied.
func (m *Downstream) Decode(data []byte) error {
	*m = Downstream{}
	return walk(data, func(num protowire.Number, v []byte) error {
		switch num {
		case downData:
			m.Type = DownstreamData
			return walk(v, func(num protowire.Number, v []byte) error {
				switch num {
				case 1:
					m.From = string(v)
				case 2:
					m.Group = string(v)
					m.HasGroup = true
				case 3:
					return decodeMessageData(v, &m.Data)
				}
				return nil
			})
		case downSystem:
			m.Type = DownstreamUnknown
			return walk(v, func(num protowire.Number, v []byte) error {
				switch num {
				case 1:
					m.Type = DownstreamConnected
					return walk(v, func(num protowire.Number, v []byte) error {
						switch num {
						case 1:
							m.ConnectionID = string(v)
						case 2:
							m.UserID = string(v)
						case 3:
							m.ReconnectionToken = string(v)
						}
						return nil
					})
				case 2:
					m.Type = DownstreamDisconnected
					return walk(v, func(num protowire.Number, v []byte) error {
						if num == 2 {
							m.Reason = string(v)
						}
						return nil
					})
				}
				return nil
			})
		default:
			m.Type = DownstreamUnknown
		}
		return nil
	})
}
