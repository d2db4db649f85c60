// Package bus multiplexes named commands over the small set of channels a host
// provides between the authority process and its peers.
//
// A process bootstraps one Endpoint around its Host. Sessions resolve channels
// through the endpoint, register command listeners in the channel's Router and
// send [command, args...] payloads through the channel's native primitives.
package bus

import (
	"context"

	"google.golang.org/protobuf/types/known/structpb"
)

// Role identifies which side of the process boundary an endpoint runs on.
type Role int

const (
	// RoleAuthority is the single process that owns canonical state (the server).
	RoleAuthority Role = iota + 1
	// RolePeer is a client process that can only message the authority.
	RolePeer
)

// String returns "authority", "peer" or "unknown".
func (r Role) String() string {
	switch r {
	case RoleAuthority:
		return "authority"
	case RolePeer:
		return "peer"
	default:
		return "unknown"
	}
}

// PeerID identifies a connected peer process.
type PeerID string

// AuthorityID is the sender attributed to messages that originate at the authority.
const AuthorityID PeerID = "authority"

// Kind is the shape of a channel.
type Kind int

const (
	// KindEvent is a fire-and-forget channel.
	KindEvent Kind = iota + 1
	// KindRequest is a request/response channel.
	KindRequest
)

// String returns "event", "request" or "unknown".
func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// Channel is a named conduit provided by the host.
type Channel interface {
	Name() string
	Kind() Kind
}

// EventFunc receives one inbound event payload.
// from is AuthorityID on peers and the sending peer on the authority.
type EventFunc func(from PeerID, payload *structpb.ListValue)

// EventChannel is the fire-and-forget channel shape.
// Sends to a disconnected peer are dropped silently.
type EventChannel interface {
	Channel
	// FireClient delivers payload to one peer. Authority only.
	FireClient(to PeerID, payload *structpb.ListValue) error
	// FireAllClients delivers payload to every connected peer. Authority only.
	FireAllClients(payload *structpb.ListValue) error
	// FireServer delivers payload to the authority. Peer only.
	FireServer(payload *structpb.ListValue) error
	// OnEvent installs fn for inbound payloads and returns its disconnect function.
	OnEvent(fn EventFunc) (disconnect func())
}

// InvokeFunc answers one inbound request payload.
type InvokeFunc func(ctx context.Context, from PeerID, payload *structpb.ListValue) (*structpb.ListValue, error)

// RequestChannel is the request/response channel shape.
type RequestChannel interface {
	Channel
	// InvokeClient asks one peer and waits for its reply. Authority only.
	InvokeClient(ctx context.Context, to PeerID, payload *structpb.ListValue) (*structpb.ListValue, error)
	// InvokeServer asks the authority and waits for its reply. Peer only.
	InvokeServer(ctx context.Context, payload *structpb.ListValue) (*structpb.ListValue, error)
	// OnInvoke sets the single request handler for this process, replacing any previous one.
	OnInvoke(fn InvokeFunc) (disconnect func())
}

// Host is one process's view of the engine transport.
type Host interface {
	// Role reports whether this process is the authority or a peer. It never changes.
	Role() Role
	// Self returns this process's identity; AuthorityID on the authority.
	Self() PeerID
	// Peers lists currently connected peers. Empty on peers.
	Peers() []PeerID
	// Create returns the channel with name, creating it if needed. Authority only; never blocks.
	Create(name string, kind Kind) (Channel, error)
	// Wait returns the channel with name once it exists, or ctx.Err().
	Wait(ctx context.Context, name string, kind Kind) (Channel, error)
}

// Presence is implemented by hosts that report peer connections on the authority.
type Presence interface {
	OnPeerJoined(fn func(PeerID)) (disconnect func())
	OnPeerLeft(fn func(PeerID)) (disconnect func())
}
