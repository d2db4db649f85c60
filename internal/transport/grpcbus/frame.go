// Package grpcbus carries the bus between processes over one bidirectional gRPC
// stream per peer. The authority runs a Server; each peer Dials it.
//
// Frames are google.protobuf.Struct values, so the service needs no generated
// code: the default proto codec marshals them directly.
package grpcbus

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/arena/internal/bus"
)

// frameType discriminates stream frames.
type frameType string

const (
	// frameWelcome tells a peer its assigned identity. Server → peer.
	frameWelcome frameType = "welcome"
	// frameChannel announces a channel created by the authority. Server → peer.
	frameChannel frameType = "channel"
	// frameEvent carries a one-way payload. Both directions.
	frameEvent frameType = "event"
	// frameInvoke carries a request payload awaiting a reply. Both directions.
	frameInvoke frameType = "invoke"
	// frameReply answers an invoke with the same id. Both directions.
	frameReply frameType = "reply"
)

// frame is the decoded form of one stream message.
type frame struct {
	Type    frameType
	Channel string
	Kind    bus.Kind
	ID      string
	Peer    bus.PeerID
	Error   string
	Payload *structpb.ListValue
}

func (f frame) toStruct() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"type": structpb.NewStringValue(string(f.Type)),
	}
	if f.Channel != "" {
		fields["channel"] = structpb.NewStringValue(f.Channel)
	}
	if f.Kind != 0 {
		fields["kind"] = structpb.NewNumberValue(float64(f.Kind))
	}
	if f.ID != "" {
		fields["id"] = structpb.NewStringValue(f.ID)
	}
	if f.Peer != "" {
		fields["peer"] = structpb.NewStringValue(string(f.Peer))
	}
	if f.Error != "" {
		fields["error"] = structpb.NewStringValue(f.Error)
	}
	if f.Payload != nil {
		fields["payload"] = structpb.NewListValue(f.Payload)
	}
	return &structpb.Struct{Fields: fields}
}

func frameFromStruct(s *structpb.Struct) (frame, error) {
	fields := s.GetFields()
	f := frame{
		Type:    frameType(fields["type"].GetStringValue()),
		Channel: fields["channel"].GetStringValue(),
		Kind:    bus.Kind(fields["kind"].GetNumberValue()),
		ID:      fields["id"].GetStringValue(),
		Peer:    bus.PeerID(fields["peer"].GetStringValue()),
		Error:   fields["error"].GetStringValue(),
		Payload: fields["payload"].GetListValue(),
	}
	switch f.Type {
	case frameWelcome:
		if f.Peer == "" {
			return frame{}, fmt.Errorf("welcome frame without peer id")
		}
	case frameChannel:
		if f.Channel == "" || (f.Kind != bus.KindEvent && f.Kind != bus.KindRequest) {
			return frame{}, fmt.Errorf("malformed channel announcement")
		}
	case frameEvent:
		if f.Channel == "" || f.Payload == nil {
			return frame{}, fmt.Errorf("malformed event frame")
		}
	case frameInvoke:
		if f.Channel == "" || f.ID == "" || f.Payload == nil {
			return frame{}, fmt.Errorf("malformed invoke frame")
		}
	case frameReply:
		if f.ID == "" {
			return frame{}, fmt.Errorf("reply frame without id")
		}
	default:
		return frame{}, fmt.Errorf("unknown frame type %q", f.Type)
	}
	return f, nil
}

// replyFor builds the reply frame for an invoke outcome.
func replyFor(id string, resp *structpb.ListValue, err error) frame {
	if err != nil {
		return frame{Type: frameReply, ID: id, Error: err.Error()}
	}
	if resp == nil {
		resp = &structpb.ListValue{}
	}
	return frame{Type: frameReply, ID: id, Payload: resp}
}

// outcome converts a received reply frame into the caller's result.
func (f frame) outcome() (*structpb.ListValue, error) {
	if f.Error != "" {
		return nil, &bus.RemoteError{Message: f.Error}
	}
	if f.Payload == nil {
		return &structpb.ListValue{}, nil
	}
	return f.Payload, nil
}
