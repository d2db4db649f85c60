package bus

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Message is the wire unit of the bus: a command name plus its arguments.
type Message struct {
	Command string
	Args    Args
}

// Encode renders the message as [command, args...].
//
// Postcondition: element 0 of the returned list is the command name.
func (m Message) Encode() *structpb.ListValue {
	values := make([]*structpb.Value, 0, len(m.Args)+1)
	values = append(values, structpb.NewStringValue(m.Command))
	for i := range m.Args {
		values = append(values, m.Args.At(i))
	}
	return &structpb.ListValue{Values: values}
}

// DecodeMessage strips the leading command name from a payload.
//
// Precondition: lv must be non-nil.
// Postcondition: Returns the message, or ErrMalformedMessage if element 0 is missing or not a string.
func DecodeMessage(lv *structpb.ListValue) (Message, error) {
	values := lv.GetValues()
	if len(values) == 0 {
		return Message{}, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}
	cmd, ok := values[0].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return Message{}, fmt.Errorf("%w: leading element is not a string", ErrMalformedMessage)
	}
	return Message{Command: cmd.StringValue, Args: Args(values[1:])}, nil
}
