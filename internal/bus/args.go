package bus

import (
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"
)

// Args is the ordered argument list carried by a command message.
// Each element is a tagged variant (null, number, string, bool, struct or list);
// the bus passes them through without interpreting them.
type Args []*structpb.Value

// NewArgs converts Go values into Args.
//
// Accepted values are those supported by structpb.NewValue plus *structpb.Value,
// *structpb.Struct and *structpb.ListValue, which are used as-is.
//
// Postcondition: Returns Args of len(vals) or an error naming the first unsupported argument.
func NewArgs(vals ...any) (Args, error) {
	out := make(Args, 0, len(vals))
	for i, v := range vals {
		pv, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, pv)
	}
	return out, nil
}

// MustArgs is like NewArgs but panics on an unsupported value.
// Intended for literals in handlers and tests.
func MustArgs(vals ...any) Args {
	args, err := NewArgs(vals...)
	if err != nil {
		panic(fmt.Sprintf("bus.MustArgs: %v", err))
	}
	return args
}

func toValue(v any) (*structpb.Value, error) {
	switch tv := v.(type) {
	case *structpb.Value:
		if tv == nil {
			return structpb.NewNullValue(), nil
		}
		return tv, nil
	case *structpb.Struct:
		return structpb.NewStructValue(tv), nil
	case *structpb.ListValue:
		return structpb.NewListValue(tv), nil
	case Args:
		return structpb.NewListValue(tv.List()), nil
	}
	return structpb.NewValue(v)
}

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// At returns the i-th argument, or a null value when i is out of range.
func (a Args) At(i int) *structpb.Value {
	if i < 0 || i >= len(a) || a[i] == nil {
		return structpb.NewNullValue()
	}
	return a[i]
}

// Expect checks that exactly n arguments were supplied.
func (a Args) Expect(n int) error {
	if len(a) != n {
		return fmt.Errorf("%w: want %d, got %d", ErrArity, n, len(a))
	}
	return nil
}

// String returns the i-th argument as a string.
func (a Args) String(i int) (string, error) {
	v, ok := a.At(i).GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", fmt.Errorf("argument %d is not a string", i)
	}
	return v.StringValue, nil
}

// Number returns the i-th argument as a float64.
func (a Args) Number(i int) (float64, error) {
	v, ok := a.At(i).GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("argument %d is not a number", i)
	}
	return v.NumberValue, nil
}

// Bool returns the i-th argument as a bool.
func (a Args) Bool(i int) (bool, error) {
	v, ok := a.At(i).GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, fmt.Errorf("argument %d is not a bool", i)
	}
	return v.BoolValue, nil
}

// Struct returns the i-th argument as a struct.
func (a Args) Struct(i int) (*structpb.Struct, error) {
	v, ok := a.At(i).GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, fmt.Errorf("argument %d is not a struct", i)
	}
	return v.StructValue, nil
}

// Interface converts every argument to its plain Go representation.
func (a Args) Interface() []any {
	out := make([]any, len(a))
	for i := range a {
		out[i] = a.At(i).AsInterface()
	}
	return out
}

// List wraps the arguments in a ListValue without copying them.
func (a Args) List() *structpb.ListValue {
	return &structpb.ListValue{Values: a}
}
