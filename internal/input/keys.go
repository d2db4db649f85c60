// Package input binds player actions to keys and carries activations from
// peers to the authority over per-keybind channels.
package input

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKey is returned when a key name is not in the mapper's table.
var ErrUnknownKey = errors.New("unknown key name")

// Device is the input device family a key belongs to.
type Device int

const (
	DeviceKeyboard Device = iota + 1
	DeviceMouse
	DeviceGamepad
)

func (d Device) String() string {
	switch d {
	case DeviceKeyboard:
		return "keyboard"
	case DeviceMouse:
		return "mouse"
	case DeviceGamepad:
		return "gamepad"
	default:
		return fmt.Sprintf("Device(%d)", int(d))
	}
}

// Key is a resolved physical input.
type Key struct {
	Device Device
	// Code is the canonical key name, e.g. "MouseButton1" or "ButtonR1".
	Code string
}

func (k Key) String() string { return k.Device.String() + ":" + k.Code }

// KeyMapper resolves the short names used in keybind files to Keys.
type KeyMapper struct {
	keys map[string]Key
}

// NewKeyMapper returns a mapper with the standard PC and gamepad names.
//
// PC names are letters (Q), digits (1 or One), F1 to F12, named keys (Space,
// LeftShift) and mouse buttons M1 to M3. Gamepad names are ButtonA to ButtonY,
// ButtonStart and ButtonSelect, the d-pad (DPadUp) and the shoulder, trigger
// and stick buttons, which also accept their short form (R1, L3). Names are
// case-insensitive.
func NewKeyMapper() KeyMapper {
	m := KeyMapper{keys: make(map[string]Key)}

	for c := 'A'; c <= 'Z'; c++ {
		m.add(string(c), DeviceKeyboard, string(c))
	}
	digits := []string{"Zero", "One", "Two", "Three", "Four", "Five", "Six", "Seven", "Eight", "Nine"}
	for i, name := range digits {
		m.add(fmt.Sprint(i), DeviceKeyboard, name)
		m.add(name, DeviceKeyboard, name)
	}
	for i := 1; i <= 12; i++ {
		name := fmt.Sprintf("F%d", i)
		m.add(name, DeviceKeyboard, name)
	}
	for _, name := range []string{
		"Space", "Tab", "Escape", "Return", "Backspace",
		"LeftShift", "RightShift", "LeftControl", "RightControl", "LeftAlt", "RightAlt",
		"Up", "Down", "Left", "Right",
	} {
		m.add(name, DeviceKeyboard, name)
	}

	for i := 1; i <= 3; i++ {
		code := fmt.Sprintf("MouseButton%d", i)
		m.add(fmt.Sprintf("M%d", i), DeviceMouse, code)
		m.add(code, DeviceMouse, code)
	}

	for _, b := range []string{"A", "B", "X", "Y", "L1", "R1", "L2", "R2", "L3", "R3", "Start", "Select"} {
		code := "Button" + b
		m.add(code, DeviceGamepad, code)
		if len(b) == 2 {
			m.add(b, DeviceGamepad, code)
		}
	}
	for _, d := range []string{"Up", "Down", "Left", "Right"} {
		m.add("DPad"+d, DeviceGamepad, "DPad"+d)
	}
	return m
}

func (m KeyMapper) add(name string, device Device, code string) {
	m.keys[strings.ToLower(name)] = Key{Device: device, Code: code}
}

// Parse resolves name case-insensitively.
//
// Postcondition: Returns the Key, or an error wrapping ErrUnknownKey.
func (m KeyMapper) Parse(name string) (Key, error) {
	k, ok := m.keys[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}
	return k, nil
}
