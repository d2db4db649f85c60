package scripting

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// ToGo converts a Lua value into plain Go values. Tables with a contiguous
// 1..n array part and no other keys become []any; other tables become
// map[string]any with keys rendered by tostring. Functions, userdata, threads
// and channels are rejected.
func ToGo(v lua.LValue) (any, error) {
	switch tv := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(tv), nil
	case lua.LNumber:
		return float64(tv), nil
	case lua.LString:
		return string(tv), nil
	case *lua.LTable:
		return tableToGo(tv)
	default:
		return nil, fmt.Errorf("cannot convert Lua %s", v.Type())
	}
}

func tableToGo(t *lua.LTable) (any, error) {
	n := t.Len()
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })

	if n > 0 && n == count {
		out := make([]any, 0, n)
		for i := 1; i <= n; i++ {
			v, err := ToGo(t.RawGetInt(i))
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, v)
		}
		return out, nil
	}

	out := make(map[string]any, count)
	var firstErr error
	t.ForEach(func(k, v lua.LValue) {
		if firstErr != nil {
			return
		}
		gv, err := ToGo(v)
		if err != nil {
			firstErr = fmt.Errorf("%s: %w", k.String(), err)
			return
		}
		out[k.String()] = gv
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
