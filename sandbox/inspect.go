package sandbox

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

const maxInspectDepth = 4

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Inspect renders a Lua value as a Lua-literal style string. Map keys are
// sorted so the output is deterministic.
func Inspect(v lua.LValue) string {
	var b strings.Builder
	inspect(&b, v, 0, map[*lua.LTable]bool{})
	return b.String()
}

func inspect(b *strings.Builder, v lua.LValue, depth int, seen map[*lua.LTable]bool) {
	switch val := v.(type) {
	case *lua.LNilType:
		b.WriteString("nil")
	case lua.LBool, lua.LNumber:
		b.WriteString(val.String())
	case lua.LString:
		b.WriteString(strconv.Quote(string(val)))
	case *lua.LTable:
		inspectTable(b, val, depth, seen)
	case *lua.LFunction:
		b.WriteString("<function>")
	case *lua.LUserData:
		if s, ok := val.Value.(fmt.Stringer); ok {
			b.WriteString(s.String())
			return
		}
		b.WriteString("<userdata>")
	case *lua.LState:
		b.WriteString("<thread>")
	default:
		b.WriteString(v.String())
	}
}

func inspectTable(b *strings.Builder, t *lua.LTable, depth int, seen map[*lua.LTable]bool) {
	if seen[t] {
		b.WriteString("<cycle>")
		return
	}
	if depth >= maxInspectDepth {
		b.WriteString("{...}")
		return
	}
	seen[t] = true
	defer delete(seen, t)

	n := t.Len()
	var keys []lua.LValue
	t.ForEach(func(k, _ lua.LValue) {
		if num, ok := k.(lua.LNumber); ok && float64(num) == float64(int(num)) && int(num) >= 1 && int(num) <= n {
			return
		}
		keys = append(keys, k)
	})
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	b.WriteString("{")
	first := true
	sep := func() {
		if !first {
			b.WriteString(", ")
		}
		first = false
	}
	for i := 1; i <= n; i++ {
		sep()
		inspect(b, t.RawGetInt(i), depth+1, seen)
	}
	for _, k := range keys {
		sep()
		if s, ok := k.(lua.LString); ok && identifier.MatchString(string(s)) {
			b.WriteString(string(s))
		} else {
			b.WriteString("[")
			inspect(b, k, depth+1, seen)
			b.WriteString("]")
		}
		b.WriteString(" = ")
		inspect(b, t.RawGet(k), depth+1, seen)
	}
	b.WriteString("}")
}

// isSequence reports whether t holds only the keys 1..n with n > 0.
func isSequence(t *lua.LTable) bool {
	n := t.Len()
	if n == 0 {
		return false
	}
	count := 0
	t.ForEach(func(_, _ lua.LValue) { count++ })
	return count == n
}

// truncate returns the first limit elements of a sequence.
func truncate(L *lua.LState, t *lua.LTable, limit int) *lua.LTable {
	out := L.CreateTable(limit, 0)
	for i := 1; i <= limit; i++ {
		out.Append(t.RawGetInt(i))
	}
	return out
}
