// Package template renders {{ expression }} templates. Expressions are Lua,
// evaluated in a sandboxed gopher-lua state with read access to entity states.
package template

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"openpeer-hub/internal/core"
)

// ErrTemplate marks every template parse or evaluation failure.
var ErrTemplate = errors.New("template error")

// DefaultTimeout bounds a single render.
const DefaultTimeout = 2 * time.Second

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var luaKeywords = map[string]bool{
	"and": true, "break": true, "do": true, "else": true, "elseif": true,
	"end": true, "false": true, "for": true, "function": true, "goto": true,
	"if": true, "in": true, "local": true, "nil": true, "not": true,
	"or": true, "repeat": true, "return": true, "then": true, "true": true,
	"until": true, "while": true,
}

// Renderer implements core.TemplateEngine.
type Renderer struct {
	hub     *core.Hub
	timeout time.Duration
}

// NewRenderer creates a renderer reading states from h.
func NewRenderer(h *core.Hub) *Renderer {
	return &Renderer{hub: h, timeout: DefaultTimeout}
}

// SetTimeout changes the per-render time limit.
func (r *Renderer) SetTimeout(d time.Duration) {
	r.timeout = d
}

type segment struct {
	text string
	expr bool
}

func parse(source string) ([]segment, error) {
	var segs []segment
	rest := source
	for {
		i := strings.Index(rest, "{{")
		if i < 0 {
			if rest != "" {
				segs = append(segs, segment{text: rest})
			}
			return segs, nil
		}
		if i > 0 {
			segs = append(segs, segment{text: rest[:i]})
		}
		j := strings.Index(rest[i+2:], "}}")
		if j < 0 {
			return nil, fmt.Errorf("unclosed {{ in %q", source)
		}
		expr := strings.TrimSpace(rest[i+2 : i+2+j])
		if expr == "" {
			return nil, fmt.Errorf("empty expression in %q", source)
		}
		segs = append(segs, segment{text: expr, expr: true})
		rest = rest[i+2+j+2:]
	}
}

// singleExpression returns the only expression of segs when everything
// around it is whitespace.
func singleExpression(segs []segment) (string, bool) {
	expr, found := "", false
	for _, s := range segs {
		switch {
		case s.expr && found:
			return "", false
		case s.expr:
			expr, found = s.text, true
		case strings.TrimSpace(s.text) != "":
			return "", false
		}
	}
	return expr, found
}

// IsTemplate reports whether s contains a template expression.
func IsTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// Render evaluates source. A source that is exactly one expression yields
// the expression's native value; anything else yields a string.
func (r *Renderer) Render(source string, vars map[string]any, limited bool) (any, error) {
	segs, err := parse(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	if len(segs) == 0 {
		return "", nil
	}
	if !IsTemplate(source) {
		return source, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	L := r.newState(ctx, vars, limited)
	defer L.Close()

	if expr, ok := singleExpression(segs); ok {
		return r.eval(L, expr)
	}

	var sb strings.Builder
	for _, s := range segs {
		if !s.expr {
			sb.WriteString(s.text)
			continue
		}
		v, err := r.eval(L, s.text)
		if err != nil {
			return nil, err
		}
		sb.WriteString(ToString(v))
	}
	return sb.String(), nil
}

func (r *Renderer) eval(L *lua.LState, expr string) (any, error) {
	if err := L.DoString("return " + expr); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = fmt.Sprintf("timeout (%s)", r.timeout)
		}
		return nil, fmt.Errorf("%w: {{ %s }}: %s", ErrTemplate, expr, msg)
	}
	v := L.Get(-1)
	L.Pop(1)
	return luaToGo(v), nil
}

func (r *Renderer) newState(ctx context.Context, vars map[string]any, limited bool) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	// Sandbox
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetContext(ctx)

	r.registerFunctions(L, limited)

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	tbl := L.NewTable()
	for _, name := range names {
		lv := goToLua(L, vars[name])
		tbl.RawSetString(name, lv)
		if identRe.MatchString(name) && !luaKeywords[name] && L.GetGlobal(name) == lua.LNil {
			L.SetGlobal(name, lv)
		}
	}
	L.SetGlobal("vars", tbl)
	return L
}

func (r *Renderer) registerFunctions(L *lua.LState, limited bool) {
	h := r.hub

	L.SetGlobal("now", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(float64(h.Now().UnixNano()) / 1e9))
		return 1
	}))

	// datetime(component)
	L.SetGlobal("datetime", L.NewFunction(func(L *lua.LState) int {
		component := L.CheckString(1)
		now := h.Now()
		switch component {
		case "hour":
			L.Push(lua.LNumber(now.Hour()))
		case "minute":
			L.Push(lua.LNumber(now.Minute()))
		case "second":
			L.Push(lua.LNumber(now.Second()))
		case "weekday":
			L.Push(lua.LNumber(now.Weekday()))
		case "day":
			L.Push(lua.LNumber(now.Day()))
		case "month":
			L.Push(lua.LNumber(now.Month()))
		case "year":
			L.Push(lua.LNumber(now.Year()))
		case "timestamp":
			L.Push(lua.LNumber(now.Unix()))
		case "time_str":
			L.Push(lua.LString(now.Format("15:04:05")))
		case "date_str":
			L.Push(lua.LString(now.Format("2006-01-02")))
		default:
			L.ArgError(1, "unknown component: "+component)
			return 0
		}
		return 1
	}))

	// time_between(from_hour, to_hour) wraps past midnight when from > to.
	L.SetGlobal("time_between", L.NewFunction(func(L *lua.LState) int {
		from := L.CheckInt(1)
		to := L.CheckInt(2)
		hour := h.Now().Hour()
		var result bool
		if from <= to {
			result = hour >= from && hour < to
		} else {
			result = hour >= from || hour < to
		}
		L.Push(lua.LBool(result))
		return 1
	}))

	L.SetGlobal("float", L.NewFunction(func(L *lua.LState) int {
		v := L.Get(1)
		if f, ok := toFloat(v); ok {
			L.Push(lua.LNumber(f))
			return 1
		}
		if L.GetTop() >= 2 {
			L.Push(L.Get(2))
			return 1
		}
		L.RaiseError("float: cannot convert %q", v.String())
		return 0
	}))

	L.SetGlobal("int", L.NewFunction(func(L *lua.LState) int {
		v := L.Get(1)
		if f, ok := toFloat(v); ok {
			L.Push(lua.LNumber(math.Trunc(f)))
			return 1
		}
		if L.GetTop() >= 2 {
			L.Push(L.Get(2))
			return 1
		}
		L.RaiseError("int: cannot convert %q", v.String())
		return 0
	}))

	if limited {
		return
	}

	L.SetGlobal("states", L.NewFunction(func(L *lua.LState) int {
		st := h.States.Get(L.CheckString(1))
		if st == nil {
			L.Push(lua.LString(core.StateUnknown))
			return 1
		}
		L.Push(lua.LString(st.State))
		return 1
	}))

	L.SetGlobal("state_object", L.NewFunction(func(L *lua.LState) int {
		st := h.States.Get(L.CheckString(1))
		if st == nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(goToLua(L, st))
		return 1
	}))

	L.SetGlobal("is_state", L.NewFunction(func(L *lua.LState) int {
		st := h.States.Get(L.CheckString(1))
		want := L.CheckAny(2)
		L.Push(lua.LBool(st != nil && st.State == luaString(want)))
		return 1
	}))

	L.SetGlobal("state_attr", L.NewFunction(func(L *lua.LState) int {
		st := h.States.Get(L.CheckString(1))
		name := L.CheckString(2)
		if st == nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(goToLua(L, st.Attributes[name]))
		return 1
	}))

	L.SetGlobal("is_state_attr", L.NewFunction(func(L *lua.LState) int {
		st := h.States.Get(L.CheckString(1))
		name := L.CheckString(2)
		want := L.CheckAny(3)
		if st == nil {
			L.Push(lua.LFalse)
			return 1
		}
		v, ok := st.Attributes[name]
		L.Push(lua.LBool(ok && ToString(v) == luaString(want)))
		return 1
	}))

	L.SetGlobal("has_value", L.NewFunction(func(L *lua.LState) int {
		st := h.States.Get(L.CheckString(1))
		L.Push(lua.LBool(st != nil && st.Available()))
		return 1
	}))
}

func luaString(v lua.LValue) string {
	return ToString(luaToGo(v))
}

func toFloat(v lua.LValue) (float64, bool) {
	switch val := v.(type) {
	case lua.LNumber:
		return float64(val), true
	case lua.LString:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(val)), 64)
		return f, err == nil
	case lua.LBool:
		if val {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// ToString formats a rendered value the way it appears inside text.
func ToString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// goToLua converts Go values (including hub states and times) to Lua.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case time.Duration:
		return lua.LNumber(val.Seconds())
	case time.Time:
		if val.IsZero() {
			return lua.LNil
		}
		return lua.LNumber(float64(val.UnixNano()) / 1e9)
	case *core.State:
		if val == nil {
			return lua.LNil
		}
		t := L.NewTable()
		t.RawSetString("entity_id", lua.LString(val.EntityID))
		t.RawSetString("state", lua.LString(val.State))
		t.RawSetString("domain", lua.LString(val.Domain()))
		t.RawSetString("attributes", goToLua(L, val.Attributes))
		t.RawSetString("last_changed", goToLua(L, val.LastChanged))
		t.RawSetString("last_updated", goToLua(L, val.LastUpdated))
		return t
	case *core.Context:
		if val == nil {
			return lua.LNil
		}
		t := L.NewTable()
		t.RawSetString("id", lua.LString(val.ID))
		t.RawSetString("parent_id", lua.LString(val.ParentID))
		t.RawSetString("user_id", lua.LString(val.UserID))
		return t
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case map[string]string:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, lua.LString(vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, lua.LString(vv))
		}
		return t
	case core.EntityList:
		return goToLua(L, []string(val))
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua result back to Go. Integral numbers become int,
// array-like tables become []any.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int(f)
		}
		return f
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	default:
		return v.String()
	}
}
