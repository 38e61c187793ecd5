package flex

import (
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// areaKeys are tag keys that make a closed way an area unless area=no
var areaKeys = []string{
	"building", "landuse", "natural", "water", "leisure",
	"amenity", "shop", "tourism", "place",
}

// RegisterHelpers registers tag helpers as osm2graph.helpers and, for the
// most common ones, as globals
func RegisterHelpers(L *lua.LState) {
	helpers := L.NewTable()
	fns := map[string]lua.LGFunction{
		"trim":       luaTrim,
		"lower":      luaLower,
		"parse_int":  luaParseInt,
		"parse_bool": luaParseBool,
		"get_name":   luaGetName,
		"has_tag":    luaHasTag,
		"is_area":    luaIsArea,
	}
	for name, fn := range fns {
		L.SetField(helpers, name, L.NewFunction(fn))
	}

	mod, ok := L.GetGlobal("osm2graph").(*lua.LTable)
	if !ok {
		mod = L.NewTable()
		L.SetGlobal("osm2graph", mod)
	}
	L.SetField(mod, "helpers", helpers)

	for _, name := range []string{"trim", "parse_int", "parse_bool", "get_name", "has_tag"} {
		L.SetGlobal(name, L.NewFunction(fns[name]))
	}
}

func luaTrim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

func luaLower(L *lua.LState) int {
	L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
	return 1
}

// luaParseInt parses an integer, truncating decimals; unparsable input
// yields the optional default (0)
func luaParseInt(L *lua.LState) int {
	s := strings.TrimSpace(L.CheckString(1))
	def := L.OptInt64(2, 0)

	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		L.Push(lua.LNumber(v))
	} else if f, err := strconv.ParseFloat(s, 64); err == nil {
		L.Push(lua.LNumber(int64(f)))
	} else {
		L.Push(lua.LNumber(def))
	}
	return 1
}

// luaParseBool follows OSM usage: any value other than an explicit no is true
func luaParseBool(L *lua.LState) int {
	switch strings.ToLower(strings.TrimSpace(L.CheckString(1))) {
	case "no", "false", "0", "off", "":
		L.Push(lua.LFalse)
	default:
		L.Push(lua.LTrue)
	}
	return 1
}

// luaGetName returns name, int_name or name:en, whichever is set first.
// An optional language code is tried before all of them.
func luaGetName(L *lua.LState) int {
	tags := L.CheckTable(1)
	keys := []string{"name", "int_name", "name:en"}
	if lang := L.OptString(2, ""); lang != "" {
		keys = append([]string{"name:" + lang}, keys...)
	}
	for _, k := range keys {
		if s := lua.LVAsString(L.GetField(tags, k)); s != "" {
			L.Push(lua.LString(s))
			return 1
		}
	}
	L.Push(lua.LNil)
	return 1
}

// luaHasTag reports whether tags[key] is set and, if values are given,
// equal to one of them: has_tag(tags, "highway", "primary", "secondary")
func luaHasTag(L *lua.LState) int {
	tags := L.CheckTable(1)
	v := lua.LVAsString(L.GetField(tags, L.CheckString(2)))
	if v == "" {
		L.Push(lua.LFalse)
		return 1
	}
	if L.GetTop() <= 2 {
		L.Push(lua.LTrue)
		return 1
	}
	for i := 3; i <= L.GetTop(); i++ {
		if L.CheckString(i) == v {
			L.Push(lua.LTrue)
			return 1
		}
	}
	L.Push(lua.LFalse)
	return 1
}

// luaIsArea reports whether a closed way with these tags is an area
func luaIsArea(L *lua.LState) int {
	tags := L.CheckTable(1)
	if !L.OptBool(2, true) {
		L.Push(lua.LFalse)
		return 1
	}

	switch strings.ToLower(lua.LVAsString(L.GetField(tags, "area"))) {
	case "yes":
		L.Push(lua.LTrue)
		return 1
	case "no":
		L.Push(lua.LFalse)
		return 1
	}
	for _, k := range areaKeys {
		if lua.LVAsString(L.GetField(tags, k)) != "" {
			L.Push(lua.LTrue)
			return 1
		}
	}
	L.Push(lua.LFalse)
	return 1
}
