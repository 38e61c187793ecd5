// Package flex runs user Lua scripts that decide which ways and points a
// search or export keeps and which extra columns an export writes.
//
// A script defines either hook on the osm2graph table:
//
//	function osm2graph.filter(object) return object.tags.highway ~= nil end
//	function osm2graph.columns(object) return { name = object.tags.name } end
package flex

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/wegman-software/osm2graph-go/internal/logger"
)

// Runtime owns one Lua interpreter. Calls are serialised.
type Runtime struct {
	L       *lua.LState
	mu      sync.Mutex
	srid    int
	filter  lua.LValue
	columns lua.LValue
}

// NewRuntime creates a Lua runtime with the osm2graph module registered
func NewRuntime(srid int) *Runtime {
	r := &Runtime{
		L:    lua.NewState(),
		srid: srid,
	}
	r.registerAPI()
	return r
}

// Close releases Lua resources
func (r *Runtime) Close() {
	r.L.Close()
}

func (r *Runtime) registerAPI() {
	mod := r.L.NewTable()
	mod.RawSetString("version", lua.LString("1.0.0"))
	mod.RawSetString("srid", lua.LNumber(r.srid))
	r.L.SetGlobal("osm2graph", mod)

	RegisterHelpers(r.L)

	// Script output goes to the log, not stdout
	r.L.SetGlobal("print", r.L.NewFunction(luaPrint))
}

// LoadFile loads and executes a Lua script
func (r *Runtime) LoadFile(path string) error {
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to load Lua file: %w", err)
	}
	r.extractHooks()
	return nil
}

// LoadString loads and executes Lua code from a string
func (r *Runtime) LoadString(code string) error {
	if err := r.L.DoString(code); err != nil {
		return fmt.Errorf("failed to load Lua code: %w", err)
	}
	r.extractHooks()
	return nil
}

func (r *Runtime) extractHooks() {
	mod, ok := r.L.GetGlobal("osm2graph").(*lua.LTable)
	if !ok {
		return
	}
	r.filter = mod.RawGetString("filter")
	r.columns = mod.RawGetString("columns")
}

// HasFilter reports whether the script defines osm2graph.filter
func (r *Runtime) HasFilter() bool {
	return r.filter != nil && r.filter.Type() == lua.LTFunction
}

// HasColumns reports whether the script defines osm2graph.columns
func (r *Runtime) HasColumns() bool {
	return r.columns != nil && r.columns.Type() == lua.LTFunction
}

// Filter calls osm2graph.filter. Without a filter everything is kept; a nil
// or false result drops the object.
func (r *Runtime) Filter(obj *Object) (bool, error) {
	if !r.HasFilter() {
		return true, nil
	}
	ret, err := r.call(r.filter, obj)
	if err != nil {
		return false, err
	}
	return lua.LVAsBool(ret), nil
}

// Columns calls osm2graph.columns and returns its string-keyed entries.
// Numbers and booleans are converted to their Lua string form.
func (r *Runtime) Columns(obj *Object) (map[string]string, error) {
	if !r.HasColumns() {
		return nil, nil
	}
	ret, err := r.call(r.columns, obj)
	if err != nil {
		return nil, err
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		if ret == lua.LNil {
			return nil, nil
		}
		return nil, fmt.Errorf("osm2graph.columns returned %s, want table", ret.Type())
	}

	cols := make(map[string]string)
	tbl.ForEach(func(k, v lua.LValue) {
		key, ok := k.(lua.LString)
		if !ok || v == lua.LNil {
			return
		}
		cols[string(key)] = v.String()
	})
	return cols, nil
}

// ColumnNames runs osm2graph.columns on a sample object and returns the keys
// sorted, for writers that need a fixed schema up front
func (r *Runtime) ColumnNames(sample *Object) ([]string, error) {
	cols, err := r.Columns(sample)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cols))
	for k := range cols {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (r *Runtime) call(fn lua.LValue, obj *Object) (lua.LValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, r.objectToLua(obj)); err != nil {
		return lua.LNil, fmt.Errorf("lua callback error on %s %d: %w", obj.Kind, obj.ID, err)
	}
	ret := r.L.Get(-1)
	r.L.Pop(1)
	return ret, nil
}

// objectToLua converts an Object to a Lua table
func (r *Runtime) objectToLua(obj *Object) *lua.LTable {
	L := r.L
	tbl := L.NewTable()

	tbl.RawSetString("id", lua.LNumber(obj.ID))
	tbl.RawSetString("type", lua.LString(obj.Kind))
	tbl.RawSetString("version", lua.LNumber(obj.Version))
	tbl.RawSetString("changeset", lua.LNumber(obj.Changeset))
	tbl.RawSetString("uid", lua.LNumber(obj.UID))
	tbl.RawSetString("user", lua.LString(obj.User))

	tags := L.NewTable()
	for k, v := range obj.Tags {
		tags.RawSetString(k, lua.LString(v))
	}
	tbl.RawSetString("tags", tags)

	switch obj.Kind {
	case KindPoint:
		tbl.RawSetString("lat", lua.LNumber(obj.Lat))
		tbl.RawSetString("lon", lua.LNumber(obj.Lon))
	case KindWay:
		tbl.RawSetString("points", lua.LNumber(obj.Points))
		tbl.RawSetString("geometry_type", lua.LString(obj.GeometryType))
	}

	if obj.HasEnvelope {
		bbox := L.NewTable()
		bbox.RawSetInt(1, lua.LNumber(obj.Envelope.Min[0]))
		bbox.RawSetInt(2, lua.LNumber(obj.Envelope.Min[1]))
		bbox.RawSetInt(3, lua.LNumber(obj.Envelope.Max[0]))
		bbox.RawSetInt(4, lua.LNumber(obj.Envelope.Max[1]))
		tbl.RawSetString("bbox", bbox)
	}

	return tbl
}

func luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	logger.Get().Info("lua", zap.String("msg", strings.Join(parts, "\t")))
	return 0
}
