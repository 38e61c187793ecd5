package flex

import (
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func eval(t *testing.T, L *lua.LState, expr string) lua.LValue {
	t.Helper()
	if err := L.DoString("result = " + expr); err != nil {
		t.Fatalf("%s: %v", expr, err)
	}
	return L.GetGlobal("result")
}

func TestHelpers(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	RegisterHelpers(L)
	if err := L.DoString(`tags = { name = "Main St", ["name:fr"] = "Rue Principale", highway = "primary", building = "yes", area = "no" }`); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		expr string
		want string
	}{
		{`trim("  hello  ")`, "hello"},
		{`osm2graph.helpers.lower("MiXeD")`, "mixed"},
		{`parse_int("123")`, "123"},
		{`parse_int("  -4 ")`, "-4"},
		{`parse_int("3.9")`, "3"},
		{`parse_int("abc")`, "0"},
		{`parse_int("abc", 7)`, "7"},
		{`parse_bool("yes")`, "true"},
		{`parse_bool("designated")`, "true"},
		{`parse_bool("No")`, "false"},
		{`parse_bool("")`, "false"},
		{`get_name(tags)`, "Main St"},
		{`get_name(tags, "fr")`, "Rue Principale"},
		{`get_name({})`, "nil"},
		{`has_tag(tags, "highway")`, "true"},
		{`has_tag(tags, "highway", "secondary", "primary")`, "true"},
		{`has_tag(tags, "highway", "footway")`, "false"},
		{`has_tag(tags, "railway")`, "false"},
		{`osm2graph.helpers.is_area(tags)`, "false"},
		{`osm2graph.helpers.is_area({ building = "yes" })`, "true"},
		{`osm2graph.helpers.is_area({ building = "yes" }, false)`, "false"},
		{`osm2graph.helpers.is_area({ highway = "pedestrian", area = "yes" })`, "true"},
		{`osm2graph.helpers.is_area({ highway = "primary" })`, "false"},
	}

	for _, tt := range tests {
		if got := eval(t, L, tt.expr).String(); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.expr, got, tt.want)
		}
	}
}
