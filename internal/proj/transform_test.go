package proj

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestParseSRID(t *testing.T) {
	tests := []struct {
		input   string
		want    int
		wantErr bool
	}{
		{"4326", SRID4326, false},
		{"EPSG:3857", SRID3857, false},
		{"epsg:4326", SRID4326, false},
		{" 3857 ", SRID3857, false},
		{"27700", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSRID(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSRID(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSRID(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestTransformerToMercator(t *testing.T) {
	tr, err := NewTransformer(SRID4326, SRID3857)
	if err != nil {
		t.Fatalf("NewTransformer: %v", err)
	}
	if !tr.NeedsTransform() {
		t.Fatal("4326 -> 3857 should need a transform")
	}

	p := tr.Point(orb.Point{180, 0})
	if math.Abs(p[0]-20037508.342789244) > 1e-3 || math.Abs(p[1]) > 1e-6 {
		t.Errorf("Point(180, 0) = %v", p)
	}

	ls := orb.LineString{{0, 0}, {10, 10}}
	out := tr.Geometry(ls).(orb.LineString)
	if ls[1] != (orb.Point{10, 10}) {
		t.Error("Geometry modified its input")
	}
	if out[1][0] <= 10 {
		t.Errorf("projected x = %f, want metres", out[1][0])
	}
}

func TestTransformerIdentity(t *testing.T) {
	tr, err := NewTransformer(SRID4326, SRID4326)
	if err != nil {
		t.Fatalf("NewTransformer: %v", err)
	}
	if tr.NeedsTransform() {
		t.Error("identity should not need a transform")
	}
	p := orb.Point{1, 2}
	if tr.Point(p) != p {
		t.Error("identity changed the point")
	}
}

func TestTransformerRejectsUnknownSRID(t *testing.T) {
	if _, err := NewTransformer(SRID4326, 27700); err == nil {
		t.Error("expected error for unsupported target")
	}
}
