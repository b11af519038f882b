package tasks

import (
	"encoding/json"
	"image"
	"reflect"
	"strings"
	"testing"

	"github.com/stevecastle/lightfield/correspond"
)

func intPtr(v int) *int { return &v }

func TestCorrespondParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  CorrespondParams
		wantErr string
	}{
		{"empty", CorrespondParams{}, ""},
		{"pixel", CorrespondParams{X: intPtr(3), Y: intPtr(4)}, ""},
		{"pixels", CorrespondParams{Pixels: []Pixel{{1, 2}, {3, 4}}}, ""},
		{"debug single", CorrespondParams{X: intPtr(3), Y: intPtr(4), Debug: true}, ""},
		{"x without y", CorrespondParams{X: intPtr(3)}, "together"},
		{"both forms", CorrespondParams{X: intPtr(3), Y: intPtr(4), Pixels: []Pixel{{1, 2}}}, "not both"},
		{"debug batch", CorrespondParams{Pixels: []Pixel{{1, 2}, {3, 4}}, Debug: true}, "single pixel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v; want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGridParamsValidate(t *testing.T) {
	if err := (GridParams{Stride: 1}).Validate(); err != nil {
		t.Errorf("stride 1: %v", err)
	}
	if err := (GridParams{}).Validate(); err == nil {
		t.Error("stride 0 accepted")
	}
}

func TestDecodeParams(t *testing.T) {
	var p CorrespondParams
	if err := decodeParams(nil, &p); err != nil {
		t.Errorf("nil params: %v", err)
	}
	raw := json.RawMessage(`{"referenceView":2,"x":5,"y":6,"debug":true}`)
	if err := decodeParams(raw, &p); err != nil {
		t.Fatalf("decodeParams() error = %v", err)
	}
	if *p.ReferenceView != 2 || *p.X != 5 || *p.Y != 6 || !p.Debug {
		t.Errorf("decoded %+v", p)
	}
	if err := decodeParams(json.RawMessage(`{"x":"five"}`), &p); err == nil {
		t.Error("bad params accepted")
	}
}

func TestParamsPixels(t *testing.T) {
	g := correspond.Geometry{Width: 16, Height: 12, Channels: 3}

	if got := (CorrespondParams{}).pixels(g); !reflect.DeepEqual(got, []image.Point{{8, 6}}) {
		t.Errorf("default pixels = %v; want center", got)
	}
	if got := (CorrespondParams{X: intPtr(2), Y: intPtr(3)}).pixels(g); !reflect.DeepEqual(got, []image.Point{{2, 3}}) {
		t.Errorf("x/y pixels = %v", got)
	}
	got := (CorrespondParams{Pixels: []Pixel{{1, 2}, {3, 4}}}).pixels(g)
	if !reflect.DeepEqual(got, []image.Point{{1, 2}, {3, 4}}) {
		t.Errorf("list pixels = %v", got)
	}
}

func TestGridPixels(t *testing.T) {
	g := correspond.Geometry{Width: 16, Height: 12, Channels: 3}

	got, err := gridPixels(g, 1, 4)
	if err != nil {
		t.Fatalf("gridPixels() error = %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("len = %d; want 12", len(got))
	}
	if got[0] != image.Pt(1, 1) || got[len(got)-1] != image.Pt(13, 9) {
		t.Errorf("grid spans %v..%v", got[0], got[len(got)-1])
	}

	if _, err := gridPixels(g, 8, 1); err == nil {
		t.Error("window larger than the image accepted")
	}
	big := correspond.Geometry{Width: 100, Height: 100, Channels: 1}
	if _, err := gridPixels(big, 0, 1); err == nil {
		t.Error("oversized grid accepted")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q; want %q", tt.in, got, tt.want)
		}
	}
}
