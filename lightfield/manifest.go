package lightfield

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestNames are the archive entries recognized as a view manifest.
var ManifestNames = []string{"lightfield.yaml", "lightfield.yml", "manifest.yaml", "manifest.yml"}

// Manifest lists the views of a light field with their camera positions.
type Manifest struct {
	Name  string         `yaml:"name"`
	Views []ManifestView `yaml:"views"`
}

// ManifestView is one entry of a Manifest.
type ManifestView struct {
	File string  `yaml:"file"`
	X    float64 `yaml:"x"`
	Y    float64 `yaml:"y"`
}

// ParseManifest decodes a YAML manifest and checks that every view names a file.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(m.Views) == 0 {
		return nil, fmt.Errorf("manifest lists no views")
	}
	seen := make(map[string]bool, len(m.Views))
	for i, v := range m.Views {
		if strings.TrimSpace(v.File) == "" {
			return nil, fmt.Errorf("manifest view %d has no file", i)
		}
		if seen[v.File] {
			return nil, fmt.Errorf("manifest lists %s twice", v.File)
		}
		seen[v.File] = true
	}
	return &m, nil
}

// Marshal encodes the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

var (
	// Stanford light field archive naming: out_<row>_<col>_<y>_<x>_.png
	stanfordName = regexp.MustCompile(`^out_(\d+)_(\d+)_(-?\d+(?:\.\d+)?)_(-?\d+(?:\.\d+)?)_?\.[A-Za-z0-9]+$`)
	// Generic naming: <anything>_<x>_<y>.<ext>
	genericName = regexp.MustCompile(`_(-?\d+(?:\.\d+)?)_(-?\d+(?:\.\d+)?)\.[A-Za-z0-9]+$`)
)

// PositionFromName derives a camera position from an image file name.
func PositionFromName(name string) (x, y float64, ok bool) {
	base := path.Base(name)
	if m := stanfordName.FindStringSubmatch(base); m != nil {
		y, errY := strconv.ParseFloat(m[3], 64)
		x, errX := strconv.ParseFloat(m[4], 64)
		return x, y, errX == nil && errY == nil
	}
	if m := genericName.FindStringSubmatch(base); m != nil {
		x, errX := strconv.ParseFloat(m[1], 64)
		y, errY := strconv.ParseFloat(m[2], 64)
		return x, y, errX == nil && errY == nil
	}
	return 0, 0, false
}

// manifestFromNames builds a manifest from image names alone, sorted by name.
func manifestFromNames(names []string) (*Manifest, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	m := &Manifest{}
	for _, n := range sorted {
		x, y, ok := PositionFromName(n)
		if !ok {
			return nil, fmt.Errorf("no manifest and no position in file name %q", n)
		}
		m.Views = append(m.Views, ManifestView{File: n, X: x, Y: y})
	}
	if len(m.Views) == 0 {
		return nil, fmt.Errorf("no images found")
	}
	return m, nil
}
