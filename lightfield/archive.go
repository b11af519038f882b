package lightfield

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bodgit/sevenzip"
)

// maxEntrySize bounds a single archive entry read into memory.
const maxEntrySize = 512 << 20

var imageExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// IsImageName reports whether name has a supported image extension.
func IsImageName(name string) bool {
	return imageExts[strings.ToLower(path.Ext(name))]
}

func isManifestName(name string) bool {
	base := strings.ToLower(path.Base(name))
	for _, m := range ManifestNames {
		if base == m {
			return true
		}
	}
	return false
}

// isMetadataName reports whether name is resource-fork metadata that macOS
// adds to archives (__MACOSX/ folders and ._ AppleDouble files).
func isMetadataName(name string) bool {
	if strings.HasPrefix(path.Base(name), "._") {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if part == "__MACOSX" {
			return true
		}
	}
	return false
}

// contents holds the raw files of a light field keyed by slash-separated name.
type contents struct {
	manifest []byte
	images   map[string][]byte
}

func newContents() *contents {
	return &contents{images: make(map[string][]byte)}
}

func (c *contents) add(name string, r io.Reader) error {
	if isMetadataName(name) || (!isManifestName(name) && !IsImageName(name)) {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r, maxEntrySize+1))
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) > maxEntrySize {
		return fmt.Errorf("%s exceeds %d bytes", name, maxEntrySize)
	}
	if isManifestName(name) {
		if c.manifest != nil {
			return fmt.Errorf("more than one manifest in light field (%s)", name)
		}
		c.manifest = data
		return nil
	}
	c.images[name] = data
	return nil
}

// names returns the image names.
func (c *contents) names() []string {
	out := make([]string, 0, len(c.images))
	for n := range c.images {
		out = append(out, n)
	}
	return out
}

// readZip reads the manifest and images of a ZIP archive.
func readZip(archivePath string) (*contents, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer reader.Close()

	c := newContents()
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if err := readZipFile(c, file); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func readZipFile(c *contents, file *zip.File) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
	}
	defer rc.Close()
	return c.add(file.Name, rc)
}

// read7z reads the manifest and images of a 7z archive. Entries are read in
// archive order, which is the cheap order for solid archives.
func read7z(archivePath string) (*contents, error) {
	reader, err := sevenzip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open 7z archive: %w", err)
	}
	defer reader.Close()

	c := newContents()
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if err := read7zFile(c, file); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func read7zFile(c *contents, file *sevenzip.File) error {
	rc, err := file.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s in archive: %w", file.Name, err)
	}
	defer rc.Close()
	return c.add(file.Name, rc)
}

// readDir reads the manifest and images directly below dir.
func readDir(dir string) (*contents, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	c := newContents()
	for _, e := range entries {
		if e.IsDir() || e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		if err := readDirFile(c, filepath.Join(dir, e.Name()), e.Name()); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func readDirFile(c *contents, fullPath, name string) error {
	f, err := os.Open(fullPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", fullPath, err)
	}
	defer f.Close()
	return c.add(name, f)
}
