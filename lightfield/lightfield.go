// Package lightfield loads light fields (sets of images with camera
// positions) from archives, directories, HTTP and S3 into view sets.
package lightfield

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/stevecastle/lightfield/correspond"
	"github.com/stevecastle/lightfield/logging"
)

// Options controls how a light field is loaded.
type Options struct {
	// Channels per pixel: 1 (gray), 3 (RGB, default) or 4 (RGBA).
	Channels int
	// MaxDimension shrinks views so neither side exceeds it. Zero keeps full size.
	MaxDimension int
	// Workers bounds concurrent image decodes. Zero means GOMAXPROCS.
	Workers int

	S3         S3Options
	S3Client   ObjectGetter
	HTTPClient *http.Client

	// Progress, when set, follows the download of remote light fields.
	Progress ProgressFunc
	Logger   *logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Channels == 0 {
		o.Channels = RGB
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = logging.Noop()
	}
	return o
}

// LightField is a loaded, validated set of views.
type LightField struct {
	Name   string
	Source string
	// Files holds the image name of each view, in view order.
	Files []string
	Views *correspond.ViewSet
}

// Load reads a light field from src, which may be a local .zip or .7z
// archive, a local directory, an http(s) URL or an s3://bucket/key URL.
func Load(ctx context.Context, src string, opts Options) (*LightField, error) {
	opts = opts.withDefaults()
	u, err := url.Parse(src)
	if err == nil && (u.Scheme == "s3" || u.Scheme == "http" || u.Scheme == "https") {
		return loadRemote(ctx, u, opts)
	}
	lf, err := loadLocal(ctx, src, opts)
	if err != nil {
		return nil, err
	}
	lf.Source = src
	return lf, nil
}

func loadLocal(ctx context.Context, p string, opts Options) (*LightField, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to open light field: %w", err)
	}
	var c *contents
	switch {
	case info.IsDir():
		c, err = readDir(p)
	case strings.EqualFold(filepath.Ext(p), ".zip"):
		c, err = readZip(p)
	case strings.EqualFold(filepath.Ext(p), ".7z"):
		c, err = read7z(p)
	default:
		return nil, fmt.Errorf("unsupported light field source %q: want a directory, .zip or .7z", p)
	}
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
	return build(ctx, name, c, opts)
}

func loadRemote(ctx context.Context, u *url.URL, opts Options) (*LightField, error) {
	ext := remoteExt(u)
	if ext != ".zip" && ext != ".7z" {
		return nil, fmt.Errorf("unsupported remote light field %q: want a .zip or .7z object", u.String())
	}
	tmp, err := os.CreateTemp("", "lightfield-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	opts.Logger.InfoContext(ctx, "fetching light field", "url", u.Redacted())
	if u.Scheme == "s3" {
		client := opts.S3Client
		if client == nil {
			c, err := NewS3Client(ctx, opts.S3)
			if err != nil {
				return nil, err
			}
			client = c
		}
		err = fetchS3(ctx, client, u, tmp, opts.Progress)
	} else {
		err = fetchHTTP(ctx, opts.HTTPClient, u.String(), tmp, opts.Progress)
	}
	if err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, err
	}

	lf, err := loadLocal(ctx, tmp.Name(), opts)
	if err != nil {
		return nil, err
	}
	lf.Name = strings.TrimSuffix(path.Base(u.Path), ext)
	lf.Source = u.String()
	return lf, nil
}

// resolve finds the image for a manifest entry: an exact name, or a unique
// entry with the same base name (archives often nest images in a folder).
func resolve(c *contents, file string) (string, error) {
	if _, ok := c.images[file]; ok {
		return file, nil
	}
	var found string
	for n := range c.images {
		if path.Base(n) == path.Base(file) {
			if found != "" {
				return "", fmt.Errorf("manifest file %s is ambiguous (%s, %s)", file, found, n)
			}
			found = n
		}
	}
	if found == "" {
		return "", fmt.Errorf("manifest file %s not found", file)
	}
	return found, nil
}

func build(ctx context.Context, name string, c *contents, opts Options) (*LightField, error) {
	var (
		m   *Manifest
		err error
	)
	if c.manifest != nil {
		m, err = ParseManifest(c.manifest)
	} else {
		m, err = manifestFromNames(c.names())
	}
	if err != nil {
		return nil, err
	}
	if m.Name != "" {
		name = m.Name
	}

	files := make([]string, len(m.Views))
	for i, v := range m.Views {
		if files[i], err = resolve(c, v.File); err != nil {
			return nil, err
		}
	}

	views := make([]correspond.View, len(m.Views))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, v := range m.Views {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			buf, err := DecodeImage(c.images[files[i]], opts.Channels, opts.MaxDimension)
			if err != nil {
				return fmt.Errorf("failed to decode %s: %w", files[i], err)
			}
			views[i] = correspond.View{Position: r2.Vec{X: v.X, Y: v.Y}, Image: buf}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	vs, err := correspond.NewViewSet(views...)
	if err != nil {
		return nil, err
	}
	g0 := vs.Geometry()
	opts.Logger.InfoContext(ctx, "light field loaded",
		"name", name,
		"views", vs.Len(),
		"width", g0.Width,
		"height", g0.Height,
		"channels", g0.Channels,
	)
	return &LightField{Name: name, Files: files, Views: vs}, nil
}
