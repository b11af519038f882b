// lfcorr finds the pixels in every view of a light field that correspond to
// one pixel of a reference view and prints the result as JSON.
//
// With no flags it queries the center pixel of the view closest to the
// center of the camera grid:
//
//	lfcorr chess.zip
//	lfcorr -ref 12 -x 320 -y 240 -radius 4 -debug ./debug -open s3://bucket/chess.7z
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"

	"github.com/pkg/browser"

	"github.com/stevecastle/lightfield/appconfig"
	"github.com/stevecastle/lightfield/correspond"
	"github.com/stevecastle/lightfield/lightfield"
	"github.com/stevecastle/lightfield/logging"
)

// openFile and createFile are replaced in tests.
var (
	openFile   = browser.OpenFile
	createFile = func(path string) (io.WriteCloser, error) { return os.Create(path) }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	src      string
	ref      int
	x, y     int
	radius   int
	maxSteps int
	workers  int
	channels int
	maxDim   int
	debugDir string
	open     bool
	out      string
	logLevel string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("lfcorr", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.IntVar(&o.ref, "ref", -1, "reference view index (-1 = view closest to the grid center)")
	fs.IntVar(&o.x, "x", -1, "query pixel x (-1 = image center)")
	fs.IntVar(&o.y, "y", -1, "query pixel y (-1 = image center)")
	fs.IntVar(&o.radius, "radius", -1, "patch radius (-1 = config value)")
	fs.IntVar(&o.maxSteps, "max-steps", -1, "candidates scored per view (0 = width+height, -1 = config value)")
	fs.IntVar(&o.workers, "workers", 0, "views searched concurrently (0 = config value)")
	fs.IntVar(&o.channels, "channels", 0, "channels per pixel: 1, 3 or 4 (0 = config value)")
	fs.IntVar(&o.maxDim, "max-dim", -1, "downscale views so no side exceeds this (0 = full size, -1 = config value)")
	fs.StringVar(&o.debugDir, "debug", "", "write annotated debug images to this directory")
	fs.BoolVar(&o.open, "open", false, "open the main debug image when done (needs -debug)")
	fs.StringVar(&o.out, "out", "", "write the JSON record to this file instead of stdout")
	fs.StringVar(&o.logLevel, "log-level", "", "debug|info|warn|error (default: config value)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: lfcorr [flags] <light field: directory, .zip, .7z, http(s):// or s3:// URL>")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return o, errors.New("exactly one light field source is required")
	}
	o.src = fs.Arg(0)
	if (o.x < 0) != (o.y < 0) {
		return o, errors.New("-x and -y must be given together")
	}
	if o.open && o.debugDir == "" {
		return o, errors.New("-open needs -debug")
	}
	return o, nil
}

// apply overrides config values with the flags that were set.
func (o options) apply(cfg appconfig.Config) (correspond.Config, lightfield.Options) {
	ec := cfg.EngineConfig()
	if o.radius >= 0 {
		ec.PatchRadius = o.radius
	}
	if o.maxSteps >= 0 {
		ec.MaxWalkSteps = o.maxSteps
	}
	if o.workers > 0 {
		ec.Workers = o.workers
	}
	lo := cfg.LoaderOptions()
	if o.channels > 0 {
		lo.Channels = o.channels
	}
	if o.maxDim >= 0 {
		lo.MaxDimension = o.maxDim
	}
	return ec, lo
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	cfg, _, err := appconfig.Load()
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	level := cfg.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	log := logging.NewText(stderr, logging.ParseLevel(level))

	if err := query(ctx, o, cfg, log, stdout); err != nil {
		log.Error("query failed", "source", o.src, "error", err)
		return 1
	}
	return 0
}

func query(ctx context.Context, o options, cfg appconfig.Config, log *logging.Logger, stdout io.Writer) error {
	ec, lo := o.apply(cfg)
	lo.Logger = log
	ec.Logger = log

	lf, err := lightfield.Load(ctx, o.src, lo)
	if err != nil {
		return err
	}

	ref := o.ref
	if ref < 0 {
		center, err := lf.Views.Center()
		if err != nil {
			return err
		}
		if ref, err = lf.Views.CenterView(); err != nil {
			return err
		}
		log.Info("center view", "center", fmt.Sprintf("(%g, %g)", center.X, center.Y), "view", ref, "file", lf.Files[ref])
	}
	pixel := image.Pt(o.x, o.y)
	if o.x < 0 {
		g := lf.Views.Geometry()
		pixel = image.Pt(g.Width/2, g.Height/2)
	}

	var recorder *lightfield.DebugRecorder
	if o.debugDir != "" {
		recorder = lightfield.NewDebugRecorder()
		ec.Observer = recorder
	}
	eng, err := correspond.New(ec)
	if err != nil {
		return err
	}
	rec, err := eng.FindCorrespondences(ctx, lf.Views, ref, pixel)
	if err != nil {
		return err
	}
	log.Info("correspondences found", "matched", len(rec.Matched()), "views", len(rec.Results))

	if err := writeRecord(o.out, stdout, rec); err != nil {
		return err
	}

	if recorder != nil {
		paths, err := recorder.WritePNGs(o.debugDir, lf.Views)
		if err != nil {
			return fmt.Errorf("write debug images: %w", err)
		}
		log.Info("debug images written", "dir", o.debugDir, "count", len(paths))
		if o.open {
			if err := openFile(paths[0]); err != nil {
				log.Warn("could not open debug image", "path", paths[0], "error", err)
			}
		}
	}
	return nil
}

func writeRecord(path string, stdout io.Writer, rec *correspond.Record) error {
	if path == "" {
		return encodeRecord(stdout, rec)
	}
	f, err := createFile(path)
	if err != nil {
		return err
	}
	if err := encodeRecord(f, rec); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeRecord(w io.Writer, rec *correspond.Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
