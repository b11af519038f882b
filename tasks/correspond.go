package tasks

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"time"

	"github.com/stevecastle/lightfield/correspond"
	"github.com/stevecastle/lightfield/jobqueue"
	"github.com/stevecastle/lightfield/lightfield"
	"github.com/stevecastle/lightfield/metrics"
	"github.com/stevecastle/lightfield/records"
)

// loadField fetches and decodes the job's light field.
func loadField(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *Env) (*lightfield.LightField, error) {
	q.PushJobStdout(j.ID, "Loading "+j.Source)
	opts := env.Loader
	opts.Logger = env.log().WithJob(j.ID)
	opts.Progress = func(done, total int64) {
		if total < 0 {
			q.PushJobStdout(j.ID, "Downloaded "+formatBytes(done))
			return
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("Downloaded %s of %s", formatBytes(done), formatBytes(total)))
	}

	start := time.Now()
	lf, err := lightfield.Load(ctx, j.Source, opts)
	metrics.ObserveLoad(time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", j.Source, err)
	}
	g := lf.Views.Geometry()
	q.PushJobStdout(j.ID, fmt.Sprintf("Loaded %s: %d views of %s", lf.Name, lf.Views.Len(), g))
	return lf, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func newEngine(env *Env, jobID string, observer correspond.Observer) (*correspond.Engine, error) {
	cfg := env.Engine
	cfg.Observer = observer
	cfg.Logger = env.log().WithJob(jobID)
	return correspond.New(cfg)
}

// saveRecord stores rec and links it to the job.
func saveRecord(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *Env, source string, rec *correspond.Record) (records.Item, error) {
	item := records.NewItem(j.ID, source, rec)
	if err := records.Save(ctx, env.DB, item); err != nil {
		return item, fmt.Errorf("save record: %w", err)
	}
	if err := q.AttachRecord(j.ID, item.ID); err != nil {
		return item, err
	}
	return item, nil
}

func summarize(pixel image.Point, item records.Item) string {
	return fmt.Sprintf("Pixel (%d,%d): matched %d of %d views, record %s",
		pixel.X, pixel.Y, item.Matched, item.Views-1, item.ID)
}

// runBatch queries pixels against ref and stores one record per pixel that
// could be queried. Pixels whose window leaves the reference image are
// reported and skipped; any other failure stops the job.
func runBatch(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *Env, lf *lightfield.LightField, eng *correspond.Engine, ref int, pixels []image.Point) error {
	start := time.Now()
	results, err := eng.FindCorrespondencesBatch(ctx, lf.Views, ref, pixels)
	if err != nil {
		metrics.ObserveQuery(nil, time.Since(start), err)
		return err
	}
	per := time.Since(start) / time.Duration(len(pixels))

	saved := 0
	for _, res := range results {
		metrics.ObserveQuery(res.Record, per, res.Err)
		if res.Err != nil {
			q.PushJobStdout(j.ID, fmt.Sprintf("Pixel (%d,%d) skipped: %v", res.Pixel.X, res.Pixel.Y, res.Err))
			continue
		}
		item, err := saveRecord(ctx, j, q, env, lf.Source, res.Record)
		if err != nil {
			return err
		}
		if len(results) <= 16 {
			q.PushJobStdout(j.ID, summarize(res.Pixel, item))
		}
		saved++
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Stored %d of %d records in %s", saved, len(pixels), time.Since(start).Round(time.Millisecond)))
	if saved == 0 {
		return fmt.Errorf("no pixel could be queried: %w", correspond.ErrOutOfBounds)
	}
	return nil
}

// correspondTask finds correspondences for one pixel or a list of pixels.
func correspondTask(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *Env) error {
	var p CorrespondParams
	if err := decodeParams(j.Params, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	lf, err := loadField(ctx, j, q, env)
	if err != nil {
		return err
	}
	ref, err := referenceView(lf.Views, p.ReferenceView)
	if err != nil {
		return err
	}
	pixels := p.pixels(lf.Views.Geometry())

	if len(pixels) > 1 {
		eng, err := newEngine(env, j.ID, nil)
		if err != nil {
			return err
		}
		return runBatch(ctx, j, q, env, lf, eng, ref, pixels)
	}

	var rec *lightfield.DebugRecorder
	var observer correspond.Observer
	if p.Debug {
		rec = lightfield.NewDebugRecorder()
		observer = rec
	}
	eng, err := newEngine(env, j.ID, observer)
	if err != nil {
		return err
	}

	start := time.Now()
	record, err := eng.FindCorrespondences(ctx, lf.Views, ref, pixels[0])
	metrics.ObserveQuery(record, time.Since(start), err)
	if err != nil {
		return err
	}
	item, err := saveRecord(ctx, j, q, env, lf.Source, record)
	if err != nil {
		return err
	}
	q.PushJobStdout(j.ID, summarize(pixels[0], item))

	if rec != nil {
		dir := filepath.Join(env.DebugDir, j.ID)
		paths, err := rec.WritePNGs(dir, lf.Views)
		if err != nil {
			return fmt.Errorf("write debug images: %w", err)
		}
		q.PushJobStdout(j.ID, fmt.Sprintf("Wrote %d debug images to %s", len(paths), dir))
	}
	return nil
}

// gridTask finds correspondences for a regular grid of reference pixels.
func gridTask(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, env *Env) error {
	var p GridParams
	if err := decodeParams(j.Params, &p); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}

	lf, err := loadField(ctx, j, q, env)
	if err != nil {
		return err
	}
	ref, err := referenceView(lf.Views, p.ReferenceView)
	if err != nil {
		return err
	}
	eng, err := newEngine(env, j.ID, nil)
	if err != nil {
		return err
	}
	pixels, err := gridPixels(lf.Views.Geometry(), eng.Radius(), p.Stride)
	if err != nil {
		return err
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Querying %d grid pixels in view %d", len(pixels), ref))
	return runBatch(ctx, j, q, env, lf, eng, ref, pixels)
}
