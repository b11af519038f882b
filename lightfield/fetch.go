package lightfield

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	// DefaultRetryAttempts is the number of times to retry a failed download.
	DefaultRetryAttempts = 3
	// DefaultRetryDelay is the delay between retry attempts.
	DefaultRetryDelay = 2 * time.Second
)

// progressInterval is the minimum time between progress reports.
const progressInterval = 500 * time.Millisecond

// ProgressFunc is told how many bytes of a remote light field have been
// fetched. total is -1 when the size is unknown.
type ProgressFunc func(done, total int64)

// progressWriter reports bytes written through it at most every
// progressInterval, and once more from finish.
type progressWriter struct {
	w      io.Writer
	report ProgressFunc
	done   int64
	total  int64
	last   time.Time
}

func newProgressWriter(w io.Writer, total int64, report ProgressFunc) *progressWriter {
	if total <= 0 {
		total = -1
	}
	return &progressWriter{w: w, report: report, total: total, last: time.Now()}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.done += int64(n)
	if p.report != nil && time.Since(p.last) >= progressInterval {
		p.last = time.Now()
		p.report(p.done, p.total)
	}
	return n, err
}

func (p *progressWriter) finish() {
	if p.report != nil {
		p.report(p.done, p.total)
	}
}

// ErrNotFound is returned when a remote light field does not exist.
var ErrNotFound = errors.New("light field not found")

// S3Options configures access to light fields stored in S3 or an
// S3-compatible service.
type S3Options struct {
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	UsePathStyle    bool   `json:"usePathStyle"`
}

// ObjectGetter is the part of the S3 client the loader uses.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// NewS3Client builds an S3 client from the default AWS configuration chain,
// overridden by any options that are set.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}

// splitS3URL splits s3://bucket/key.
func splitS3URL(u *url.URL) (bucket, key string, err error) {
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q: want s3://bucket/key", u.String())
	}
	return bucket, key, nil
}

// fetchS3 copies the object at u into dst.
func fetchS3(ctx context.Context, client ObjectGetter, u *url.URL, dst io.Writer, progress ProgressFunc) error {
	bucket, key, err := splitS3URL(u)
	if err != nil {
		return err
	}
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%w: s3://%s/%s", ErrNotFound, bucket, key)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			if apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchBucket" {
				return fmt.Errorf("%w: s3://%s/%s (%s)", ErrNotFound, bucket, key, apiErr.ErrorCode())
			}
			return fmt.Errorf("s3 get s3://%s/%s: %s: %s", bucket, key, apiErr.ErrorCode(), apiErr.ErrorMessage())
		}
		return fmt.Errorf("s3 get s3://%s/%s: %w", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()

	pw := newProgressWriter(dst, aws.ToInt64(out.ContentLength), progress)
	if _, err := io.Copy(pw, out.Body); err != nil {
		return fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	pw.finish()
	return nil
}

// fetchHTTP downloads url into dst, retrying transient failures.
func fetchHTTP(ctx context.Context, client *http.Client, rawURL string, dst *os.File, progress ProgressFunc) error {
	var lastErr error
	for attempt := 0; attempt < DefaultRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(DefaultRetryDelay):
			}
			if _, err := dst.Seek(0, io.SeekStart); err != nil {
				return err
			}
			if err := dst.Truncate(0); err != nil {
				return err
			}
		}
		retry, err := downloadOnce(ctx, client, rawURL, dst, progress)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	return lastErr
}

func downloadOnce(ctx context.Context, client *http.Client, rawURL string, dst io.Writer, progress ProgressFunc) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return false, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("bad status: %s", resp.Status)
	default:
		return false, fmt.Errorf("bad status: %s", resp.Status)
	}
	pw := newProgressWriter(dst, resp.ContentLength, progress)
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return true, fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	pw.finish()
	return false, nil
}

// remoteExt returns the archive extension of a remote path, e.g. ".zip".
func remoteExt(u *url.URL) string {
	return strings.ToLower(path.Ext(u.Path))
}
