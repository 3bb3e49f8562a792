// Package fetch retrieves manifest documents and component artifacts.
//
// Sources may be http(s) URLs, s3://bucket/key URLs, or local file
// paths. Artifact downloads stream to a temp file and are renamed into
// place only after the optional sha256 digest verifies, so a partial or
// corrupt download is never observable at the destination path.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/m87-labs/moondream-station/internal/errors"
)

// ProgressFunc receives the downloaded and total byte counts during a
// download. Total is -1 when the source does not report a length.
type ProgressFunc func(downloaded, total int64)

// HTTPClient is the HTTP capability the Fetcher needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher retrieves documents and artifacts from release sources.
type Fetcher struct {
	httpClient HTTPClient
	s3Client   *s3.Client
	s3Region   string
	progress   ProgressFunc
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client HTTPClient) Option {
	return func(f *Fetcher) {
		if client != nil {
			f.httpClient = client
		}
	}
}

// WithS3Client sets a pre-built S3 client for s3:// sources.
func WithS3Client(client *s3.Client) Option {
	return func(f *Fetcher) {
		f.s3Client = client
	}
}

// WithS3Region sets the region used when the default S3 client is
// constructed lazily.
func WithS3Region(region string) Option {
	return func(f *Fetcher) {
		f.s3Region = region
	}
}

// WithProgress sets a download progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(f *Fetcher) {
		f.progress = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New creates a Fetcher. Waits are bounded by the caller's context.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Get retrieves a small document such as the manifest and returns its
// bytes.
func (f *Fetcher) Get(ctx context.Context, source string) ([]byte, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return f.getHTTP(ctx, source)
	case strings.HasPrefix(source, "s3://"):
		return f.getS3(ctx, source)
	default:
		data, err := os.ReadFile(source)
		if err != nil {
			return nil, errors.New(errors.CodeArtifactFetch).
				WithDetail("could not read local file %s", source).
				Wrap(err)
		}
		return data, nil
	}
}

// Download retrieves an artifact to destPath. When sum is non-empty the
// sha256 hex digest of the downloaded bytes must match, otherwise the
// destination is left untouched and a checksum error is returned.
func (f *Fetcher) Download(ctx context.Context, source, destPath, sum string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return errors.New(errors.CodeArtifactFetch).Wrap(err)
	}

	body, total, err := f.open(ctx, source)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".download-*")
	if err != nil {
		return errors.New(errors.CodeArtifactFetch).Wrap(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	reader := io.Reader(io.TeeReader(body, hasher))
	if f.progress != nil {
		reader = &progressReader{r: reader, total: total, fn: f.progress}
	}

	written, err := io.Copy(tmp, reader)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return errors.New(errors.CodeArtifactFetch).
			WithDetail("download of %s interrupted after %d bytes", source, written).
			Wrap(err)
	}

	if sum != "" {
		got := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(got, sum) {
			return errors.New(errors.CodeChecksumMismatch).
				WithDetail("got %s, want %s", got, sum)
		}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return errors.New(errors.CodeArtifactFetch).Wrap(err)
	}

	f.logger.Info("artifact downloaded", "source", source, "dest", destPath, "bytes", written)
	return nil
}

// open returns a reader over the source plus the total size when known.
func (f *Fetcher) open(ctx context.Context, source string) (io.ReadCloser, int64, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, 0, errors.New(errors.CodeArtifactFetch).Wrap(err)
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			return nil, 0, errors.New(errors.CodeArtifactFetch).
				WithDetail("could not connect to %s", source).
				Wrap(err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, 0, errors.New(errors.CodeArtifactFetch).
				WithDetail("%s returned status %d", source, resp.StatusCode)
		}
		return resp.Body, resp.ContentLength, nil

	case strings.HasPrefix(source, "s3://"):
		bucket, key, err := parseS3URL(source)
		if err != nil {
			return nil, 0, err
		}
		client := f.s3()
		out, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, 0, errors.New(errors.CodeArtifactFetch).
				WithDetail("could not fetch %s", source).
				Wrap(err)
		}
		total := int64(-1)
		if out.ContentLength != nil {
			total = *out.ContentLength
		}
		return out.Body, total, nil

	default:
		file, err := os.Open(source)
		if err != nil {
			return nil, 0, errors.New(errors.CodeArtifactFetch).Wrap(err)
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, 0, errors.New(errors.CodeArtifactFetch).Wrap(err)
		}
		return file, info.Size(), nil
	}
}

func (f *Fetcher) getHTTP(ctx context.Context, source string) ([]byte, error) {
	body, _, err := f.open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.New(errors.CodeArtifactFetch).Wrap(err)
	}
	return data, nil
}

func (f *Fetcher) getS3(ctx context.Context, source string) ([]byte, error) {
	body, _, err := f.open(ctx, source)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.New(errors.CodeArtifactFetch).Wrap(err)
	}
	return data, nil
}

// s3 returns the configured S3 client, building an anonymous one on
// first use. The release depot is public, so unsigned requests are the
// default; inject a client via WithS3Client for private buckets.
func (f *Fetcher) s3() *s3.Client {
	if f.s3Client != nil {
		return f.s3Client
	}
	region := f.s3Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	f.s3Client = s3.New(s3.Options{
		Region:      region,
		Credentials: aws.AnonymousCredentials{},
	})
	return f.s3Client
}

// parseS3URL splits s3://bucket/key into its parts.
func parseS3URL(raw string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(raw, "s3://")
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", errors.New(errors.CodeArtifactFetch).
			WithDetail("malformed s3 url %q, want s3://bucket/key", raw)
	}
	return bucket, key, nil
}

// progressReader reports progress as bytes flow through it.
type progressReader struct {
	r          io.Reader
	downloaded int64
	total      int64
	fn         ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.downloaded += int64(n)
		p.fn(p.downloaded, p.total)
	}
	return n, err
}
