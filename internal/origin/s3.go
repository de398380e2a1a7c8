package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"minishell/internal/swcache"
)

// S3API is the part of the S3 client the origin needs.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 serves published bundles straight from the apps bucket. Objects live
// under <prefix>/<slug>/<file>, the layout the publisher writes.
type S3 struct {
	Client S3API
	Bucket string
	Prefix string
	// CrossOrigin fetches absolute URLs such as the vendor runtime.
	CrossOrigin *HTTP
}

func NewS3(ctx context.Context, bucket, region, prefix string) (*S3, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3{
		Client:      s3.NewFromConfig(cfg),
		Bucket:      bucket,
		Prefix:      prefix,
		CrossOrigin: NewHTTP(""),
	}, nil
}

// ObjectKey maps a request path to its object key.
func (o *S3) ObjectKey(p string) string {
	p = path.Clean("/" + p)
	if rest, ok := strings.CutPrefix(p, "/app/"); ok {
		return strings.Trim(o.Prefix, "/") + "/" + rest
	}
	if p == "/" {
		return "index.html"
	}
	return strings.TrimPrefix(p, "/")
}

func (o *S3) Fetch(ctx context.Context, r *http.Request) (swcache.CacheEntry, error) {
	if r.URL.IsAbs() {
		if o.CrossOrigin == nil {
			return swcache.CacheEntry{}, fmt.Errorf("cross-origin fetch not configured: %s", r.URL)
		}
		return o.CrossOrigin.Fetch(ctx, r)
	}
	if r.Method != "" && r.Method != http.MethodGet && r.Method != http.MethodHead {
		return swcache.NewEntry(http.StatusMethodNotAllowed, nil, nil), nil
	}

	key := o.ObjectKey(r.URL.Path)
	in := &s3.GetObjectInput{
		Bucket: aws.String(o.Bucket),
		Key:    aws.String(key),
	}
	if rng := r.Header.Get("Range"); rng != "" {
		in.Range = aws.String(rng)
	}

	out, err := o.Client.GetObject(ctx, in)
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return swcache.NewEntry(http.StatusNotFound, http.Header{"Content-Type": {"text/plain; charset=utf-8"}}, []byte("not found\n")), nil
		}
		return swcache.CacheEntry{}, fmt.Errorf("get object %s from bucket %s: %w", key, o.Bucket, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return swcache.CacheEntry{}, fmt.Errorf("read object body: %w", err)
	}

	h := http.Header{}
	ct := aws.ToString(out.ContentType)
	if ct == "" || ct == "binary/octet-stream" {
		ct = mimeType(key)
	}
	h.Set("Content-Type", ct)
	if v := aws.ToString(out.ETag); v != "" {
		h.Set("ETag", v)
	}
	if v := aws.ToString(out.CacheControl); v != "" {
		h.Set("Cache-Control", v)
	}
	if out.LastModified != nil {
		h.Set("Last-Modified", out.LastModified.UTC().Format(http.TimeFormat))
	}
	status := http.StatusOK
	if cr := aws.ToString(out.ContentRange); cr != "" {
		status = http.StatusPartialContent
		h.Set("Content-Range", cr)
	}
	h.Set("Accept-Ranges", "bytes")
	return swcache.NewEntry(status, h, body), nil
}

func mimeType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".html":
		return "text/html"
	case ".css":
		return "text/css"
	case ".js":
		return "application/javascript"
	case ".json":
		return "application/json"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".svg":
		return "image/svg+xml"
	default:
		return "application/octet-stream"
	}
}
