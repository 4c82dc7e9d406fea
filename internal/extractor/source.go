package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// Resource is an opened media item. The caller must Close it.
type Resource struct {
	io.ReadSeeker
	io.Closer
	Size int64
}

// Opener resolves a locator to a readable resource.
type Opener interface {
	Open(ctx context.Context, locator string) (Resource, error)
}

// FileOpener opens bare paths and file:// URIs from the local filesystem.
type FileOpener struct{}

func (FileOpener) Open(ctx context.Context, locator string) (Resource, error) {
	path, err := localPath(locator)
	if err != nil {
		return Resource{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return Resource{}, fmt.Errorf("extractor: open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return Resource{}, fmt.Errorf("extractor: stat file: %w", err)
	}
	return Resource{ReadSeeker: f, Closer: f, Size: info.Size()}, nil
}

// LocalPath returns the filesystem path of a file locator, or false for any
// other scheme.
func LocalPath(locator string) (string, bool) {
	if schemeOf(locator) != "file" {
		return "", false
	}
	p, err := localPath(locator)
	return p, err == nil
}

func localPath(locator string) (string, error) {
	if !strings.HasPrefix(locator, "file://") {
		return locator, nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("extractor: parse locator: %w", err)
	}
	return u.Path, nil
}

// S3API is the slice of the S3 client the opener needs.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// DefaultS3HeadBytes is how much of an object is fetched. Embedded tag
// blocks live near the start of every supported container.
const DefaultS3HeadBytes = 4 << 20

// S3Opener fetches the head of s3://bucket/key objects into memory.
type S3Opener struct {
	client    S3API
	headBytes int64
}

func NewS3Opener(client S3API, headBytes int64) *S3Opener {
	if headBytes <= 0 {
		headBytes = DefaultS3HeadBytes
	}
	return &S3Opener{client: client, headBytes: headBytes}
}

func (o *S3Opener) Open(ctx context.Context, locator string) (Resource, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Host == "" || strings.TrimPrefix(u.Path, "/") == "" {
		return Resource{}, fmt.Errorf("extractor: invalid s3 locator %q", locator)
	}
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
		Range:  aws.String(fmt.Sprintf("bytes=0-%d", o.headBytes-1)),
	})
	if err != nil {
		return Resource{}, classifyS3Error(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, o.headBytes))
	if err != nil {
		return Resource{}, fmt.Errorf("extractor: read s3 object: %w", err)
	}

	size := int64(len(data))
	if total, ok := contentRangeTotal(aws.ToString(out.ContentRange)); ok {
		size = total
	} else if n := aws.ToInt64(out.ContentLength); n > size {
		size = n
	}
	return Resource{ReadSeeker: bytes.NewReader(data), Closer: nopCloser{}, Size: size}, nil
}

// contentRangeTotal parses the total from "bytes 0-99/1234".
func contentRangeTotal(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 || v[i+1:] == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(v[i+1:], 10, 64)
	return n, err == nil
}

func classifyS3Error(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("extractor: get s3 object: %w", fs.ErrPermission)
		}
	}
	return fmt.Errorf("extractor: get s3 object: %w", err)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Router dispatches on the locator scheme. Locators without a scheme are
// local paths.
type Router struct {
	openers map[string]Opener
}

func NewRouter() *Router {
	return &Router{openers: map[string]Opener{"file": FileOpener{}}}
}

// Handle registers an opener for scheme, replacing any previous one.
func (r *Router) Handle(scheme string, o Opener) *Router {
	r.openers[strings.ToLower(scheme)] = o
	return r
}

func (r *Router) Open(ctx context.Context, locator string) (Resource, error) {
	scheme := schemeOf(locator)
	o, ok := r.openers[scheme]
	if !ok {
		return Resource{}, fmt.Errorf("extractor: no opener for scheme %q", scheme)
	}
	return o.Open(ctx, locator)
}

func schemeOf(locator string) string {
	i := strings.Index(locator, "://")
	if i <= 0 {
		return "file"
	}
	return strings.ToLower(locator[:i])
}
