package rules

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// maxDocumentBytes caps the size of a rule document.
const maxDocumentBytes = 4 << 20

// Source yields the raw rule document.
type Source interface {
	Load(ctx context.Context) ([]byte, error)
	String() string
}

// FileSource reads the document from a local path.
type FileSource struct {
	Path string
}

func (f FileSource) Load(_ context.Context) ([]byte, error) {
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	return readCapped(fh)
}

func (f FileSource) String() string { return f.Path }

// S3API is the subset of the S3 client used by S3Source.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the document from an S3 object.
type S3Source struct {
	Client S3API
	Bucket string
	Key    string
}

func (s S3Source) Load(ctx context.Context) ([]byte, error) {
	out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get object: %w", err)
	}
	defer out.Body.Close()
	return readCapped(out.Body)
}

func (s S3Source) String() string { return "s3://" + s.Bucket + "/" + s.Key }

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(loc string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(loc, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %q", loc)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 url %q must be s3://bucket/key", loc)
	}
	return bucket, key, nil
}

// IsS3 reports whether loc names an S3 object.
func IsS3(loc string) bool { return strings.HasPrefix(loc, "s3://") }

func readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("rule document exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}
