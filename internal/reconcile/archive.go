package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrReceiptNotFound is returned by Archive.Read when nothing is stored under the name.
var ErrReceiptNotFound = errors.New("receipt not found")

// Archive keeps downloaded receipts.
type Archive interface {
	// Store saves content under name and returns the locator recorded on the submission.
	Store(ctx context.Context, name string, content []byte) (string, error)

	// Read returns a stored receipt by file name.
	Read(ctx context.Context, name string) ([]byte, error)
}

// FileArchivePath is the URL prefix under which archived files are served.
const FileArchivePath = "/v1/upo-files/"

// FileArchive stores receipts in a local directory. All access goes through an os.Root so names
// cannot escape the directory.
type FileArchive struct {
	dir string
}

func NewFileArchive(dir string) (*FileArchive, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create receipt directory %s: %w", dir, err)
	}
	return &FileArchive{dir: dir}, nil
}

// Store writes content to a temporary file and renames it into place.
func (a *FileArchive) Store(ctx context.Context, name string, content []byte) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	root, err := os.OpenRoot(a.dir)
	if err != nil {
		return "", fmt.Errorf("failed to open receipt directory: %w", err)
	}
	defer root.Close()

	tmp := "." + name + ".tmp"
	if err := root.WriteFile(tmp, content, 0o640); err != nil {
		return "", fmt.Errorf("failed to write receipt: %w", err)
	}
	if err := root.Rename(tmp, name); err != nil {
		_ = root.Remove(tmp)
		return "", fmt.Errorf("failed to move receipt into place: %w", err)
	}
	return FileArchivePath + name, nil
}

func (a *FileArchive) Read(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt directory: %w", err)
	}
	defer root.Close()

	data, err := root.ReadFile(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read receipt: %w", err)
	}
	return data, nil
}

// S3Config selects the bucket receipts are written to.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string
}

// S3Archive stores receipts in an S3 bucket.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Archive(ctx context.Context, cfg S3Config) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiveWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewS3ArchiveWithClient(client *s3.Client, bucket, prefix string) *S3Archive {
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archive) key(name string) string {
	return a.prefix + name
}

func (a *S3Archive) Store(ctx context.Context, name string, content []byte) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	key := a.key(name)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(ContentType(name)),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed for %s: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}

func (a *S3Archive) Read(ctx context.Context, name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	key := a.key(name)
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// checkName accepts plain file names only.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || path.Base(name) != name {
		return fmt.Errorf("invalid receipt file name %q", name)
	}
	return nil
}

// ContentType is derived from the receipt file extension.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".xml":
		return "application/xml"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}
