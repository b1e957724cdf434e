// Package archive preserves confirmed upload artifacts before their local
// working copies are deleted. Backends: none (discard), filesystem (move to a
// directory), s3 (upload to a bucket).
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Archiver stores one confirmed artifact. Implementations must be safe to
// call with a path they have already stored.
type Archiver interface {
	Store(ctx context.Context, path string) error
}

// Config selects and parameterizes the archive backend.
type Config struct {
	// Backend is "none", "filesystem" or "s3". Empty means none.
	Backend string `json:"backend"`
	// Dir is the target directory for the filesystem backend.
	Dir string `json:"dir,omitempty"`
	// Bucket is the target bucket for the s3 backend.
	Bucket string `json:"bucket,omitempty"`
	// Prefix is prepended to object keys for the s3 backend.
	Prefix string `json:"prefix,omitempty"`
	// Region overrides the SDK's default region resolution.
	Region string `json:"region,omitempty"`
}

// New creates the archiver the config names.
func New(ctx context.Context, cfg Config) (Archiver, error) {
	switch cfg.Backend {
	case "", "none":
		return discard{}, nil
	case "filesystem":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("archive: filesystem backend needs dir")
		}
		return &dirArchiver{dir: cfg.Dir}, nil
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("archive: s3 backend needs bucket")
		}
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("archive: load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return &s3Archiver{
			uploader: manager.NewUploader(client),
			bucket:   cfg.Bucket,
			prefix:   cfg.Prefix,
		}, nil
	}
	return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
}

type discard struct{}

func (discard) Store(context.Context, string) error { return nil }

// dirArchiver moves artifacts into a flat directory, date-prefixing the name
// to avoid collisions between runs.
type dirArchiver struct {
	dir string
}

func (a *dirArchiver) Store(_ context.Context, path string) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	target := filepath.Join(a.dir, time.Now().UTC().Format("20060102")+"-"+filepath.Base(path))
	if err := os.Rename(path, target); err == nil {
		return nil
	}
	// Cross-device rename fails; fall back to copy.
	if err := copyFile(path, target); err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// s3Archiver uploads artifacts via the transfer manager, which handles
// multipart for large media files.
type s3Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

func (a *s3Archiver) Store(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	defer f.Close()

	key := filepath.Base(path)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("archive: put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
