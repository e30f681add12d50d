// Package s3 reads and writes transfer payloads in S3-compatible object storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/dataspace-connector/connector/internal/domain/transfer"
	"github.com/dataspace-connector/connector/internal/faults"
)

// Type is the data address type served by this package.
const Type = "AmazonS3"

// Address properties.
const (
	PropBucket = "bucketName"
	PropObject = "objectName"
)

// Config locates the object store.
type Config struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Insecure       bool
	ForcePathStyle bool
	Transport      http.RoundTripper
}

// Store implements dataplane.Source and dataplane.Sink.
type Store struct {
	client *minio.Client
}

func New(cfg Config) (*Store, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Type() string { return Type }

// Open streams the object named by the address.
func (s *Store) Open(ctx context.Context, addr transfer.DataAddress) (io.ReadCloser, error) {
	bucket, object, err := location(addr)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("s3 source", err)
	}
	// GetObject is lazy; Stat surfaces a missing object before the copy starts.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, classify("s3 source", err)
	}
	return obj, nil
}

// Write uploads r as the object named by the address.
func (s *Store) Write(ctx context.Context, addr transfer.DataAddress, r io.Reader) error {
	bucket, object, err := location(addr)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, bucket, object, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    16 << 20,
	})
	if err != nil {
		return classify("s3 sink", err)
	}
	return nil
}

func location(addr transfer.DataAddress) (string, string, error) {
	bucket, object := addr.Property(PropBucket), addr.Property(PropObject)
	if bucket == "" || object == "" {
		return "", "", faults.Permanentf("s3 data address", "%s and %s are required", PropBucket, PropObject)
	}
	return bucket, object, nil
}

func classify(op string, err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) {
		switch resp.Code {
		case "NoSuchBucket", "NoSuchKey", "AccessDenied", "InvalidBucketName":
			return faults.NewPermanent(op, err)
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return faults.NewPermanent(op, err)
		}
	}
	return faults.NewTransient(op, err)
}
