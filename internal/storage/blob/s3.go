// Licensed under the MIT License. See LICENSE file in the project root for details.

package blob

import (
	"context"
	"net/http"
	"path"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config configures an S3Store.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Prefix    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	// MaxRetries bounds attempts per request, the client default when zero.
	MaxRetries int
}

// S3Store resolves blob IDs as objects of an S3-compatible bucket.
// Only object metadata is read; payloads are never downloaded.
type S3Store struct {
	client *minio.Client
	config S3Config
}

// NewS3Store creates a store. Empty credentials fall back to the AWS
// environment variables.
func NewS3Store(config S3Config) (*S3Store, error) {
	creds := credentials.NewEnvAWS()
	if config.AccessKey != "" {
		creds = credentials.NewStaticV4(config.AccessKey, config.SecretKey, "")
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:      creds,
		Region:     config.Region,
		Secure:     config.UseSSL,
		MaxRetries: config.MaxRetries,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create s3 client")
	}
	return &S3Store{client: client, config: config}, nil
}

func (s *S3Store) objectName(id ID) string {
	return path.Join(s.config.Prefix, string(id))
}

// Resolve implements Store.
func (s *S3Store) Resolve(ctx context.Context, id ID) (int64, bool, error) {
	if id == "" {
		return 0, false, ErrEmptyID
	}
	info, err := s.client.StatObject(ctx, s.config.Bucket, s.objectName(id), minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
			return 0, false, nil
		}
		return 0, false, errors.Wrapf(err, "stat blob %q", id)
	}
	return info.Size, true, nil
}
