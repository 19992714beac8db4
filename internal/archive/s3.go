package archive

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	apperrors "github.com/takemura/backhaul/internal/errors"
)

// S3Archive stores backups in an S3-compatible bucket via the MinIO client.
// Credentials come from the URI userinfo, falling back to the standard AWS
// environment variables.
type S3Archive struct {
	client *minio.Client
	bucket string
	prefix string
	host   string
}

func NewS3Archive(u *url.URL) (*S3Archive, error) {
	bucket, prefix := splitBucketPrefix(u.Path)
	if bucket == "" {
		return nil, apperrors.New(apperrors.TypeValidation, "s3 destination is missing a bucket", "Use s3://host/bucket or s3://host/bucket/prefix.")
	}

	accessKey := u.User.Username()
	secretKey, _ := u.User.Password()
	var creds *credentials.Credentials
	if accessKey != "" {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	useSSL := u.Query().Get("ssl") != "false"
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: u.Query().Get("region"),
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConnection, "failed to create S3 client", "Check the endpoint host and credentials.")
	}

	return &S3Archive{client: client, bucket: bucket, prefix: prefix, host: u.Host}, nil
}

func (a *S3Archive) Store(ctx context.Context, name string, r io.Reader) (string, error) {
	key := a.objectKey(name)
	// Size -1 streams with multipart upload; finalized backups can be large.
	_, err := a.client.PutObject(ctx, a.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeConnection, "failed to upload to S3", "Check bucket permissions and network reachability.")
	}
	return "s3://" + a.host + "/" + a.bucket + "/" + key, nil
}

func (a *S3Archive) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, a.objectKey(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConnection, "failed to fetch object from S3", "")
	}
	return obj, nil
}

func (a *S3Archive) Delete(ctx context.Context, name string) error {
	return a.client.RemoveObject(ctx, a.bucket, a.objectKey(name), minio.RemoveObjectOptions{})
}

func (a *S3Archive) Location() string {
	loc := "s3://" + a.host + "/" + a.bucket
	if a.prefix != "" {
		loc += "/" + a.prefix
	}
	return loc
}

func (a *S3Archive) objectKey(name string) string {
	if a.prefix == "" {
		return name
	}
	return path.Join(a.prefix, name)
}

func splitBucketPrefix(p string) (bucket, prefix string) {
	p = strings.Trim(p, "/")
	if p == "" {
		return "", ""
	}
	parts := strings.SplitN(p, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix
}
