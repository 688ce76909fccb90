// Catalogsync - ERP Catalog Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/catalogsync

package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/opencontainers/go-digest"

	"github.com/tomtom215/catalogsync/internal/logging"
	"github.com/tomtom215/catalogsync/internal/metrics"
)

// S3Config configures an S3-compatible blob store.
type S3Config struct {
	Endpoint  string `koanf:"endpoint"`
	Bucket    string `koanf:"bucket"`
	Prefix    string `koanf:"prefix"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Region    string `koanf:"region"`
	UseSSL    bool   `koanf:"use_ssl"`
}

// S3Store keeps blobs in an S3 bucket under <prefix>/<algorithm>/<hex>.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

var _ Store = (*S3Store)(nil)

// NewS3Store connects to the endpoint and makes sure the bucket exists.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("s3 endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		logging.Info().Str("bucket", cfg.Bucket).Msg("Created asset bucket")
	}

	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Backend returns "s3".
func (s *S3Store) Backend() string { return "s3" }

func (s *S3Store) key(d digest.Digest) string {
	k := string(d.Algorithm()) + "/" + d.Encoded()
	if s.prefix == "" {
		return k
	}
	return s.prefix + "/" + k
}

// Put uploads data unless an object for d already exists.
func (s *S3Store) Put(ctx context.Context, d digest.Digest, data []byte, contentType string) (string, error) {
	if err := verify(d, data); err != nil {
		return "", err
	}
	if ref, ok, err := s.Has(ctx, d); err != nil {
		return "", err
	} else if ok {
		return ref, nil
	}

	ct := Sniff(data, contentType)
	_, err := s.client.PutObject(ctx, s.bucket, s.key(d), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  ct,
		UserMetadata: map[string]string{"digest": d.String()},
	})
	if err != nil {
		return "", fmt.Errorf("upload asset %s: %w", d, err)
	}
	metrics.RecordAssetStored(s.Backend(), int64(len(data)))
	return d.String(), nil
}

// Has stats the object for d.
func (s *S3Store) Has(ctx context.Context, d digest.Digest) (string, bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(d), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat asset %s: %w", d, err)
	}
	return d.String(), true, nil
}

// Get downloads the object for ref.
func (s *S3Store) Get(ctx context.Context, ref string) ([]byte, Info, error) {
	d, err := parseRef(ref)
	if err != nil {
		return nil, Info{}, err
	}

	obj, err := s.client.GetObject(ctx, s.bucket, s.key(d), minio.GetObjectOptions{})
	if err != nil {
		return nil, Info{}, fmt.Errorf("get asset %s: %w", ref, err)
	}
	defer func() { _ = obj.Close() }()

	stat, err := obj.Stat()
	if err != nil {
		if isNoSuchKey(err) {
			return nil, Info{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, Info{}, fmt.Errorf("stat asset %s: %w", ref, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, Info{}, fmt.Errorf("read asset %s: %w", ref, err)
	}
	return data, Info{Ref: ref, ContentType: stat.ContentType, Size: stat.Size}, nil
}

// Count lists objects under the store prefix.
func (s *S3Store) Count(ctx context.Context) (int, error) {
	prefix := ""
	if s.prefix != "" {
		prefix = s.prefix + "/"
	}
	n := 0
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return 0, fmt.Errorf("list assets: %w", obj.Err)
		}
		n++
	}
	return n, nil
}

// Close is a no-op; the minio client holds no resources that need releasing.
func (s *S3Store) Close() error { return nil }

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
