// Package s3 archives compacted event-log records to S3-compatible object
// storage before the compactor deletes them.
//
// Each batch becomes one newline-delimited JSON object:
//
//	<prefix>/<partition>/<first-seq>-<last-seq>.ndjson
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/snehjoshi/messagehub/internal/config"
	"github.com/snehjoshi/messagehub/internal/types"
)

const contentType = "application/x-ndjson"

type Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type client interface {
	Put(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) error
	BucketExists(ctx context.Context, bucket string) (bool, error)
	CreateBucket(ctx context.Context, bucket, region string) error
}

// Archiver implements eventstore.Archiver.
type Archiver struct {
	client client
	bucket string
	prefix string
}

// New connects to cfg.Endpoint and, with AutoCreateBucket, creates the bucket
// when it does not exist.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("archive: s3 endpoint is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("archive: s3 bucket is required")
	}
	mc, err := newMinioClient(cfg)
	if err != nil {
		return nil, err
	}
	a := &Archiver{client: mc, bucket: strings.TrimSpace(cfg.Bucket), prefix: cleanPrefix(cfg.Prefix)}
	if cfg.AutoCreateBucket {
		if err := a.ensureBucket(ctx, strings.TrimSpace(cfg.Region)); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func newWithClient(bucket, prefix string, c client) *Archiver {
	return &Archiver{client: c, bucket: bucket, prefix: cleanPrefix(prefix)}
}

// Archive uploads recs as one object. An empty batch is a no-op.
func (a *Archiver) Archive(ctx context.Context, partition string, recs []types.Record) error {
	if len(recs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("archive: encode %s/%d: %w", partition, rec.Seq, err)
		}
	}
	key := a.objectKey(partition, recs[0].Seq, recs[len(recs)-1].Seq)
	if err := a.client.Put(ctx, a.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), contentType); err != nil {
		return fmt.Errorf("archive: put %q: %w", key, err)
	}
	return nil
}

func (a *Archiver) objectKey(partition string, first, last uint64) string {
	name := fmt.Sprintf("%020d-%020d.ndjson", first, last)
	return path.Join(a.prefix, partition, name)
}

func (a *Archiver) ensureBucket(ctx context.Context, region string) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("archive: check bucket %q: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.CreateBucket(ctx, a.bucket, region); err != nil {
		return fmt.Errorf("archive: create bucket %q: %w", a.bucket, err)
	}
	return nil
}

func cleanPrefix(prefix string) string {
	prefix = strings.TrimSpace(strings.TrimPrefix(prefix, "/"))
	if prefix == "" {
		return ""
	}
	prefix = path.Clean(prefix)
	if prefix == "." {
		return ""
	}
	return prefix
}

// ─── minio ────────────────────────────────────────────────────────────────────

func newMinioClient(cfg Config) (*minioClient, error) {
	endpoint, secure, err := parseEndpoint(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	c, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: strings.TrimSpace(cfg.Region),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: create s3 client: %w", err)
	}
	return &minioClient{client: c}, nil
}

func parseEndpoint(raw string, useSSL bool) (string, bool, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return raw, useSSL, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("archive: parse endpoint: %w", err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("archive: endpoint host is required")
	}
	return u.Host, u.Scheme == "https" || useSSL, nil
}

type minioClient struct {
	client *minio.Client
}

func (m *minioClient) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, ct string) error {
	_, err := m.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{ContentType: ct})
	return err
}

func (m *minioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return m.client.BucketExists(ctx, bucket)
}

func (m *minioClient) CreateBucket(ctx context.Context, bucket, region string) error {
	return m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// ConfigFrom maps the archive section of the hub configuration.
func ConfigFrom(c config.ArchiveConfig) Config {
	return Config{
		Endpoint:         c.Endpoint,
		Region:           c.Region,
		Bucket:           c.Bucket,
		AccessKeyID:      c.AccessKey,
		SecretAccessKey:  c.SecretKey,
		UseSSL:           c.UseSSL,
		Prefix:           c.Prefix,
		AutoCreateBucket: true,
	}
}
