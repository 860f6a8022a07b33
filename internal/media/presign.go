// Package media mints short-lived upload URLs against the platform bucket.
// File bytes go straight from the client to object storage.
package media

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"threadline/api/internal/util"
)

var ErrNotConfigured = errors.New("media storage not configured")

type Options struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PublicBaseURL string
	TTL           time.Duration
}

type Upload struct {
	UploadURL string    `json:"uploadUrl"`
	FileURL   string    `json:"fileUrl"`
	Key       string    `json:"key"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Presigner struct {
	client  *minio.Client
	bucket  string
	region  string
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewPresigner returns ErrNotConfigured when no endpoint is set.
func NewPresigner(opts Options) (*Presigner, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, ErrNotConfigured
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create media client: %w", err)
	}

	baseURL := strings.TrimRight(opts.PublicBaseURL, "/")
	if baseURL == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, opts.Endpoint, opts.Bucket)
	}

	return &Presigner{
		client:  client,
		bucket:  opts.Bucket,
		region:  opts.Region,
		baseURL: baseURL,
		ttl:     opts.TTL,
		now:     time.Now,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (p *Presigner) EnsureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", p.bucket, err)
	}
	if exists {
		return nil
	}
	if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{Region: p.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", p.bucket, err)
	}
	return nil
}

// PresignUpload returns a PUT URL for a new object under the user's prefix
// and the URL the stored message should reference afterwards.
func (p *Presigner) PresignUpload(ctx context.Context, userID, fileName string) (Upload, error) {
	key := objectKey(userID, fileName)
	u, err := p.client.PresignedPutObject(ctx, p.bucket, key, p.ttl)
	if err != nil {
		return Upload{}, fmt.Errorf("presign upload: %w", err)
	}
	return Upload{
		UploadURL: u.String(),
		FileURL:   p.baseURL + "/" + key,
		Key:       key,
		ExpiresAt: p.now().Add(p.ttl).UTC(),
	}, nil
}

func objectKey(userID, fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" || base == "." || base == "/" {
		base = "file"
	}
	return fmt.Sprintf("uploads/%s/%s-%s", userID, util.NewMessageID(), base)
}
