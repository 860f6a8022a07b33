package media

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestNewPresignerRequiresEndpoint(t *testing.T) {
	if _, err := NewPresigner(Options{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestPresignUploadSignsLocally(t *testing.T) {
	p, err := NewPresigner(Options{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio-secret",
		Bucket:    "threadline-media",
		Region:    "us-east-1",
		TTL:       5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("NewPresigner: %v", err)
	}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	up, err := p.PresignUpload(context.Background(), "alice", "../holiday photo.jpg")
	if err != nil {
		t.Fatalf("PresignUpload: %v", err)
	}

	if !strings.HasPrefix(up.Key, "uploads/alice/") || !strings.HasSuffix(up.Key, "-holiday_photo.jpg") {
		t.Fatalf("unexpected key %q", up.Key)
	}
	if up.FileURL != "http://localhost:9000/threadline-media/"+up.Key {
		t.Fatalf("file url = %q", up.FileURL)
	}
	if !up.ExpiresAt.Equal(fixed.Add(5 * time.Minute)) {
		t.Fatalf("expiresAt = %v", up.ExpiresAt)
	}

	u, err := url.Parse(up.UploadURL)
	if err != nil {
		t.Fatalf("parse upload url: %v", err)
	}
	if u.Query().Get("X-Amz-Signature") == "" {
		t.Fatalf("upload url is not signed: %s", up.UploadURL)
	}
	if u.Query().Get("X-Amz-Expires") != "300" {
		t.Fatalf("expires = %s", u.Query().Get("X-Amz-Expires"))
	}
}

func TestPublicBaseURLOverride(t *testing.T) {
	p, err := NewPresigner(Options{
		Endpoint:      "storage.internal:9000",
		Bucket:        "b",
		PublicBaseURL: "https://cdn.example.com/media/",
	})
	if err != nil {
		t.Fatalf("NewPresigner: %v", err)
	}
	up, err := p.PresignUpload(context.Background(), "bob", "a.png")
	if err != nil {
		t.Fatalf("PresignUpload: %v", err)
	}
	if !strings.HasPrefix(up.FileURL, "https://cdn.example.com/media/uploads/bob/") {
		t.Fatalf("file url = %q", up.FileURL)
	}
}
