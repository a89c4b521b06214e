// Licensed Materials - Property of IBM
// Copyright IBM Corp. 2023.
// US Government Users Restricted Rights - Use, duplication or disclosure restricted by GSA ADP Schedule Contract with IBM Corp.

package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/zosopentools/patchchain/internal/base"
	"github.com/zosopentools/patchchain/internal/util"
)

// A repository a bundle is published to
type Destination struct {
	Name string

	// file:// or a bare path, http(s)://, or s3://bucket/prefix
	URL string

	// S3 endpoint host:port
	Endpoint string
	Region   string
	Insecure bool

	Credentials Credentials
}

// Build a destination from configuration, reading its credentials now
func DestinationOf(d base.DestinationConfig) Destination {
	return Destination{
		Name:        d.Name,
		URL:         d.URL,
		Endpoint:    d.Endpoint,
		Region:      d.Region,
		Insecure:    d.Insecure,
		Credentials: CredentialsFromEnv(d.UsernameEnv, d.PasswordEnv),
	}
}

// Writes files below a repository root
type uploader interface {
	// Location of key inside the repository
	Location(key string) string
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

func (p *Publisher) uploader(d Destination) (uploader, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "", "file":
		dir := u.Path
		if u.Scheme == "" {
			dir = d.URL
		}
		if dir == "" {
			return nil, fmt.Errorf("destination %q has no directory", d.Name)
		}
		return fileUploader{root: dir}, nil
	case "http", "https":
		return &httpUploader{client: p.client, base: strings.TrimSuffix(d.URL, "/"), creds: d.Credentials}, nil
	case "s3":
		return newS3Uploader(d, u)
	default:
		return nil, fmt.Errorf("destination %q: unsupported scheme %q", d.Name, u.Scheme)
	}
}

type fileUploader struct {
	root string
}

func (f fileUploader) Location(key string) string {
	return filepath.Join(f.root, filepath.FromSlash(key))
}

func (f fileUploader) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dest := f.Location(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return util.WriteFileAtomic(dest, data, 0644)
}

// Maven style HTTP PUT with basic authentication
type httpUploader struct {
	client *http.Client
	base   string
	creds  Credentials
}

func (h *httpUploader) Location(key string) string {
	return h.base + "/" + key
}

func (h *httpUploader) Put(ctx context.Context, key string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.Location(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentType)
	if !h.creds.Empty() {
		req.SetBasicAuth(h.creds.Username, h.creds.Secret())
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("PUT %v: %v", h.Location(key), resp.Status)
	}
	return nil
}

type s3Uploader struct {
	client *minio.Client
	bucket string
	prefix string
}

func newS3Uploader(d Destination, u *url.URL) (*s3Uploader, error) {
	if d.Endpoint == "" {
		return nil, fmt.Errorf("destination %q: s3 endpoint is required", d.Name)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("destination %q: s3 bucket is required", d.Name)
	}
	region := d.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(d.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(d.Credentials.Username, d.Credentials.Secret(), ""),
		Secure: !d.Insecure,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &s3Uploader{client: client, bucket: u.Host, prefix: strings.Trim(u.Path, "/")}, nil
}

func (s *s3Uploader) Location(key string) string {
	return "s3://" + s.bucket + "/" + path.Join(s.prefix, key)
}

func (s *s3Uploader) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, path.Join(s.prefix, key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}
