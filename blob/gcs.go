package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/onnwee/meeting-tender/backend/apperr"
)

// GCS stores blobs in a Google Cloud Storage bucket. Refs have the form
// gs://<bucket>/<key>.
type GCS struct {
	svc    *storage.Service
	bucket string
}

// NewGCS authenticates with Application Default Credentials.
func NewGCS(ctx context.Context, bucket string) (*GCS, error) {
	ts, err := google.DefaultTokenSource(ctx, storage.DevstorageReadWriteScope)
	if err != nil {
		return nil, fmt.Errorf("gcs credentials: %w", err)
	}
	return NewGCSWithOptions(ctx, bucket, option.WithTokenSource(ts))
}

// NewGCSWithOptions builds the client from explicit options (endpoint, HTTP client).
func NewGCSWithOptions(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCS, error) {
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCS{svc: svc, bucket: bucket}, nil
}

func (g *GCS) ref(key string) string { return "gs://" + g.bucket + "/" + key }

func (g *GCS) key(ref string) (string, error) {
	prefix := "gs://" + g.bucket + "/"
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("ref %q not in bucket %s: %w", ref, g.bucket, apperr.ErrValidation)
	}
	key := strings.TrimPrefix(ref, prefix)
	return key, validKey(key)
}

func (g *GCS) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	obj := &storage.Object{Name: key, ContentType: "audio/wav"}
	if _, err := g.svc.Objects.Insert(g.bucket, obj).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
		return "", gcsErr("put", key, err)
	}
	return g.ref(key), nil
}

func (g *GCS) Get(ctx context.Context, ref string) ([]byte, error) {
	key, err := g.key(ref)
	if err != nil {
		return nil, err
	}
	resp, err := g.svc.Objects.Get(g.bucket, key).Context(ctx).Download()
	if err != nil {
		return nil, gcsErr("get", key, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w: %w", key, apperr.ErrTransientIO, err)
	}
	return data, nil
}

// Delete removes the object. Missing objects are not an error.
func (g *GCS) Delete(ctx context.Context, ref string) error {
	key, err := g.key(ref)
	if err != nil {
		return err
	}
	if err := g.svc.Objects.Delete(g.bucket, key).Context(ctx).Do(); err != nil {
		if isNotFound(err) {
			return nil
		}
		return gcsErr("delete", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func gcsErr(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("gcs %s %s: %w", op, key, apperr.ErrNotFound)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests {
		return fmt.Errorf("gcs %s %s: %w", op, key, err)
	}
	return fmt.Errorf("gcs %s %s: %w: %w", op, key, apperr.ErrTransientIO, err)
}
