package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

// GCSSink appends JSONL batches to objects in a Cloud Storage bucket.
// Objects are immutable, so each write downloads the current object and
// uploads it with the new lines appended.
type GCSSink struct {
	bucket string
	svc    *storage.Service
	now    func() time.Time
}

var _ Sink = (*GCSSink)(nil)

// NewGCSSink creates a sink for bucket. Without options it authenticates
// with application default credentials.
func NewGCSSink(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSSink, error) {
	if bucket == "" {
		return nil, errors.New("archive: bucket is required")
	}
	if len(opts) == 0 {
		ts, err := google.DefaultTokenSource(ctx, storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("archive: default credentials: %w", err)
		}
		opts = append(opts, option.WithTokenSource(ts))
	}
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: storage client: %w", err)
	}
	return &GCSSink{bucket: bucket, svc: svc, now: time.Now}, nil
}

// Name returns "gcs".
func (s *GCSSink) Name() string { return "gcs" }

// Write appends b to sessions/{YYYY-MM}/{DD}/{session}/{client}.jsonl.
func (s *GCSSink) Write(ctx context.Context, b Batch) error {
	name := ObjectPath(s.now(), b.Session, b.Client)

	current, err := s.download(ctx, name)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Write(current)
	enc := json.NewEncoder(&buf)
	for _, r := range b.Records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("archive: encode record: %w", err)
		}
	}

	obj := &storage.Object{Name: name, ContentType: "application/x-ndjson"}
	_, err = s.svc.Objects.Insert(s.bucket, obj).Media(&buf).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("archive: upload gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

func (s *GCSSink) download(ctx context.Context, name string) ([]byte, error) {
	resp, err := s.svc.Objects.Get(s.bucket, name).Context(ctx).Download()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: read gs://%s/%s: %w", s.bucket, name, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Close is a no-op.
func (s *GCSSink) Close() error { return nil }
