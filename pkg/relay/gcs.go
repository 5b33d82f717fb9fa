package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"github.com/teslashibe/go-live/pkg/rooms"
)

// GCSStore keeps room metadata at rooms/{YYYY-MM}/{DD}/{id}/metadata.json.
type GCSStore struct {
	bucket string
	svc    *storage.Service
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a store for bucket. Without options it uses
// application default credentials.
func NewGCSStore(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("relay: bucket is required")
	}
	if len(opts) == 0 {
		ts, err := google.DefaultTokenSource(ctx, storage.DevstorageReadWriteScope)
		if err != nil {
			return nil, fmt.Errorf("relay: default credentials: %w", err)
		}
		opts = append(opts, option.WithTokenSource(ts))
	}
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: storage client: %w", err)
	}
	return &GCSStore{bucket: bucket, svc: svc}, nil
}

// MetadataPath returns the object name for room, dated by its creation.
func MetadataPath(room rooms.Room) string {
	t := room.CreatedAt.UTC()
	return fmt.Sprintf("rooms/%s/%s/%s/metadata.json", t.Format("2006-01"), t.Format("02"), room.ID)
}

// Save writes the room metadata.
func (s *GCSStore) Save(ctx context.Context, room rooms.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	name := MetadataPath(room)
	obj := &storage.Object{Name: name, ContentType: "application/json"}
	if _, err := s.svc.Objects.Insert(s.bucket, obj).Media(bytes.NewReader(data)).Context(ctx).Do(); err != nil {
		return fmt.Errorf("relay: upload gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}

// Load reads every metadata object under rooms/. Unreadable objects are
// skipped.
func (s *GCSStore) Load(ctx context.Context) ([]rooms.Room, error) {
	var out []rooms.Room
	err := s.svc.Objects.List(s.bucket).Prefix("rooms/").Pages(ctx, func(page *storage.Objects) error {
		for _, obj := range page.Items {
			if !strings.HasSuffix(obj.Name, "/metadata.json") {
				continue
			}
			room, err := s.read(ctx, obj.Name)
			if err != nil {
				continue
			}
			out = append(out, room)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("relay: list gs://%s/rooms: %w", s.bucket, err)
	}
	return out, nil
}

func (s *GCSStore) read(ctx context.Context, name string) (rooms.Room, error) {
	resp, err := s.svc.Objects.Get(s.bucket, name).Context(ctx).Download()
	if err != nil {
		return rooms.Room{}, err
	}
	defer resp.Body.Close()
	var room rooms.Room
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return rooms.Room{}, err
	}
	return room, nil
}
