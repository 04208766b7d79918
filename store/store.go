package store

import (
	"bytes"
	"fmt"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// RecordingStore persists an encoded recording and returns a URL where it
// can be played back.
type RecordingStore interface {
	Upload(objectKey string, contentType string, body []byte) (string, error)
}

// BucketStore implements RecordingStore on a Supabase storage bucket.
type BucketStore struct {
	client *supabase.Client
	bucket string
}

func NewBucketStore(baseURL, serviceKey, bucket string) (*BucketStore, error) {
	client, err := supabase.NewClient(baseURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &BucketStore{client: client, bucket: bucket}, nil
}

func (s *BucketStore) Upload(
	objectKey string,
	contentType string,
	body []byte,
) (string, error) {
	upsert := true
	cacheControl := "3600"
	_, err := s.client.Storage.UploadFile(
		s.bucket,
		objectKey,
		bytes.NewReader(body),
		storage_go.FileOptions{
			ContentType:  &contentType,
			CacheControl: &cacheControl,
			Upsert:       &upsert,
		},
	)
	if err != nil {
		return "", fmt.Errorf("failed to upload recording: %w", err)
	}

	return s.client.Storage.GetPublicUrl(s.bucket, objectKey).SignedURL, nil
}
