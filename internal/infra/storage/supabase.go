package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// SupabaseStorage implements usecase.Storage on a Supabase Storage bucket.
type SupabaseStorage struct {
	Bucket string

	upload func(bucket, key string, body io.Reader, opts storage_go.FileOptions) error
}

// NewSupabaseStorage constructs a new Supabase storage client.
func NewSupabaseStorage(baseURL, serviceKey, bucket string) (*SupabaseStorage, error) {
	if baseURL == "" || serviceKey == "" {
		return nil, errors.New("missing Supabase configuration: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY required")
	}
	client, err := supabase.NewClient(strings.TrimRight(baseURL, "/"), serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create Supabase client: %w", err)
	}
	return &SupabaseStorage{
		Bucket: bucket,
		upload: func(bucket, key string, body io.Reader, opts storage_go.FileOptions) error {
			_, err := client.Storage.UploadFile(bucket, key, body, opts)
			return err
		},
	}, nil
}

// Upload stores body under objectKey with the given content type. An
// existing object at the same key is overwritten.
func (s *SupabaseStorage) Upload(objectKey string, contentType string, body []byte) error {
	if objectKey == "" {
		return errors.New("supabase upload: empty object key")
	}
	if len(body) == 0 {
		return fmt.Errorf("supabase upload %s: empty %s body", objectKey, contentType)
	}
	upsert := true
	opts := storage_go.FileOptions{ContentType: &contentType, Upsert: &upsert}
	if err := s.upload(s.Bucket, objectKey, bytes.NewReader(body), opts); err != nil {
		return fmt.Errorf("failed to upload to Supabase: %w", err)
	}
	return nil
}
