package ingest

import (
	"context"
	"time"
)

// SignedURLOptions configures a client-issued signed URL for direct
// browser upload/download of a document's original bytes.
type SignedURLOptions struct {
	Method      string
	Expires     time.Time
	ContentType string
}

// ObjectUploader abstracts the object-storage writes Pipeline.Accept needs.
// gcpclient.StorageAdapter implements this against GCS.
type ObjectUploader interface {
	Upload(ctx context.Context, bucket, object string, data []byte, contentType string) error
	SignedURL(bucket, object string, opts *SignedURLOptions) (string, error)
}
