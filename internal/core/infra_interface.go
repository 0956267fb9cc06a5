package core

import (
	"context"
	"io"

	"github.com/markdave123-py/contexta-gateway/internal/models"
)

// TokenProvider issues the bearer credential a job presents to the worker.
type TokenProvider interface {
	GetToken(ctx context.Context) (models.Credential, error)
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data io.Reader, contentType string) (url string, err error)
}
