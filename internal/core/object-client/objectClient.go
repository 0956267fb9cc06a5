package objectclient

import (
	"bytes"
	"context"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/markdave123-py/contexta-gateway/internal/core"
	"github.com/markdave123-py/contexta-gateway/internal/models"
)

const defaultContentType = "application/pdf"

// Archive keeps a copy of every uploaded document in object storage.
type Archive struct {
	storage core.ObjectClient
	bucket  string
	logger  *zap.SugaredLogger
}

func NewArchive(storage core.ObjectClient, bucket string, logger *zap.SugaredLogger) *Archive {
	return &Archive{storage: storage, bucket: bucket, logger: logger}
}

// Store uploads the job's document and returns its URL. Jobs without a
// document are skipped.
func (a *Archive) Store(ctx context.Context, job models.JobRequest) (string, error) {
	if job.Document == nil {
		return "", nil
	}

	contentType := job.Document.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}

	key := ObjectKey(job.ClientID, job.ID, job.Document.Name)
	start := time.Now()
	url, err := a.storage.UploadFile(ctx, a.bucket, key, bytes.NewReader(job.Document.Content), contentType)
	if err != nil {
		return "", errors.Wrapf(err, "archive document for job %s", job.ID)
	}

	a.logger.Infow("Document archived",
		"job_id", job.ID,
		"key", key,
		"size_bytes", len(job.Document.Content),
		"elapsed", time.Since(start),
	)
	return url, nil
}

// ObjectKey creates a consistent S3 key layout. Path components in the
// inputs cannot escape their segment.
func ObjectKey(clientID, jobID, filename string) string {
	return path.Join("uploads", segment(clientID, "anonymous"), segment(jobID, "job"), segment(filename, "document.pdf"))
}

func segment(s, fallback string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\\", "/")
	s = path.Base(s)
	s = strings.ReplaceAll(s, " ", "_")
	if s == "" || s == "." || s == ".." || s == "/" {
		return fallback
	}
	return s
}
