package services

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/markdave123-py/contexta-gateway/internal/core/gateway"
	"github.com/markdave123-py/contexta-gateway/internal/models"
)

// JobForm is the inbound job exactly as the caller submitted it.
type JobForm struct {
	InputType   string
	DOI         string
	TextContent string
	Document    *models.Document
	Endpoint    string
	ClientID    string
	APIKey      string
}

// Archiver keeps a copy of uploaded documents.
type Archiver interface {
	Store(ctx context.Context, job models.JobRequest) (string, error)
}

// JobRunner drives one job to completion over an emitter.
type JobRunner interface {
	Run(ctx context.Context, job models.JobRequest, emitter *gateway.Emitter) error
}

type ExtractionService struct {
	runner   JobRunner
	registry *gateway.Registry
	archive  Archiver
	logger   *zap.SugaredLogger
}

// NewExtractionService wires the job pipeline. archive may be nil.
func NewExtractionService(runner JobRunner, registry *gateway.Registry, archive Archiver, logger *zap.SugaredLogger) *ExtractionService {
	return &ExtractionService{runner: runner, registry: registry, archive: archive, logger: logger}
}

func invalid(msg string) error {
	return errors.Mark(errors.New(msg), models.ErrValidation)
}

// Prepare validates form and turns it into a job. Validation errors are
// marked with models.ErrValidation and their text is safe to return to the
// caller.
func (s *ExtractionService) Prepare(form JobForm) (models.JobRequest, error) {
	inputType := models.InputType(strings.ToLower(strings.TrimSpace(form.InputType)))
	endpoint := strings.TrimSpace(form.Endpoint)
	clientID := strings.TrimSpace(form.ClientID)

	switch {
	case inputType == "":
		return models.JobRequest{}, invalid("Input type not provided")
	case endpoint == "":
		return models.JobRequest{}, invalid("Endpoint not provided")
	case clientID == "":
		return models.JobRequest{}, invalid("Client ID not provided")
	case !inputType.Valid():
		return models.JobRequest{}, invalid("Unsupported input type: " + string(inputType))
	}

	if _, err := gateway.WorkerURL(endpoint, clientID, ""); err != nil {
		return models.JobRequest{}, errors.Mark(errors.Wrap(err, "Invalid endpoint"), models.ErrValidation)
	}

	job := models.JobRequest{
		ID:        uuid.NewString(),
		InputType: inputType,
		Endpoint:  endpoint,
		ClientID:  clientID,
		APIKey:    strings.TrimSpace(form.APIKey),
	}

	switch inputType {
	case models.InputDOI:
		job.DOI = strings.TrimSpace(form.DOI)
		if job.DOI == "" {
			return models.JobRequest{}, invalid("DOI not provided")
		}
	case models.InputText:
		job.TextContent = strings.TrimSpace(form.TextContent)
		if job.TextContent == "" {
			return models.JobRequest{}, invalid("Text content not provided")
		}
	case models.InputPDF:
		if form.Document == nil || len(form.Document.Content) == 0 {
			return models.JobRequest{}, invalid("PDF file not provided")
		}
		job.Document = form.Document
	}

	return job, nil
}

// Run archives the job's document when an archive is configured, registers
// the job for cancellation and streams it to emitter. It returns once the
// job has terminated.
func (s *ExtractionService) Run(ctx context.Context, job models.JobRequest, emitter *gateway.Emitter) error {
	if s.archive != nil && job.Document != nil {
		if url, err := s.archive.Store(ctx, job); err != nil {
			s.logger.Warnw("Document archive failed, continuing", "job_id", job.ID, "error", err)
		} else {
			s.logger.Debugw("Document archived", "job_id", job.ID, "url", url)
		}
	}

	jobCtx, release := s.registry.Register(ctx, job.ClientID, job.ID)
	defer release()

	s.logger.Infow("Job started", "job_id", job.ID, "client_id", job.ClientID, "input_type", job.InputType)
	return s.runner.Run(jobCtx, job, emitter)
}

// Cancel aborts every in-flight job for clientID and reports how many were
// cancelled.
func (s *ExtractionService) Cancel(clientID string) int {
	n := s.registry.Cancel(clientID, models.ErrCancelled)
	s.logger.Infow("Cancel requested", "client_id", clientID, "jobs", n)
	return n
}

// ActiveJobs is the number of jobs currently streaming.
func (s *ExtractionService) ActiveJobs() int {
	return s.registry.Active()
}
