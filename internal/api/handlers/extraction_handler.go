package handlers

import (
	"io"
	"net/http"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/markdave123-py/contexta-gateway/internal/core/gateway"
	"github.com/markdave123-py/contexta-gateway/internal/models"
	"github.com/markdave123-py/contexta-gateway/internal/services"
)

// formMemory is how much of a multipart form is held in memory before
// spilling to temp files.
const formMemory = 8 << 20

type ExtractionHandler struct {
	service        *services.ExtractionService
	maxUploadBytes int64
	logger         *zap.SugaredLogger
}

func NewExtractionHandler(service *services.ExtractionService, maxUploadMB int, logger *zap.SugaredLogger) *ExtractionHandler {
	return &ExtractionHandler{
		service:        service,
		maxUploadBytes: int64(maxUploadMB) << 20,
		logger:         logger,
	}
}

// StreamJob validates the submitted form, then holds the response open as an
// event stream until the job terminates.
func (h *ExtractionHandler) StreamJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(formMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "File too large")
			return
		}
		h.logger.Debugw("Unreadable job form", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid form data")
		return
	}
	if r.MultipartForm != nil {
		defer func() { _ = r.MultipartForm.RemoveAll() }()
	}

	doc, err := readDocument(r)
	if err != nil {
		h.logger.Debugw("Unreadable pdf_file part", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid PDF file")
		return
	}

	job, err := h.service.Prepare(services.JobForm{
		InputType:   r.FormValue("input_type"),
		DOI:         r.FormValue("doi"),
		TextContent: r.FormValue("text_content"),
		Document:    doc,
		Endpoint:    r.FormValue("endpoint"),
		ClientID:    r.FormValue("clientId"),
		APIKey:      r.FormValue("openrouter_api_key"),
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Errorw("Failed to prepare job", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	gateway.PrepareHeaders(w)
	w.WriteHeader(http.StatusOK)

	emitter := gateway.NewEmitter(w, h.logger)
	if err := h.service.Run(r.Context(), job, emitter); err != nil {
		h.logger.Infow("Job ended without result", "job_id", job.ID, "client_id", job.ClientID, "error", err)
	}
}

// readDocument returns the uploaded pdf_file, or nil when none was sent.
func readDocument(r *http.Request) (*models.Document, error) {
	file, header, err := r.FormFile("pdf_file")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.Wrap(err, "read pdf_file")
	}

	return &models.Document{
		Name:        filepath.Base(header.Filename),
		Size:        int64(len(content)),
		ContentType: header.Header.Get("Content-Type"),
		Content:     content,
	}, nil
}
