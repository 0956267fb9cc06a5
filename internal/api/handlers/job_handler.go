package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/contexta-gateway/internal/services"
)

type JobHandler struct {
	service *services.ExtractionService
}

func NewJobHandler(service *services.ExtractionService) *JobHandler {
	return &JobHandler{service: service}
}

// CancelJob aborts the in-flight jobs registered under the clientId path
// parameter.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientId")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "Client ID not provided")
		return
	}

	n := h.service.Cancel(clientID)
	if n == 0 {
		writeError(w, http.StatusNotFound, "No active job for client")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": n})
}

func (h *JobHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_jobs": h.service.ActiveJobs(),
	})
}
