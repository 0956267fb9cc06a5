package protocol

import (
	"encoding/json"

	"github.com/cockroachdb/errors"

	"github.com/markdave123-py/contexta-gateway/internal/models"
)

// startDescriptor is the first message a job sends to the worker.
type startDescriptor struct {
	Type        string           `json:"type"`
	InputType   models.InputType `json:"input_type"`
	DOI         string           `json:"doi,omitempty"`
	TextContent string           `json:"text_content,omitempty"`
	Name        string           `json:"name,omitempty"`
	Size        *int64           `json:"size,omitempty"`
	APIKey      string           `json:"openrouter_api_key,omitempty"`
}

// StartDescriptor encodes the start message for job. The API key is omitted
// when the caller did not supply one.
func StartDescriptor(job models.JobRequest) ([]byte, error) {
	d := startDescriptor{
		Type:      "start",
		InputType: job.InputType,
		APIKey:    job.APIKey,
	}

	switch job.InputType {
	case models.InputDOI:
		if job.DOI == "" {
			return nil, errors.Wrap(models.ErrValidation, "doi is empty")
		}
		d.DOI = job.DOI
	case models.InputText:
		if job.TextContent == "" {
			return nil, errors.Wrap(models.ErrValidation, "text_content is empty")
		}
		d.TextContent = job.TextContent
	case models.InputPDF:
		if job.Document == nil {
			return nil, errors.Wrap(models.ErrValidation, "pdf document is missing")
		}
		size := job.Document.Size
		d.Name = job.Document.Name
		d.Size = &size
	default:
		return nil, errors.Wrapf(models.ErrValidation, "unsupported input_type %q", job.InputType)
	}

	return json.Marshal(d)
}
