package apierror

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ProblemContentType is the media type for RFC 7807 error bodies.
const ProblemContentType = "application/problem+json"

// problemBody is the wire shape of an error response. The hyphenated
// member names follow the DSO API profile, hence the explicit struct
// instead of marshalling Error directly.
type problemBody struct {
	Type             string         `json:"type"`
	Title            string         `json:"title"`
	Status           int            `json:"status"`
	Detail           string         `json:"detail,omitempty"`
	Instance         string         `json:"instance,omitempty"`
	InvalidParams    []InvalidParam `json:"invalid-params,omitempty"`
	ValidationErrors any            `json:"x-validation-errors,omitempty"`
	RawResponse      string         `json:"x-raw-response,omitempty"`
}

// WriteProblem renders err as application/problem+json on w.
// Unknown errors become 500 and are logged with their cause; the cause
// never reaches the client.
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := From(err)
	if apiErr.Status >= 500 {
		slog.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path,
			"status", apiErr.Status, "error", apiErr.Error(),
			"cause", apiErr.Unwrap())
	}

	body := problemBody{
		Type:             "urn:apiexception:" + apiErr.Code,
		Title:            apiErr.Title,
		Status:           apiErr.Status,
		Detail:           apiErr.Detail,
		Instance:         r.URL.Path,
		InvalidParams:    apiErr.InvalidParams,
		ValidationErrors: apiErr.ValidationErrors,
		RawResponse:      apiErr.RawResponse,
	}

	w.Header().Set("Content-Type", ProblemContentType)
	w.WriteHeader(apiErr.Status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		slog.Error("failed to encode problem response", "error", encErr)
	}
}
