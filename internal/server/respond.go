package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/internal/apperr"
)

// correlationHeader carries the support reference for 5xx responses.
const correlationHeader = "X-Correlation-ID"

// apiEnvelope is the vendor-compatible response wrapper of POST /api.
type apiEnvelope struct {
	Status       string `json:"status"`
	ResponseData any    `json:"responsedata"`
	Message      string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeAPISuccess emits the success envelope.
func writeAPISuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, apiEnvelope{Status: "success", ResponseData: data})
}

// writeAPIError maps a taxonomy error onto the envelope. The message is
// the stable reason string; internal detail stays out of the response.
func writeAPIError(w http.ResponseWriter, err error, correlationID string) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError && correlationID != "" {
		w.Header().Set(correlationHeader, correlationID)
	}
	writeJSON(w, status, apiEnvelope{Status: "error", Message: apperr.ReasonOf(err)})
}

// errorBody is the plain error shape of the admin and auth surfaces.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// writeError maps a taxonomy error for the interactive surfaces.
func (app *Application) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	body := errorBody{Error: string(kind)}
	if reason := apperr.ReasonOf(err); reason != string(kind) {
		body.Reason = reason
	}
	if status >= http.StatusInternalServerError {
		id := uuid.NewString()
		w.Header().Set(correlationHeader, id)
		app.Logger.Error("request failed", zap.String("correlation_id", id), zap.Error(err))
	}
	writeJSON(w, status, body)
}

// decodeBody parses a JSON request body into dst. Bodies over the size
// cap surface as payload_too_large.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.Newf(apperr.KindPayloadTooLarge, "body over %d bytes", tooLarge.Limit)
		}
		return apperr.Newf(apperr.KindMalformed, "decode body: %v", err)
	}
	return nil
}
