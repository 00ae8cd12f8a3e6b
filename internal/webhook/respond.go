package webhook

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/astralisone/astralis-nextjs-sub001/internal/errs"
)

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiError struct {
	Body apiErrorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Body: apiErrorBody{Code: code, Message: msg}})
}

// writeErr maps a classified error onto an HTTP status.
func writeErr(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound, errs.KindWorkflowNotFound:
		status = http.StatusNotFound
	case errs.KindPermission:
		status = http.StatusForbidden
	case errs.KindInvalidState:
		status = http.StatusConflict
	case errs.KindRateLimited:
		status = http.StatusTooManyRequests
		if ra := errs.RetryAfterOf(err); ra > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(ra.Seconds()+0.5)))
		}
	case errs.KindTimeout, errs.KindExecutionTimeout:
		status = http.StatusGatewayTimeout
	}
	msg := err.Error()
	var e *errs.Error
	if status == http.StatusInternalServerError && !errors.As(err, &e) {
		slog.Error("request failed", "error", err)
		msg = "internal server error"
	}
	writeError(w, status, string(kind), msg)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errs.Validation("webhook.decode", "invalid JSON body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && n > 0 {
		return n
	}
	return def
}
