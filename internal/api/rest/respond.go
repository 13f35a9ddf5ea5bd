package rest

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/plategate/vehicle-access-backend/internal/domain/errors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps domain errors onto HTTP statuses. Internal details never
// leak; they stay in the log.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := errors.GetStatusCode(err)
	resp := errorResponse{Error: err.Error()}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		resp.Code = appErr.Code
		resp.Error = appErr.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
		resp.Error = "internal error"
		resp.Code = ""
	}

	writeJSON(w, status, resp)
}

func writeValidationError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{
		Error: err.Error(),
		Code:  "INVALID_PAYLOAD",
	})
}
