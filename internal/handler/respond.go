package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/service"
	"customvision/internal/service/corpus"
	"customvision/internal/service/detection"
	"customvision/internal/service/training"
)

// maxUploadSize caps uploaded example images.
const maxUploadSize = 10 << 20

type errorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *logger.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("Error encoding JSON response: %v", err)
	}
}

// writeError maps err onto an HTTP status and writes it as JSON.
func writeError(w http.ResponseWriter, logger *logger.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed: %v", err)
	}

	resp := errorResponse{Error: err.Error()}
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		resp.Problems = verr.Problems
	}
	writeJSON(w, logger, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, detection.ErrInvalidThreshold),
		errors.Is(err, corpus.ErrInvalidClass),
		errors.Is(err, corpus.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, corpus.ErrUnknownClass),
		errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, corpus.ErrClassExists),
		errors.Is(err, training.ErrTrainingInProgress):
		return http.StatusConflict
	case errors.Is(err, model.ErrFrameNotReady),
		errors.Is(err, model.ErrModelLoad):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrSaveQueueFull):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}

// atoiDefault converts s to int or returns def when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}
