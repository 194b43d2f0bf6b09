package handler

import (
	"fmt"
	"net/http"

	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/service"
)

type modeRequest struct {
	Mode string `json:"mode"`
}

type thresholdRequest struct {
	Threshold float64 `json:"threshold"`
}

type detectResponse struct {
	State *model.DetectionState `json:"state"`
	Saved bool                  `json:"saved"`
}

// StateHandler handles GET /api/state with the last published detection state.
func StateHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, logger, http.StatusOK, map[string]interface{}{
			"mode":      manager.Mode(),
			"threshold": manager.Threshold(),
			"state":     manager.State(),
			"labels":    manager.ModelLabels(),
		})
	}
}

// DetectionsHandler handles GET /api/detections, optionally filtered by ?class=.
func DetectionsHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		class := r.URL.Query().Get("class")
		if class == "" {
			writeJSON(w, logger, http.StatusOK, manager.State().Detections)
			return
		}
		writeJSON(w, logger, http.StatusOK, manager.Detections(class))
	}
}

// ModeHandler handles GET and POST /api/mode. POST takes {"mode":"live"|"single"}.
func ModeHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			var req modeRequest
			if err := decodeJSON(w, r, &req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			switch req.Mode {
			case service.ModeLive:
				manager.SetLiveMode(true)
			case service.ModeSingle:
				manager.SetLiveMode(false)
			default:
				http.Error(w, fmt.Sprintf("Unknown mode %q", req.Mode), http.StatusBadRequest)
				return
			}
			logger.Info("Detection mode set to %s", req.Mode)
		default:
			methodNotAllowed(w)
			return
		}
		writeJSON(w, logger, http.StatusOK, modeRequest{Mode: manager.Mode()})
	}
}

// DetectHandler handles POST /api/detect: one detection pass whose annotated
// frame is saved as a capture.
func DetectHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		state, err := manager.DetectAndSave(r.Context())
		if err != nil && state == nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, logger, http.StatusOK, detectResponse{State: state, Saved: err == nil})
	}
}

// ThresholdHandler handles GET and POST /api/threshold.
func ThresholdHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			var req thresholdRequest
			if err := decodeJSON(w, r, &req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			if err := manager.SetThreshold(req.Threshold); err != nil {
				writeError(w, logger, err)
				return
			}
		default:
			methodNotAllowed(w)
			return
		}
		writeJSON(w, logger, http.StatusOK, thresholdRequest{Threshold: manager.Threshold()})
	}
}

// HistoryHandler handles GET /api/history, oldest record first.
func HistoryHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		writeJSON(w, logger, http.StatusOK, manager.History())
	}
}
