package handler

import (
	"net/http"

	"customvision/internal/logger"
	"customvision/internal/service"
)

// TrainingHandler handles /api/training: GET reports the latest session, POST
// starts one on the current corpus, DELETE cancels the running one.
func TrainingHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, logger, http.StatusOK, manager.TrainingStatus())

		case http.MethodPost:
			session, err := manager.StartTraining()
			if err != nil {
				writeError(w, logger, err)
				return
			}
			logger.Info("Training session %s started", session.ID())
			writeJSON(w, logger, http.StatusAccepted, map[string]string{"sessionId": session.ID()})

		case http.MethodDelete:
			cancelled := manager.CancelTraining()
			writeJSON(w, logger, http.StatusOK, map[string]bool{"cancelled": cancelled})

		default:
			methodNotAllowed(w)
		}
	}
}
