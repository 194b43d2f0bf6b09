package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/repository"
)

type captureInfo struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Objects   []string  `json:"objects"`
}

// CapturesHandler handles GET /api/captures?limit= with the most recent saved
// captures and the objects detected on each.
func CapturesHandler(logger *logger.Logger, captureRepo repository.CaptureRepository, detectionRepo repository.DetectionRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		limit := atoiDefault(r.URL.Query().Get("limit"), 24)

		captures, err := captureRepo.GetRecent(limit)
		if err != nil {
			logger.Error("Error querying captures from database: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		out := make([]captureInfo, 0, len(captures))
		for _, c := range captures {
			objects := []string{}
			detections, err := detectionRepo.GetByCaptureID(c.ID)
			if err != nil {
				logger.Error("Error getting detections for capture %d: %v", c.ID, err)
			}
			for _, d := range detections {
				objects = append(objects, d.ObjectName)
			}
			out = append(out, captureInfo{
				ID:        c.ID,
				Name:      c.Filename,
				Timestamp: c.Timestamp,
				Size:      c.FileSize,
				Objects:   objects,
			})
		}
		writeJSON(w, logger, http.StatusOK, out)
	}
}

// ViewCaptureHandler serves the image of the capture given by ?id=.
func ViewCaptureHandler(logger *logger.Logger, captureRepo repository.CaptureRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil {
			http.Error(w, "Capture id is required", http.StatusBadRequest)
			return
		}
		capture, err := captureRepo.GetByID(id)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		http.ServeFile(w, r, capture.FilePath)
	}
}

// ClearCapturesHandler handles DELETE /api/captures: removes every capture file
// from the image directory and clears the database.
func ClearCapturesHandler(cfg *config.Config, logger *logger.Logger, captureRepo repository.CaptureRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		files, err := os.ReadDir(cfg.ImageDirectory)
		if err != nil && !os.IsNotExist(err) {
			logger.Error("Error reading capture directory: %v", err)
			http.Error(w, "Unable to read capture directory", http.StatusInternalServerError)
			return
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(cfg.ImageDirectory, file.Name())); err != nil {
				logger.Error("Error deleting file %s: %v", file.Name(), err)
			}
		}

		if err := captureRepo.DeleteAll(); err != nil {
			logger.Error("Error clearing database: %v", err)
		}

		logger.Info("All captures cleared from directory: %s", cfg.ImageDirectory)
		w.WriteHeader(http.StatusNoContent)
	}
}
