package handler

import (
	"net/http"
	"os"
	"path/filepath"

	"customvision/internal/config"
	"customvision/internal/logger"
)

var logFiles = map[string]string{
	"info":    "info.log",
	"warning": "warning.log",
	"error":   "error.log",
}

// ShowLogsHandler serves the log file of one level as text/plain.
func ShowLogsHandler(cfg *config.Config, level string) http.HandlerFunc {
	filename := logFiles[level]
	return func(w http.ResponseWriter, r *http.Request) {
		if filename == "" {
			http.NotFound(w, r)
			return
		}
		filePath := filepath.Join(cfg.LogDirectory, filename)
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte("Log file not found: " + filename))
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, filePath)
	}
}

// ClearLogsHandler truncates the log file of one level.
func ClearLogsHandler(logger *logger.Logger, level string) http.HandlerFunc {
	filename := logFiles[level]
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			methodNotAllowed(w)
			return
		}
		if filename == "" {
			http.NotFound(w, r)
			return
		}
		logger.CleanLogs(filename)
		w.WriteHeader(http.StatusNoContent)
	}
}
