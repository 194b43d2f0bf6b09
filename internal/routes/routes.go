package routes

import (
	"net/http"
	"os"
	"path/filepath"

	"customvision/internal/config"
	"customvision/internal/handler"
	"customvision/internal/logger"
	"customvision/internal/middleware"
	"customvision/internal/repository"
	"customvision/internal/service"
	"customvision/internal/service/websocket"
)

// Repositories are the stores read directly by handlers.
type Repositories struct {
	Captures   repository.CaptureRepository
	Detections repository.DetectionRepository
}

// dynamicHTMLHandler serves /path as static/path.html if the file exists; otherwise 404.
func dynamicHTMLHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/" {
		path = "/index"
	}

	filePath := filepath.Join("static", filepath.Clean(path)+".html")

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, filePath)
}

// SetupRoutes registers the API, websocket, log and auth endpoints and wraps
// the mux with the authentication middleware.
func SetupRoutes(manager *service.Manager, hub *websocket.HubService, repos Repositories, cfg *config.Config, logger *logger.Logger) http.Handler {
	mux := http.NewServeMux()

	// Static files
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir("static"))))

	// Detection
	mux.HandleFunc("/api/state", handler.StateHandler(manager, logger))
	mux.HandleFunc("/api/detections", handler.DetectionsHandler(manager, logger))
	mux.HandleFunc("/api/mode", handler.ModeHandler(manager, logger))
	mux.HandleFunc("/api/detect", handler.DetectHandler(manager, logger))
	mux.HandleFunc("/api/threshold", handler.ThresholdHandler(manager, logger))
	mux.HandleFunc("/api/history", handler.HistoryHandler(manager, logger))
	mux.HandleFunc("/api/view", handler.ViewWebsocketHandler(hub, logger))

	// Custom classes and training
	mux.HandleFunc("/api/classes", handler.ClassesHandler(manager, logger))
	mux.HandleFunc("/api/classes/examples", handler.ExamplesHandler(manager, logger))
	mux.HandleFunc("/api/training", handler.TrainingHandler(manager, logger))

	// Saved captures
	mux.HandleFunc("/api/captures", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			handler.ClearCapturesHandler(cfg, logger, repos.Captures)(w, r)
			return
		}
		handler.CapturesHandler(logger, repos.Captures, repos.Detections)(w, r)
	})
	mux.HandleFunc("/api/captures/view", handler.ViewCaptureHandler(logger, repos.Captures))

	// Log endpoints
	for _, level := range []string{"info", "warning", "error"} {
		mux.HandleFunc("/logs/"+level, handler.ShowLogsHandler(cfg, level))
		mux.HandleFunc("/logs/"+level+"/clear", handler.ClearLogsHandler(logger, level))
	}

	// Auth endpoints
	mux.HandleFunc("/auth/login", handler.LoginHandler(cfg, logger))
	mux.HandleFunc("/auth/logout", handler.LogoutHandler)

	// Automatic HTML handler mapping, for example /settings -> static/settings.html
	mux.HandleFunc("/", dynamicHTMLHandler)

	return middleware.AuthMiddleware(cfg)(mux)
}
