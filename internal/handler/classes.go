package handler

import (
	"io"
	"net/http"

	"customvision/internal/logger"
	"customvision/internal/service"
)

type classRequest struct {
	Name string `json:"name"`
}

type classInfo struct {
	Name     string `json:"name"`
	Examples int    `json:"examples"`
}

// ClassesHandler handles /api/classes: GET lists classes with example counts,
// POST {"name":...} adds a class, DELETE clears the whole corpus.
func ClassesHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			classes, counts := manager.Classes()
			out := make([]classInfo, 0, len(classes))
			for _, name := range classes {
				out = append(out, classInfo{Name: name, Examples: counts[name]})
			}
			writeJSON(w, logger, http.StatusOK, out)

		case http.MethodPost:
			var req classRequest
			if err := decodeJSON(w, r, &req); err != nil {
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
			name, err := manager.AddClass(req.Name)
			if err != nil {
				writeError(w, logger, err)
				return
			}
			logger.Info("Class added: %s", name)
			writeJSON(w, logger, http.StatusCreated, classInfo{Name: name})

		case http.MethodDelete:
			if err := manager.ClearCorpus(); err != nil {
				writeError(w, logger, err)
				return
			}
			logger.Info("Training corpus cleared")
			w.WriteHeader(http.StatusNoContent)

		default:
			methodNotAllowed(w)
		}
	}
}

// ExamplesHandler handles POST /api/classes/examples?class=. The example is the
// uploaded "image" form file, the raw request body, or, with ?source=camera,
// the current camera frame.
func ExamplesHandler(manager *service.Manager, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		q := r.URL.Query()
		class := q.Get("class")
		if class == "" {
			http.Error(w, "Class parameter is required", http.StatusBadRequest)
			return
		}

		var err error
		if q.Get("source") == "camera" {
			err = manager.CaptureExample(r.Context(), class)
		} else {
			var data []byte
			data, err = readUpload(w, r)
			if err != nil {
				http.Error(w, "Unable to read image", http.StatusBadRequest)
				return
			}
			err = manager.AddExample(class, data)
		}
		if err != nil {
			writeError(w, logger, err)
			return
		}

		_, counts := manager.Classes()
		writeJSON(w, logger, http.StatusCreated, classInfo{Name: class, Examples: counts[class]})
	}
}

func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err == nil {
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(file)
	}
	return io.ReadAll(r.Body)
}
