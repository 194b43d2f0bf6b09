package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"customvision/internal/camera"
	"customvision/internal/camera/device"
	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/repository/sqlite"
	"customvision/internal/routes"
	"customvision/internal/service"
	"customvision/internal/service/ai"
	"customvision/internal/service/classifier"
	"customvision/internal/service/corpus"
	"customvision/internal/service/detection"
	"customvision/internal/service/exemplar"
	"customvision/internal/service/storage"
	"customvision/internal/service/training"
	"customvision/internal/service/websocket"
	"customvision/internal/tensor"
)

type App struct {
	config *config.Config
	logger *logger.Logger

	db      *sqlite.DB
	source  camera.Source
	udp     *camera.UDPSource
	closers []io.Closer

	bufferService *storage.BufferService
	hubService    *websocket.HubService
	manager       *service.Manager

	ctx    context.Context
	cancel context.CancelFunc

	// cancelled only after the manager has stopped
	flushCancel context.CancelFunc
	flushed     sync.WaitGroup
}

func NewApp() (*App, error) {
	cfg := config.Load()
	log := logger.NewLogger(cfg)

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	a := &App{config: cfg, logger: log, db: db}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	tracker := &tensor.Tracker{}

	if err := a.openSource(); err != nil {
		a.Close()
		return nil, err
	}

	var detector detection.ObjectDetector
	if d, err := ai.Load(cfg, log, tracker); err != nil {
		log.Error("General detector unavailable: %v", err)
	} else {
		a.closers = append(a.closers, d)
		detector = d
		log.Info("General detector %s loaded", d.Name())
	}

	examples := corpus.New(sqlite.NewExampleRepository(db), log)
	n, err := examples.Restore()
	if err != nil {
		log.Error("Failed to restore training corpus: %v", err)
	} else if n > 0 {
		log.Info("Restored %d training examples", n)
	}

	modelStore := sqlite.NewModelRepository(db)
	active := &classifier.Active{}
	stored := classifier.New(classifier.OptionsFromConfig(cfg, modelStore, tracker))
	switch err := stored.Load(cfg.ModelKey); {
	case err == nil:
		if err := active.Set(stored); err != nil {
			log.Error("Stored model %s rejected: %v", cfg.ModelKey, err)
		} else {
			log.Info("Loaded trained model %s with labels %v", cfg.ModelKey, stored.Labels())
		}
	case errors.Is(err, model.ErrNotFound):
		log.Info("No trained model stored under %s", cfg.ModelKey)
	default:
		log.Error("Failed to load trained model: %v", err)
	}

	loop := detection.NewLoop(cfg, log, detection.Deps{
		Source:   a.source,
		Detector: detector,
		Corpus:   examples,
		Matcher:  exemplar.NewMatcher(cfg, tracker),
		Active:   active,
	})

	captureRepo := sqlite.NewCaptureRepository(db)
	detectionRepo := sqlite.NewDetectionRepository(db)
	a.bufferService = storage.NewBufferService(cfg, log, captureRepo, detectionRepo)
	a.hubService = websocket.NewHubService(cfg, log)

	a.manager = service.NewManager(a.ctx, cfg, log, service.Components{
		Loop:    loop,
		Corpus:  examples,
		Trainer: training.NewTrainer(cfg, log, modelStore, active, tracker),
		Active:  active,
		Hub:     a.hubService,
		Buffer:  a.bufferService,
		History: storage.NewHistory(cfg.HistoryLimit),
		Tracker: tracker,
	})
	return a, nil
}

// openSource selects the frame source: "udp" listens for camera packets, a
// number opens a capture device, anything else is read as an image file.
func (a *App) openSource() error {
	src := a.config.CameraSource
	if src == "udp" {
		a.udp = camera.NewUDPSource(a.config, a.logger)
		if err := a.udp.Listen(); err != nil {
			return fmt.Errorf("failed to listen for cameras on port %d: %w", a.config.CamerasPort, err)
		}
		a.source = a.udp
		return nil
	}
	if index, err := strconv.Atoi(src); err == nil {
		capture, err := device.Open(index)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, capture)
		a.source = capture
		a.logger.Info("Reading frames from capture device %d", index)
		return nil
	}
	still, err := camera.OpenStill(src)
	if err != nil {
		return err
	}
	a.source = still
	a.logger.Info("Serving still image %s as camera frames", src)
	return nil
}

func (a *App) Run() error {
	// Start background services
	if a.udp != nil {
		go a.udp.Run(a.ctx)
	}
	flushCtx, flushCancel := context.WithCancel(context.Background())
	a.flushCancel = flushCancel
	a.flushed.Add(1)
	go func() {
		defer a.flushed.Done()
		a.bufferService.Run(flushCtx)
	}()
	go a.hubService.Run(a.ctx)

	router := routes.SetupRoutes(a.manager, a.hubService, routes.Repositories{
		Captures:   sqlite.NewCaptureRepository(a.db),
		Detections: sqlite.NewDetectionRepository(a.db),
	}, a.config, a.logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("Custom vision server listening on http://localhost:%d", a.config.Port)
	a.logger.Info("Images: %s, database: %s", a.config.ImageDirectory, a.config.DatabasePath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-a.ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Shutdown makes Run return after draining in-flight requests.
func (a *App) Shutdown() {
	a.cancel()
}

// Close stops the services and releases the camera, detector and database.
func (a *App) Close() error {
	a.cancel()
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.flushCancel != nil {
		a.flushCancel()
		a.flushed.Wait()
	}

	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	err = multierr.Append(err, a.db.Close())
	a.logger.Info("Server stopped")
	a.logger.Sync()
	return err
}
