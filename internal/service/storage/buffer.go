package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/repository"
)

const timestampLayout = "2006-01-02_15-04-05.000"

// BufferedCapture is an annotated frame waiting to be written to disk.
type BufferedCapture struct {
	Timestamp  time.Time
	Data       []byte
	Detections []model.Detection
}

// BufferService buffers captures in memory and periodically flushes them to disk and the database.
type BufferService struct {
	imagesDir     string
	limit         int
	interval      time.Duration
	captures      []BufferedCapture
	mu            sync.Mutex
	clock         clock.Clock
	logger        *logger.Logger
	captureRepo   repository.CaptureRepository
	detectionRepo repository.DetectionRepository
}

// NewBufferService creates a new BufferService with the target directory and logger.
func NewBufferService(config *config.Config, logger *logger.Logger, captureRepo repository.CaptureRepository, detectionRepo repository.DetectionRepository) *BufferService {
	limit := config.ImageBufferLimit
	if limit < 1 {
		limit = 10
	}
	interval := time.Duration(config.ImageBufferFlushInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &BufferService{
		imagesDir:     config.ImageDirectory,
		limit:         limit,
		interval:      interval,
		captures:      make([]BufferedCapture, 0, limit),
		clock:         clock.New(),
		logger:        logger,
		captureRepo:   captureRepo,
		detectionRepo: detectionRepo,
	}
}

// WithClock replaces the clock used for timestamps and the flush ticker.
func (s *BufferService) WithClock(c clock.Clock) *BufferService {
	s.clock = c
	return s
}

// Run flushes captures on every tick until ctx is done, then flushes once more.
func (s *BufferService) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.FlushCaptures()
			return
		case <-ticker.C:
			s.FlushCaptures()
		}
	}
}

// AddCapture appends an encoded frame to the buffer. It returns false when the buffer is full.
func (s *BufferService) AddCapture(data []byte, detections []model.Detection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.captures) >= s.limit {
		s.logger.Warning("Capture buffer full (%d/%d), dropping capture", len(s.captures), s.limit)
		return false
	}

	s.captures = append(s.captures, BufferedCapture{
		Timestamp:  s.clock.Now(),
		Data:       data,
		Detections: detections,
	})
	s.logger.Info("Capture buffer size: %d/%d", len(s.captures), s.limit)
	return true
}

// Pending returns the number of buffered captures.
func (s *BufferService) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.captures)
}

// FlushCaptures writes buffered captures to disk and the database, then resets the buffer.
func (s *BufferService) FlushCaptures() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.captures) == 0 {
		return 0
	}

	if err := os.MkdirAll(s.imagesDir, 0755); err != nil {
		s.logger.Error("Error creating directory: %v", err)
		return 0
	}

	savedCount := 0
	for _, capture := range s.captures {
		filename := captureFilename(capture)
		fullpath := filepath.Join(s.imagesDir, filename)

		if err := os.WriteFile(fullpath, capture.Data, 0644); err != nil {
			s.logger.Error("Error saving capture %s: %v", filename, err)
			continue
		}

		if s.captureRepo != nil {
			captureID, err := s.captureRepo.Insert(&model.Capture{
				Filename:  filename,
				Timestamp: capture.Timestamp,
				FilePath:  fullpath,
				FileSize:  int64(len(capture.Data)),
			})
			if err != nil {
				s.logger.Error("Error saving capture to database %s: %v", filename, err)
				continue
			}

			if s.detectionRepo != nil && len(capture.Detections) > 0 {
				rows := make([]model.CaptureDetection, 0, len(capture.Detections))
				for _, det := range capture.Detections {
					rows = append(rows, model.CaptureDetection{
						CaptureID:  captureID,
						ObjectName: det.Class,
						Source:     det.Source.String(),
						X:          int(det.BBox.X),
						Y:          int(det.BBox.Y),
						Width:      int(det.BBox.Width),
						Height:     int(det.BBox.Height),
						Confidence: det.Score,
					})
				}
				if err := s.detectionRepo.InsertBatch(rows); err != nil {
					s.logger.Error("Error saving detections to database: %v", err)
				}
			}
		}

		savedCount++
	}

	s.logger.Info("Flushed %d captures to disk", savedCount)
	s.captures = s.captures[:0]
	return savedCount
}

// captureFilename builds a unique file name from the timestamp and detected classes.
func captureFilename(c BufferedCapture) string {
	var objects []string
	seen := make(map[string]bool)
	for _, det := range c.Detections {
		name := sanitize(det.Class)
		if name != "" && !seen[name] {
			seen[name] = true
			objects = append(objects, name)
		}
	}
	parts := []string{c.Timestamp.Format(timestampLayout)}
	if len(objects) > 0 {
		parts = append(parts, strings.Join(objects, "_"))
	}
	parts = append(parts, uuid.NewString()[:8])
	return fmt.Sprintf("%s.jpg", strings.Join(parts, "_"))
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		case r == ' ' || r == '_':
			return '-'
		}
		return -1
	}, name)
}
