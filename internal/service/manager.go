package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/service/ai"
	"customvision/internal/service/classifier"
	"customvision/internal/service/corpus"
	"customvision/internal/service/detection"
	"customvision/internal/service/storage"
	"customvision/internal/service/training"
	"customvision/internal/service/websocket"
	"customvision/internal/tensor"
)

const (
	ModeLive   = "live"
	ModeSingle = "single"
)

// ErrSaveQueueFull is returned when a capture cannot be queued for saving.
var ErrSaveQueueFull = errors.New("capture save queue is full")

// Components are the services a Manager coordinates.
type Components struct {
	Loop    *detection.Loop
	Corpus  *corpus.Corpus
	Trainer *training.Trainer
	Active  *classifier.Active
	Hub     *websocket.HubService
	Buffer  *storage.BufferService
	History *storage.History
	Tracker *tensor.Tracker
}

// Manager is the entry point used by the HTTP handlers. It switches between
// live and single-shot detection, runs training sessions and fans results out
// to viewers.
type Manager struct {
	config *config.Config
	logger *logger.Logger

	loop    *detection.Loop
	corpus  *corpus.Corpus
	trainer *training.Trainer
	active  *classifier.Active
	hub     *websocket.HubService
	buffer  *storage.BufferService
	history *storage.History
	tracker *tensor.Tracker

	ctx    context.Context
	cancel context.CancelFunc

	// modeMu serializes mode switches; mode is read lock-free by the publish hook.
	modeMu sync.Mutex
	mode   atomic.Value

	saveQueue  chan saveTask
	numWorkers int
	wg         sync.WaitGroup
}

type saveTask struct {
	frame      *model.Frame
	detections []model.Detection
}

// TrainingStatus describes the latest training session.
type TrainingStatus struct {
	Running   bool                  `json:"running"`
	SessionID string                `json:"sessionId,omitempty"`
	Percent   int                   `json:"percent"`
	Logs      []string              `json:"logs"`
	Result    *model.TrainingResult `json:"result,omitempty"`
}

// NewManager wires the components together and starts the capture save workers.
func NewManager(ctx context.Context, config *config.Config, logger *logger.Logger, c Components) *Manager {
	ctx, cancel := context.WithCancel(ctx)
	m := &Manager{
		config:     config,
		logger:     logger,
		loop:       c.Loop,
		corpus:     c.Corpus,
		trainer:    c.Trainer,
		active:     c.Active,
		hub:        c.Hub,
		buffer:     c.Buffer,
		history:    c.History,
		tracker:    c.Tracker,
		ctx:        ctx,
		cancel:     cancel,
		saveQueue:  make(chan saveTask, 16),
		numWorkers: 2,
	}

	m.mode.Store(ModeSingle)
	m.loop.OnPublish(m.onPublish)

	for i := 0; i < m.numWorkers; i++ {
		m.wg.Add(1)
		go m.saveWorker(i)
	}

	m.logger.Info("Manager started in %s mode", m.Mode())
	return m
}

// Mode returns "live" or "single".
func (m *Manager) Mode() string {
	return m.mode.Load().(string)
}

// SetLiveMode switches continuous detection on or off. Leaving live mode
// clears the published detections.
func (m *Manager) SetLiveMode(live bool) {
	m.modeMu.Lock()
	defer m.modeMu.Unlock()

	if live {
		m.mode.Store(ModeLive)
		m.loop.Start(m.ctx)
		return
	}
	m.mode.Store(ModeSingle)
	m.loop.Stop()
	m.broadcastState(m.loop.State())
}

// State returns the last published detection state.
func (m *Manager) State() *model.DetectionState {
	return m.loop.State()
}

// Detections returns the current detections of one class.
func (m *Manager) Detections(class string) []model.Detection {
	return model.FilterByClass(m.loop.State().Detections, class)
}

// DetectAndSave runs a single tick on the current frame and queues the
// annotated frame for saving.
func (m *Manager) DetectAndSave(ctx context.Context) (*model.DetectionState, error) {
	frame, err := m.loop.Capture(ctx)
	if err != nil {
		return nil, err
	}
	state, err := m.loop.TickFrame(ctx, frame)
	if err != nil {
		return nil, err
	}

	select {
	case m.saveQueue <- saveTask{frame: frame, detections: state.Detections}:
	default:
		m.logger.Warning("Save queue full - capture %d not saved", frame.Seq)
		return state, ErrSaveQueueFull
	}
	return state, nil
}

// SetThreshold changes the confidence threshold.
func (m *Manager) SetThreshold(v float64) error {
	if err := m.loop.Threshold().Set(v); err != nil {
		return err
	}
	m.logger.Info("Confidence threshold set to %.2f", v)
	return nil
}

// Threshold returns the confidence threshold.
func (m *Manager) Threshold() float64 {
	return m.loop.Threshold().Get()
}

// AddClass registers a custom class.
func (m *Manager) AddClass(name string) (string, error) {
	return m.corpus.AddClass(name)
}

// AddExample stores an uploaded encoded image as an example of class.
func (m *Manager) AddExample(class string, data []byte) error {
	return m.corpus.AddEncoded(class, data)
}

// CaptureExample stores the current frame as an example of class.
func (m *Manager) CaptureExample(ctx context.Context, class string) error {
	frame, err := m.loop.Capture(ctx)
	if err != nil {
		return err
	}
	return m.corpus.AddExample(class, frame.Image)
}

// Classes returns the custom classes in creation order with their example counts.
func (m *Manager) Classes() ([]string, map[string]int) {
	return m.corpus.Classes(), m.corpus.Counts()
}

// ClearCorpus removes every class and example. The active model is kept.
func (m *Manager) ClearCorpus() error {
	return m.corpus.Clear()
}

// StartTraining starts a training session on a snapshot of the corpus.
// Progress events are forwarded to viewers.
func (m *Manager) StartTraining() (*training.Session, error) {
	session, err := m.trainer.Start(m.ctx, m.corpus)
	if err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range session.Events() {
			m.hub.BroadcastJSON(websocket.TypeTraining, ev)
		}
		if n := session.Dropped(); n > 0 {
			m.logger.Warning("Training session %s: %d progress events dropped", session.ID(), n)
		}
	}()
	return session, nil
}

// CancelTraining aborts the running session. It returns false when none is running.
func (m *Manager) CancelTraining() bool {
	session := m.trainer.Last()
	if session == nil || !m.trainer.Running() {
		return false
	}
	session.Cancel()
	return true
}

// TrainingStatus reports on the latest session.
func (m *Manager) TrainingStatus() TrainingStatus {
	status := TrainingStatus{Running: m.trainer.Running(), Logs: []string{}}
	session := m.trainer.Last()
	if session == nil {
		return status
	}
	status.SessionID = session.ID()
	status.Percent = session.Percent()
	status.Logs = session.Logs()
	if result, ok := session.Result(); ok {
		status.Result = &result
	}
	return status
}

// ModelLabels returns the label set of the active trained model, or nil.
func (m *Manager) ModelLabels() []string {
	if c := m.active.Get(); c != nil {
		return c.Labels()
	}
	return nil
}

// History returns the recent detection records, oldest first.
func (m *Manager) History() []model.HistoryRecord {
	return m.history.Records()
}

// Stop leaves live mode, cancels training and waits for pending saves.
func (m *Manager) Stop() {
	m.loop.Stop()
	m.cancel()
	close(m.saveQueue)
	m.wg.Wait()
	m.logger.Info("Manager stopped")
}

func (m *Manager) onPublish(state *model.DetectionState) {
	m.history.Append(m.Mode(), state)
	m.broadcastState(state)
}

func (m *Manager) broadcastState(state *model.DetectionState) {
	if m.hub.GetClientCount() == 0 {
		return
	}
	m.hub.BroadcastJSON(websocket.TypeState, state)
}

func (m *Manager) saveWorker(workerID int) {
	defer m.wg.Done()

	for task := range m.saveQueue {
		m.save(task, workerID)
	}
}

func (m *Manager) save(task saveTask, workerID int) {
	data, err := ai.Annotate(task.frame.Image, task.detections, m.tracker)
	if err != nil {
		m.logger.Error("Worker %d: failed to annotate capture %d: %v", workerID, task.frame.Seq, err)
		return
	}
	if !m.buffer.AddCapture(data, task.detections) {
		m.logger.Warning("Worker %d: capture %d dropped", workerID, task.frame.Seq)
	}
}
