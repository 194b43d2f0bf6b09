// Package training runs cancellable, progress-reporting classifier training sessions.
package training

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"customvision/internal/config"
	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/repository"
	"customvision/internal/service/classifier"
	"customvision/internal/service/corpus"
	"customvision/internal/tensor"
)

// ErrTrainingInProgress is returned when a session is already running.
var ErrTrainingInProgress = errors.New("a training session is already running")

// Snapshotter provides the point-in-time corpus view a session trains on.
type Snapshotter interface {
	Snapshot() corpus.Snapshot
}

// Trainer starts training sessions, one at a time.
type Trainer struct {
	config  *config.Config
	logger  *logger.Logger
	store   repository.ModelBlobStore
	active  *classifier.Active
	tracker *tensor.Tracker

	running atomic.Bool
	last    atomic.Pointer[Session]
}

// NewTrainer creates a trainer that publishes fitted models to active and
// persists them to store.
func NewTrainer(config *config.Config, logger *logger.Logger, store repository.ModelBlobStore, active *classifier.Active, tracker *tensor.Tracker) *Trainer {
	return &Trainer{
		config:  config,
		logger:  logger,
		store:   store,
		active:  active,
		tracker: tracker,
	}
}

// Running reports whether a session is in progress.
func (t *Trainer) Running() bool { return t.running.Load() }

// Last returns the most recently started session, or nil.
func (t *Trainer) Last() *Session { return t.last.Load() }

// Run trains synchronously and returns the session result.
func (t *Trainer) Run(ctx context.Context, src Snapshotter) (model.TrainingResult, error) {
	s, err := t.Start(ctx, src)
	if err != nil {
		return model.TrainingResult{}, err
	}
	return s.Wait(), nil
}

// Start validates a snapshot of the corpus and, when valid, trains on it in the
// background. Validation errors are returned before any tensor work begins.
func (t *Trainer) Start(ctx context.Context, src Snapshotter) (*Session, error) {
	snap := src.Snapshot()
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	if !t.running.CompareAndSwap(false, true) {
		return nil, ErrTrainingInProgress
	}

	ctx, cancel := context.WithCancel(ctx)
	s := newSession(uuid.NewString(), cancel)
	t.last.Store(s)

	go func() {
		defer cancel()
		result := t.train(ctx, s, snap)
		t.running.Store(false)
		s.finish(result)
	}()
	return s, nil
}

func (t *Trainer) train(ctx context.Context, s *Session, snap corpus.Snapshot) (result model.TrainingResult) {
	result = model.TrainingResult{
		SessionID: s.ID(),
		Labels:    append([]string(nil), snap.Classes...),
		StartedAt: time.Now(),
	}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Sprintf("training panicked: %v", r)
			t.logger.Error("Training session %s panicked: %v", s.ID(), r)
			s.logs.Append(result.Error)
		}
		result.FinishedAt = time.Now()
	}()

	counts := snap.Counts()
	parts := make([]string, 0, len(snap.Classes))
	for _, class := range snap.Classes {
		parts = append(parts, fmt.Sprintf("%s (%d)", class, counts[class]))
	}
	s.logf("Training on %d classes: %s", len(snap.Classes), strings.Join(parts, ", "))
	t.logger.Info("Training session %s started with %d classes", s.ID(), len(snap.Classes))

	c := classifier.New(classifier.OptionsFromConfig(t.config, t.store, t.tracker))
	if err := c.Build(snap.Classes); err != nil {
		return t.fail(s, result, err)
	}

	epochs := t.config.Epochs
	opts := classifier.FitOptions{
		Epochs:             epochs,
		BatchSize:          t.config.BatchSize,
		ValidationFraction: t.config.ValidationFraction,
		LearningRate:       t.config.LearningRate,
		OnEpochEnd: func(l model.EpochLog) error {
			percent := l.Epoch * 100 / epochs
			s.percent.Store(int64(percent))
			s.emit(Event{
				Type:     EventEpoch,
				Epoch:    l.Epoch,
				Epochs:   epochs,
				Percent:  float64(percent),
				Loss:     l.Loss,
				Accuracy: l.Accuracy,
			})
			s.logf("Epoch %d/%d: loss=%.4f accuracy=%.4f val_loss=%.4f val_accuracy=%.4f",
				l.Epoch, epochs, l.Loss, l.Accuracy, l.ValLoss, l.ValAccuracy)
			return nil
		},
	}

	err := tensor.Run(t.tracker, func(sc *tensor.Scope) error {
		var examples []*tensor.Tensor
		var labels []int
		for k, class := range snap.Classes {
			for _, img := range snap.Examples[class] {
				examples = append(examples, tensor.FromImage(sc, img, t.config.ClassifierInputSize))
				labels = append(labels, k)
			}
		}
		s.logf("Prepared %d examples at %dx%d", len(examples), t.config.ClassifierInputSize, t.config.ClassifierInputSize)

		logs, err := c.Fit(ctx, examples, labels, opts)
		result.Epochs = logs
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			result.Cancelled = true
		}
		return t.fail(s, result, err)
	}

	if err := t.active.Set(c); err != nil {
		return t.fail(s, result, err)
	}
	result.Success = true
	s.logf("Training complete; custom model is now active")
	t.logger.Info("Training session %s completed after %d epochs", s.ID(), len(result.Epochs))

	if err := c.Save(t.config.ModelKey); err != nil {
		result.PersistError = err.Error()
		s.logf("Model could not be saved: %v", err)
		t.logger.Warning("Training session %s: %v", s.ID(), err)
	} else {
		s.logf("Model saved as %s", t.config.ModelKey)
	}
	return result
}

func (t *Trainer) fail(s *Session, result model.TrainingResult, err error) model.TrainingResult {
	result.Success = false
	result.Error = err.Error()
	if result.Cancelled {
		s.logf("Training cancelled: %v", err)
		t.logger.Info("Training session %s cancelled", s.ID())
	} else {
		s.logf("Training failed: %v", err)
		t.logger.Error("Training session %s failed: %v", s.ID(), err)
	}
	return result
}
