// Package classifier implements a small convolutional classifier over a fixed
// label set that can be trained from captured examples and persisted as a blob.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/floats"

	"customvision/internal/config"
	"customvision/internal/model"
	"customvision/internal/repository"
	"customvision/internal/tensor"
)

var (
	ErrNotBuilt     = errors.New("classifier not built")
	ErrAlreadyBuilt = errors.New("classifier already built")
	ErrNotTrained   = errors.New("classifier has not been fitted or loaded")
	// ErrModelReplaced is returned by Fit when Load swapped the model while it trained.
	ErrModelReplaced = errors.New("model was replaced during training")
)

// State is the lifecycle stage of a classifier.
type State int

const (
	StateCreated State = iota
	StateBuilt
	StateFitted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBuilt:
		return "built"
	case StateFitted:
		return "fitted"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

const defaultMomentum = 0.9

// Options configures a new classifier.
type Options struct {
	Arch    Arch
	Seed    int64
	Store   repository.ModelBlobStore
	Tracker *tensor.Tracker
}

// OptionsFromConfig returns classifier options for the configured architecture.
func OptionsFromConfig(cfg *config.Config, store repository.ModelBlobStore, tracker *tensor.Tracker) Options {
	return Options{
		Arch: Arch{
			InputSize: cfg.ClassifierInputSize,
			Filters:   cfg.ClassifierFilters,
			Hidden:    cfg.ClassifierHidden,
		},
		Seed:    cfg.TrainingSeed,
		Store:   store,
		Tracker: tracker,
	}
}

// Classifier owns the architecture, label set and parameters of one model.
// Parameter sets are replaced, never mutated in place, once published.
type Classifier struct {
	mu     sync.RWMutex
	arch   Arch
	labels []string
	params *params
	state  State
	// gen changes whenever arch, labels or params are replaced.
	gen uint64

	seed    int64
	store   repository.ModelBlobStore
	tracker *tensor.Tracker
}

// New creates an unbuilt classifier.
func New(opts Options) *Classifier {
	return &Classifier{
		arch:    opts.Arch,
		seed:    opts.Seed,
		store:   opts.Store,
		tracker: opts.Tracker,
	}
}

// State returns the lifecycle stage.
func (c *Classifier) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Labels returns the frozen label set.
func (c *Classifier) Labels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.labels...)
}

// Arch returns the architecture.
func (c *Classifier) Arch() Arch {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.arch
}

// Build fixes the architecture over labels and initializes the parameters.
func (c *Classifier) Build(labels []string) error {
	var problems []string
	if len(labels) < model.MinClassesToTrain {
		problems = append(problems, fmt.Sprintf("need at least %d labels, got %d", model.MinClassesToTrain, len(labels)))
	}
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l == "" {
			problems = append(problems, "empty label")
		} else if seen[l] {
			problems = append(problems, fmt.Sprintf("duplicate label %q", l))
		}
		seen[l] = true
	}
	if err := c.arch.validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return &model.ValidationError{Problems: problems}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateCreated {
		return ErrAlreadyBuilt
	}

	p := newParams(c.arch, len(labels))
	p.init(c.arch, len(labels), rand.New(rand.NewSource(c.seed)))
	c.labels = append([]string(nil), labels...)
	c.params = p
	c.state = StateBuilt
	c.gen++
	return nil
}

// FitOptions controls one call to Fit.
type FitOptions struct {
	Epochs             int
	BatchSize          int
	ValidationFraction float64
	LearningRate       float64
	// OnEpochEnd is called after every pass; a non-nil error aborts training.
	OnEpochEnd func(model.EpochLog) error
}

// Fit trains on normalized example tensors. labels[i] indexes the label set.
// Parameters are only replaced when every epoch completes; cancellation or an
// OnEpochEnd error leaves the previous parameters in place.
func (c *Classifier) Fit(ctx context.Context, examples []*tensor.Tensor, labels []int, opts FitOptions) ([]model.EpochLog, error) {
	c.mu.RLock()
	state, arch, classes, gen := c.state, c.arch, len(c.labels), c.gen
	var work *params
	if c.params != nil {
		work = c.params.clone()
	}
	c.mu.RUnlock()

	if state == StateCreated {
		return nil, ErrNotBuilt
	}
	train, val, err := validateFit(arch, classes, examples, labels, opts)
	if err != nil {
		return nil, err
	}

	lr := opts.LearningRate
	if lr <= 0 {
		lr = 0.01
	}

	net := newNetwork(arch, classes, work)
	rng := rand.New(rand.NewSource(c.seed))
	var logs []model.EpochLog

	err = tensor.Run(c.tracker, func(s *tensor.Scope) error {
		act := newActivations(s, arch, classes)
		buf := newGradBuffers(s, arch, classes)
		grad := newScopedParams(s, arch, classes)
		vel := newScopedParams(s, arch, classes)

		order := append([]int(nil), train...)
		for epoch := 1; epoch <= opts.Epochs; epoch++ {
			if err := ctx.Err(); err != nil {
				return err
			}

			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
			lossSum, correct := 0.0, 0
			for start := 0; start < len(order); start += opts.BatchSize {
				end := min(start+opts.BatchSize, len(order))
				grad.zero()
				for _, idx := range order[start:end] {
					x := examples[idx].Data
					net.forward(x, act)
					lossSum += crossEntropy(act.probs, labels[idx])
					if floats.MaxIdx(act.probs) == labels[idx] {
						correct++
					}
					net.backward(x, labels[idx], act, buf, grad)
				}
				step(work, vel, grad, lr/float64(end-start))
			}

			log := model.EpochLog{
				Epoch:    epoch,
				Loss:     lossSum / float64(len(order)),
				Accuracy: float64(correct) / float64(len(order)),
			}
			if len(val) > 0 {
				log.ValLoss, log.ValAccuracy = evaluate(net, act, examples, labels, val)
			}
			logs = append(logs, log)

			if opts.OnEpochEnd != nil {
				if err := opts.OnEpochEnd(log); err != nil {
					return fmt.Errorf("aborted after epoch %d: %w", epoch, err)
				}
			}
			runtime.Gosched()
		}
		return nil
	})
	if err != nil {
		return logs, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return logs, ErrModelReplaced
	}
	c.params = work
	c.state = StateFitted
	c.gen++
	return logs, nil
}

func validateFit(arch Arch, classes int, examples []*tensor.Tensor, labels []int, opts FitOptions) (train, val []int, err error) {
	var problems []string
	if len(examples) != len(labels) {
		problems = append(problems, fmt.Sprintf("%d examples but %d labels", len(examples), len(labels)))
	}
	if opts.Epochs < 1 {
		problems = append(problems, "epochs must be at least 1")
	}
	if opts.BatchSize < 1 {
		problems = append(problems, "batch size must be at least 1")
	}
	if opts.ValidationFraction < 0 || opts.ValidationFraction >= 1 {
		problems = append(problems, fmt.Sprintf("validation fraction %v outside [0,1)", opts.ValidationFraction))
	}
	if len(problems) > 0 {
		return nil, nil, &model.ValidationError{Problems: problems}
	}

	byClass := make([][]int, classes)
	for i, l := range labels {
		if l < 0 || l >= classes {
			problems = append(problems, fmt.Sprintf("example %d has label index %d", i, l))
			continue
		}
		if examples[i] == nil || examples[i].Len() != arch.inputLen() {
			problems = append(problems, fmt.Sprintf("example %d is not a %dx%d image tensor", i, arch.InputSize, arch.InputSize))
			continue
		}
		byClass[l] = append(byClass[l], i)
	}
	for k, idxs := range byClass {
		if len(idxs) < model.MinExamplesPerClass {
			problems = append(problems, fmt.Sprintf("label %d has %d examples, need at least %d", k, len(idxs), model.MinExamplesPerClass))
		}
	}
	if len(problems) > 0 {
		return nil, nil, &model.ValidationError{Problems: problems}
	}

	// The last examples of every class are held out, so the split is stratified
	// and does not depend on the shuffle.
	for _, idxs := range byClass {
		nv := int(math.Floor(float64(len(idxs)) * opts.ValidationFraction))
		train = append(train, idxs[:len(idxs)-nv]...)
		val = append(val, idxs[len(idxs)-nv:]...)
	}
	return train, val, nil
}

func newScopedParams(s *tensor.Scope, a Arch, classes int) *params {
	return &params{
		ConvW:   s.New(a.Filters * a.kernelLen()).Data,
		ConvB:   s.New(a.Filters).Data,
		HiddenW: s.New(a.Hidden * a.pooledLen()).Data,
		HiddenB: s.New(a.Hidden).Data,
		OutW:    s.New(classes * a.Hidden).Data,
		OutB:    s.New(classes).Data,
	}
}

// step applies SGD with momentum: v = mu*v - lr*g; p += v.
func step(p, vel, grad *params, lr float64) {
	ps, vs, gs := p.slices(), vel.slices(), grad.slices()
	for i := range ps {
		floats.Scale(defaultMomentum, vs[i])
		floats.AddScaled(vs[i], -lr, gs[i])
		floats.Add(ps[i], vs[i])
	}
}

func evaluate(net *network, act *activations, examples []*tensor.Tensor, labels []int, idxs []int) (loss, accuracy float64) {
	correct := 0
	for _, idx := range idxs {
		net.forward(examples[idx].Data, act)
		loss += crossEntropy(act.probs, labels[idx])
		if floats.MaxIdx(act.probs) == labels[idx] {
			correct++
		}
	}
	n := float64(len(idxs))
	return loss / n, float64(correct) / n
}

func crossEntropy(probs []float64, label int) float64 {
	return -math.Log(math.Max(probs[label], 1e-12))
}

// Probabilities returns the softmax output over the label set for img.
func (c *Classifier) Probabilities(img image.Image) ([]float64, error) {
	_, probs, err := c.infer(img)
	return probs, err
}

// infer runs one forward pass against a consistent view of labels and parameters.
func (c *Classifier) infer(img image.Image) ([]string, []float64, error) {
	c.mu.RLock()
	state, arch, p, labels := c.state, c.arch, c.params, c.labels
	c.mu.RUnlock()

	if state != StateFitted {
		return nil, nil, ErrNotTrained
	}

	var probs []float64
	err := tensor.Run(c.tracker, func(s *tensor.Scope) error {
		x := tensor.FromImage(s, img, arch.InputSize)
		act := newActivations(s, arch, len(labels))
		newNetwork(arch, len(labels), p).forward(x.Data, act)
		probs = append([]float64(nil), act.probs...)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", model.ErrInference, err)
	}
	return labels, probs, nil
}

// Predict returns a full-frame detection for every label whose probability
// exceeds threshold, in label order.
func (c *Classifier) Predict(frame *model.Frame, threshold float64) ([]model.Detection, error) {
	if !frame.Ready() {
		return nil, model.ErrFrameNotReady
	}

	labels, probs, err := c.infer(frame.Image)
	if err != nil {
		return nil, err
	}

	detections := make([]model.Detection, 0, len(labels))
	for i, p := range probs {
		if p > threshold {
			detections = append(detections, model.Detection{
				Class:  labels[i],
				Score:  p,
				BBox:   model.FullFrame(frame.Width, frame.Height),
				Source: model.SourceTrained,
			})
		}
	}
	return detections, nil
}
