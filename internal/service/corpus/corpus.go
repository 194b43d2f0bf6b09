// Package corpus holds the captured training examples grouped by class.
package corpus

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"customvision/internal/logger"
	"customvision/internal/model"
	"customvision/internal/repository"
)

var (
	ErrInvalidClass = errors.New("class name is empty")
	ErrClassExists  = errors.New("class already exists")
	ErrUnknownClass = errors.New("unknown class")
	ErrInvalidImage = errors.New("invalid example image")
)

// Corpus maps class names, in creation order, to their append-only examples.
type Corpus struct {
	mu       sync.RWMutex
	classes  []string
	examples map[string][]image.Image

	repo   repository.ExampleRepository
	logger *logger.Logger
}

// New creates an empty corpus. repo may be nil for an in-memory corpus.
func New(repo repository.ExampleRepository, logger *logger.Logger) *Corpus {
	return &Corpus{
		examples: make(map[string][]image.Image),
		repo:     repo,
		logger:   logger,
	}
}

// AddClass creates an empty class and returns the normalized name.
func (c *Corpus) AddClass(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrInvalidClass
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.examples[name]; ok {
		return name, fmt.Errorf("%q: %w", name, ErrClassExists)
	}
	if c.repo != nil {
		if err := c.repo.InsertClass(name, time.Now()); err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrPersistence, err)
		}
	}
	c.addClassLocked(name)
	return name, nil
}

func (c *Corpus) addClassLocked(name string) {
	c.classes = append(c.classes, name)
	c.examples[name] = []image.Image{}
}

// AddExample appends a captured frame to a class.
func (c *Corpus) AddExample(class string, img image.Image) error {
	if img == nil || img.Bounds().Empty() {
		return ErrInvalidImage
	}

	var data []byte
	if c.repo != nil {
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
			return fmt.Errorf("failed to encode example: %w", err)
		}
		data = buf.Bytes()
	}
	return c.add(class, img, data)
}

// AddEncoded decodes an uploaded image (jpeg, png, gif, bmp, tiff, webp) and appends it to a class.
func (c *Corpus) AddEncoded(class string, data []byte) error {
	img, err := decodeExample(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if img.Bounds().Empty() {
		return ErrInvalidImage
	}
	return c.add(class, img, data)
}

func (c *Corpus) add(class string, img image.Image, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.examples[class]; !ok {
		return fmt.Errorf("%q: %w", class, ErrUnknownClass)
	}

	if c.repo != nil {
		ex := &model.Example{Class: class, Data: data, CreatedAt: time.Now()}
		if _, err := c.repo.Insert(ex); err != nil {
			return fmt.Errorf("%w: %v", model.ErrPersistence, err)
		}
	}

	c.examples[class] = append(c.examples[class], img)
	return nil
}

// Classes returns the class names in creation order.
func (c *Corpus) Classes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.classes...)
}

// Examples returns a copy of the example list of a class.
func (c *Corpus) Examples(class string) []image.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]image.Image(nil), c.examples[class]...)
}

// Counts returns the number of examples per class.
func (c *Corpus) Counts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int, len(c.classes))
	for _, class := range c.classes {
		counts[class] = len(c.examples[class])
	}
	return counts
}

// Snapshot returns a point-in-time copy that later mutations do not affect.
func (c *Corpus) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		Classes:  append([]string(nil), c.classes...),
		Examples: make(map[string][]image.Image, len(c.classes)),
	}
	for _, class := range c.classes {
		snap.Examples[class] = append([]image.Image(nil), c.examples[class]...)
	}
	return snap
}

// Clear removes every class and example.
func (c *Corpus) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.repo != nil {
		if err := c.repo.DeleteAll(); err != nil {
			return fmt.Errorf("%w: %v", model.ErrPersistence, err)
		}
	}

	c.classes = nil
	c.examples = make(map[string][]image.Image)
	return nil
}

// Restore reloads the persisted classes in creation order, empty ones
// included, then their examples in insertion order. Undecodable rows are skipped.
func (c *Corpus) Restore() (int, error) {
	if c.repo == nil {
		return 0, nil
	}

	classes, err := c.repo.GetClasses()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}
	stored, err := c.repo.GetAll()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range classes {
		if _, ok := c.examples[name]; !ok {
			c.addClassLocked(name)
		}
	}

	restored := 0
	for _, ex := range stored {
		img, err := decodeExample(ex.Data)
		if err != nil {
			if c.logger != nil {
				c.logger.Warning("Skipping stored example %d of class %s: %v", ex.ID, ex.Class, err)
			}
			continue
		}
		if _, ok := c.examples[ex.Class]; !ok {
			c.addClassLocked(ex.Class)
		}
		c.examples[ex.Class] = append(c.examples[ex.Class], img)
		restored++
	}
	return restored, nil
}

// decodeExample decodes stored or uploaded example bytes, applying EXIF orientation.
func decodeExample(data []byte) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
}
