package classifier

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"customvision/internal/model"
)

const blobFormat = "cnn/v1"

// blob is the persisted form of a fitted classifier.
type blob struct {
	Format string   `msgpack:"format"`
	Arch   Arch     `msgpack:"arch"`
	Labels []string `msgpack:"labels"`
	Params params   `msgpack:"params"`
}

func encodeBlob(arch Arch, labels []string, p *params) ([]byte, error) {
	return msgpack.Marshal(&blob{
		Format: blobFormat,
		Arch:   arch,
		Labels: labels,
		Params: *p,
	})
}

func decodeBlob(data []byte) (*blob, error) {
	var b blob
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	if b.Format != blobFormat {
		return nil, fmt.Errorf("unsupported format %q", b.Format)
	}
	if err := b.Arch.validate(); err != nil {
		return nil, err
	}
	if len(b.Labels) < model.MinClassesToTrain {
		return nil, fmt.Errorf("%d labels", len(b.Labels))
	}
	if !b.Params.matches(b.Arch, len(b.Labels)) {
		return nil, errors.New("parameter shapes do not match architecture")
	}
	return &b, nil
}

// Save persists architecture, labels and parameters under key.
func (c *Classifier) Save(key string) error {
	c.mu.RLock()
	if c.state != StateFitted {
		c.mu.RUnlock()
		return ErrNotTrained
	}
	data, err := encodeBlob(c.arch, c.labels, c.params)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("%w: encode model: %v", model.ErrPersistence, err)
	}

	if c.store == nil {
		return fmt.Errorf("%w: no model store configured", model.ErrPersistence)
	}
	if err := c.store.Save(key, data); err != nil {
		return fmt.Errorf("%w: save %s: %v", model.ErrPersistence, key, err)
	}
	return nil
}

// Load replaces architecture, labels and parameters with the blob stored under
// key. An absent or unreadable blob returns ErrNotFound and changes nothing.
func (c *Classifier) Load(key string) error {
	if c.store == nil {
		return fmt.Errorf("%w: no model store configured", model.ErrPersistence)
	}

	data, err := c.store.Load(key)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("model %s: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%w: load %s: %v", model.ErrPersistence, key, err)
	}

	b, err := decodeBlob(data)
	if err != nil {
		return fmt.Errorf("model %s is unreadable (%v): %w", key, err, model.ErrNotFound)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.arch = b.Arch
	c.labels = b.Labels
	c.params = &b.Params
	c.state = StateFitted
	c.gen++
	return nil
}
