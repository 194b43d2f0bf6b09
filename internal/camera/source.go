// Package camera provides the frame sources the detection loop pulls from.
package camera

import (
	"bytes"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"customvision/internal/model"
)

// Source yields the current frame on demand. It returns model.ErrFrameNotReady
// while no usable frame is available.
type Source interface {
	CurrentFrame() (*model.Frame, error)
}

// Mailbox holds only the latest frame; a new frame replaces an unread one.
// Encoded frames are decoded lazily, once, on first read.
type Mailbox struct {
	mu      sync.Mutex
	seq     uint64
	at      time.Time
	encoded []byte
	frame   *model.Frame
	read    bool

	published uint64
	replaced  uint64
}

// Publish stores a decoded image as the latest frame.
func (m *Mailbox) Publish(img image.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next()
	m.encoded = nil
	m.frame = model.NewFrame(img, m.seq, m.at)
}

// PublishEncoded stores an encoded image (jpeg, png, ...) as the latest frame.
func (m *Mailbox) PublishEncoded(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next()
	m.encoded = data
	m.frame = nil
}

func (m *Mailbox) next() {
	if m.seq > 0 && !m.read {
		m.replaced++
	}
	m.read = false
	m.seq++
	m.published++
	m.at = time.Now()
}

// CurrentFrame returns the latest frame.
func (m *Mailbox) CurrentFrame() (*model.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frame != nil {
		m.read = true
		return m.frame, nil
	}
	if m.encoded == nil {
		return nil, model.ErrFrameNotReady
	}

	img, err := imaging.Decode(bytes.NewReader(m.encoded))
	if err != nil {
		// A corrupt frame is skipped; the next one may be fine.
		m.encoded = nil
		m.read = true
		return nil, fmt.Errorf("%w: undecodable frame %d: %v", model.ErrFrameNotReady, m.seq, err)
	}
	m.frame = model.NewFrame(img, m.seq, m.at)
	m.encoded = nil
	m.read = true
	if !m.frame.Ready() {
		return nil, model.ErrFrameNotReady
	}
	return m.frame, nil
}

// Stats returns how many frames were published and how many were replaced before being read.
func (m *Mailbox) Stats() (published, replaced uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.published, m.replaced
}
