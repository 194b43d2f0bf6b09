package storage

import (
	"sync"
	"time"

	"customvision/internal/model"
)

// History keeps the most recent detection records; once full, the oldest
// record is dropped for each new one.
type History struct {
	mu     sync.RWMutex
	buf    []model.HistoryRecord
	start  int
	count  int
	nextID uint64
}

// NewHistory creates a history holding at most limit records.
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{buf: make([]model.HistoryRecord, limit)}
}

// Append records a published detection state.
func (h *History) Append(mode string, state *model.DetectionState) model.HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	rec := model.HistoryRecord{
		ID:         h.nextID,
		Timestamp:  state.PublishedAt,
		Mode:       mode,
		Detections: state.Detections,
		Counts:     state.Counts,
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if h.count < len(h.buf) {
		h.buf[(h.start+h.count)%len(h.buf)] = rec
		h.count++
	} else {
		h.buf[h.start] = rec
		h.start = (h.start + 1) % len(h.buf)
	}
	return rec
}

// Records returns the kept records, oldest first.
func (h *History) Records() []model.HistoryRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]model.HistoryRecord, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of kept records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Clear drops every record. Record ids keep increasing.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.start, h.count = 0, 0
	for i := range h.buf {
		h.buf[i] = model.HistoryRecord{}
	}
}
