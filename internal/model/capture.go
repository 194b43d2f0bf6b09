package model

import "time"

// Capture is a frame saved by a single-shot detect-and-save request.
type Capture struct {
	ID        int64     `json:"id"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	FilePath  string    `json:"filepath"`
	FileSize  int64     `json:"filesize"`
}

// CaptureDetection is one detection stored with a capture.
type CaptureDetection struct {
	ID         int64   `json:"id"`
	CaptureID  int64   `json:"capture_id"`
	ObjectName string  `json:"object_name"`
	Source     string  `json:"source"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// HistoryRecord is one entry of the capped detection history.
type HistoryRecord struct {
	ID         uint64       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Mode       string       `json:"mode"`
	Detections []Detection  `json:"detections"`
	Counts     ObjectCounts `json:"counts"`
}
