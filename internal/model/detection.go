package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Source tags which recognizer produced a detection.
type Source int

const (
	SourceGeneral Source = iota
	SourceExemplar
	SourceTrained
)

var sourceNames = map[Source]string{
	SourceGeneral:  "general",
	SourceExemplar: "exemplar",
	SourceTrained:  "trained",
}

func (s Source) String() string {
	if name, ok := sourceNames[s]; ok {
		return name
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// MarshalJSON encodes the source as its name.
func (s Source) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a source name.
func (s *Source) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for src, n := range sourceNames {
		if n == name {
			*s = src
			return nil
		}
	}
	return fmt.Errorf("unknown detection source %q", name)
}

// BBox is a bounding box in pixel units of the frame it was detected on.
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// FullFrame returns a box covering the whole frame.
func FullFrame(width, height int) BBox {
	return BBox{Width: float64(width), Height: float64(height)}
}

// Detection represents one recognized object instance.
type Detection struct {
	Class  string  `json:"class"`
	Score  float64 `json:"score"`
	BBox   BBox    `json:"bbox"`
	Source Source  `json:"source"`
}

// ObjectCounts maps a class name to its occurrences within one detection set.
type ObjectCounts map[string]int

// CountObjects derives the per-class counts of a detection set.
func CountObjects(detections []Detection) ObjectCounts {
	counts := make(ObjectCounts, len(detections))
	for _, d := range detections {
		counts[d.Class]++
	}
	return counts
}

// FilterByClass returns the detections of one class, in order.
func FilterByClass(detections []Detection, class string) []Detection {
	out := make([]Detection, 0)
	for _, d := range detections {
		if d.Class == class {
			out = append(out, d)
		}
	}
	return out
}

// DetectionState is the published result of one detection loop tick.
// A state value is never mutated after it has been published.
type DetectionState struct {
	Generation        uint64       `json:"generation"`
	Detections        []Detection  `json:"detections"`
	Counts            ObjectCounts `json:"counts"`
	FPS               int          `json:"fps"`
	DetectorAvailable bool         `json:"detectorAvailable"`
	PublishedAt       time.Time    `json:"publishedAt"`
}

// EmptyState is the state published before the first tick and after leaving live mode.
func EmptyState() *DetectionState {
	return &DetectionState{
		Detections: []Detection{},
		Counts:     ObjectCounts{},
	}
}
