package model

import "time"

const (
	// MinExamplesPerClass is the fewest captured examples a class needs to be trained.
	MinExamplesPerClass = 5
	// MinClassesToTrain is the fewest classes a classifier can distinguish.
	MinClassesToTrain = 2
)

// EpochLog holds the metrics reported after one training pass.
type EpochLog struct {
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"valLoss"`
	ValAccuracy float64 `json:"valAccuracy"`
}

// TrainingResult summarizes a finished training session.
type TrainingResult struct {
	SessionID    string     `json:"sessionId"`
	Success      bool       `json:"success"`
	Cancelled    bool       `json:"cancelled"`
	Labels       []string   `json:"labels"`
	Epochs       []EpochLog `json:"epochs"`
	Error        string     `json:"error,omitempty"`
	PersistError string     `json:"persistError,omitempty"`
	StartedAt    time.Time  `json:"startedAt"`
	FinishedAt   time.Time  `json:"finishedAt"`
}

// Example is a persisted training example image.
type Example struct {
	ID        int64     `json:"id"`
	Class     string    `json:"class"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
