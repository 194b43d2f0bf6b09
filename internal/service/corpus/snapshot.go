package corpus

import (
	"fmt"
	"image"

	"customvision/internal/model"
)

// Snapshot is an immutable view of the corpus taken at one instant.
type Snapshot struct {
	Classes  []string
	Examples map[string][]image.Image
}

// Counts returns the number of examples per class.
func (s Snapshot) Counts() map[string]int {
	counts := make(map[string]int, len(s.Classes))
	for _, class := range s.Classes {
		counts[class] = len(s.Examples[class])
	}
	return counts
}

// NonEmpty returns the classes that have at least one example, in order.
func (s Snapshot) NonEmpty() []string {
	var out []string
	for _, class := range s.Classes {
		if len(s.Examples[class]) > 0 {
			out = append(out, class)
		}
	}
	return out
}

// Validate checks the training preconditions: enough classes, and enough
// examples in each of them.
func (s Snapshot) Validate() error {
	var problems []string
	if len(s.Classes) < model.MinClassesToTrain {
		problems = append(problems, fmt.Sprintf("need at least %d classes, have %d", model.MinClassesToTrain, len(s.Classes)))
	}
	for _, class := range s.Classes {
		if n := len(s.Examples[class]); n < model.MinExamplesPerClass {
			problems = append(problems, fmt.Sprintf("class %q has %d examples, need at least %d", class, n, model.MinExamplesPerClass))
		}
	}
	if len(problems) > 0 {
		return &model.ValidationError{Problems: problems}
	}
	return nil
}
