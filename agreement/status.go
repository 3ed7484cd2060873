package agreement

import "fmt"

// Status is the lifecycle state shared by milestone and time-based agreements.
type Status string

const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

var transitions = map[Status][]Status{
	StatusCreated: {StatusActive, StatusCancelled},
	StatusActive:  {StatusPaused, StatusCancelled, StatusCompleted},
	StatusPaused:  {StatusActive, StatusCancelled},
}

// ValidateTransition rejects any edge not present in the lifecycle graph.
// Cancelled and Completed are terminal.
func ValidateTransition(current, next Status) error {
	for _, allowed := range transitions[current] {
		if allowed == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, current, next)
}

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}
