package training

// LRScheduler maps training progress to a learning rate. Implementations are
// pure functions of their arguments.
type LRScheduler interface {
	// GetLR returns the learning rate for an epoch and a global step
	// (mini-batches seen since training began).
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// TimeBasedDecayScheduler shrinks the rate every iteration as
// baseLR / (1 + Decay*step).
type TimeBasedDecayScheduler struct {
	Decay float64
}

// NewTimeBasedDecayScheduler creates a time-based decay scheduler. A negative
// decay is treated as 0.
func NewTimeBasedDecayScheduler(decay float64) *TimeBasedDecayScheduler {
	if decay < 0 {
		decay = 0
	}
	return &TimeBasedDecayScheduler{Decay: decay}
}

func (s *TimeBasedDecayScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR / (1 + s.Decay*float64(step))
}

func (s *TimeBasedDecayScheduler) GetName() string {
	return "TimeBasedDecay"
}

// NoOpScheduler maintains constant learning rate (default behavior)
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
