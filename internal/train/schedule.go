package train

import "math"

// DefaultWarmupSteps is the warm-up length of the reference schedule.
const DefaultWarmupSteps = 4000

// NoamSchedule is the inverse-square-root schedule with linear warm-up:
//
//	lr(step) = d_model^-0.5 * min(step^-0.5, step * warmup^-1.5)
//
// The rate rises linearly for WarmupSteps steps and decays afterwards.
type NoamSchedule struct {
	DModel      int
	WarmupSteps int
}

// LearningRate returns the rate for a 1-based step. Steps below 1 are
// treated as 1.
func (s NoamSchedule) LearningRate(step int) float32 {
	if step < 1 {
		step = 1
	}
	warmup := s.WarmupSteps
	if warmup <= 0 {
		warmup = DefaultWarmupSteps
	}

	st := float64(step)
	arg1 := 1 / math.Sqrt(st)
	arg2 := st * math.Pow(float64(warmup), -1.5)
	return float32(math.Pow(float64(s.DModel), -0.5) * math.Min(arg1, arg2))
}
