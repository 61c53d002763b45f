package solver

import (
	"fmt"
	"math"
)

// learningRate returns the rate for the current iteration. The multistep
// policy advances currentStep as iterations pass its step values.
//
//   - fixed:     base_lr
//   - step:      base_lr * gamma ^ floor(iter / stepsize)
//   - exp:       base_lr * gamma ^ iter
//   - inv:       base_lr * (1 + gamma * iter) ^ (-power)
//   - multistep: like step, at the iterations listed in stepvalue
//   - poly:      base_lr * (1 - iter / max_iter) ^ power
//   - sigmoid:   base_lr / (1 + exp(-gamma * (iter - stepsize)))
func (s *Solver) learningRate() (float32, error) {
	d := s.def
	base, gamma, power := float64(d.BaseLR), float64(d.Gamma), float64(d.Power)
	iter := float64(s.iter)

	switch d.LRPolicy {
	case "fixed":
		return d.BaseLR, nil
	case "step":
		step := math.Floor(iter / float64(d.StepSize))
		return float32(base * math.Pow(gamma, step)), nil
	case "exp":
		return float32(base * math.Pow(gamma, iter)), nil
	case "inv":
		return float32(base * math.Pow(1+gamma*iter, -power)), nil
	case "multistep":
		if s.currentStep < len(d.StepValue) && s.iter >= d.StepValue[s.currentStep] {
			s.currentStep++
			logInfo("MultiStep Status: Iteration %d, step = %d", s.iter, s.currentStep)
		}
		return float32(base * math.Pow(gamma, float64(s.currentStep))), nil
	case "poly":
		if d.MaxIter <= 0 {
			return 0, fmt.Errorf("lr_policy poly needs a positive max_iter")
		}
		return float32(base * math.Pow(1-iter/float64(d.MaxIter), power)), nil
	case "sigmoid":
		return float32(base / (1 + math.Exp(-gamma*(iter-float64(d.StepSize))))), nil
	}
	return 0, fmt.Errorf("unknown learning rate policy %q", d.LRPolicy)
}
