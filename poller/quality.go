// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package poller

import (
	"github.com/soothill/vue-energy-logger/pkg/errors"
)

// Evaluator judges whether a completed pull collected enough samples per
// channel to be accepted.
//
// Two independent checks, both in discrete points rather than percentages
// (discrete points stay interpretable as window durations vary):
//
//   - missing: the best-covered channel must come within MissingThreshold
//     points of the window duration, catching globally incomplete pulls
//   - spread: the worst channel must come within SpreadThreshold points of
//     the best one, catching pulls where only some channels were populated
type Evaluator struct {
	MissingThreshold int
	SpreadThreshold  int
}

// Evaluate returns nil to accept the pull, or a *errors.QualityError
// describing why it was rejected. minCount and maxCount are taken over
// channels that produced at least one sample; a pull where no channel
// produced anything is always rejected.
func (e Evaluator) Evaluate(minCount, maxCount, windowSeconds int) error {
	if maxCount == 0 {
		return errors.NewQualityError(minCount, maxCount, windowSeconds, "no channel returned any samples")
	}

	missing := windowSeconds - maxCount
	if missing > e.MissingThreshold {
		return errors.NewQualityError(minCount, maxCount, windowSeconds, "too many data points missing")
	}

	delta := maxCount - minCount
	if delta > e.SpreadThreshold {
		return errors.NewQualityError(minCount, maxCount, windowSeconds, "min/max channel delta too big")
	}

	return nil
}
