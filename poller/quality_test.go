// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package poller

import (
	"testing"

	"github.com/soothill/vue-energy-logger/pkg/errors"
)

func TestEvaluate(t *testing.T) {
	eval := Evaluator{MissingThreshold: 5, SpreadThreshold: 10}

	tests := []struct {
		name          string
		minCount      int
		maxCount      int
		windowSeconds int
		wantReject    bool
	}{
		{
			name:     "complete pull",
			minCount: 60, maxCount: 60, windowSeconds: 60,
			wantReject: false,
		},
		{
			name:     "missing exactly at threshold",
			minCount: 55, maxCount: 55, windowSeconds: 60,
			wantReject: false,
		},
		{
			name:     "missing one past threshold",
			minCount: 54, maxCount: 54, windowSeconds: 60,
			wantReject: true,
		},
		{
			name:     "spread within threshold",
			minCount: 50, maxCount: 58, windowSeconds: 60,
			wantReject: false,
		},
		{
			name:     "spread exactly at threshold",
			minCount: 48, maxCount: 58, windowSeconds: 60,
			wantReject: false,
		},
		{
			name:     "spread one past threshold",
			minCount: 47, maxCount: 58, windowSeconds: 60,
			wantReject: true,
		},
		{
			name:     "no channel reported anything",
			minCount: 0, maxCount: 0, windowSeconds: 60,
			wantReject: true,
		},
		{
			name:     "grown retry window judged against its own duration",
			minCount: 118, maxCount: 118, windowSeconds: 120,
			wantReject: false,
		},
		{
			name:     "grown retry window still incomplete",
			minCount: 110, maxCount: 110, windowSeconds: 120,
			wantReject: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := eval.Evaluate(tt.minCount, tt.maxCount, tt.windowSeconds)
			if (err != nil) != tt.wantReject {
				t.Errorf("Evaluate(%d, %d, %d) = %v, wantReject %v",
					tt.minCount, tt.maxCount, tt.windowSeconds, err, tt.wantReject)
			}
			if err != nil && !errors.IsQualityError(err) {
				t.Errorf("Evaluate() error type = %T, want *errors.QualityError", err)
			}
		})
	}
}

func TestEvaluate_VerdictCarriesCounts(t *testing.T) {
	eval := Evaluator{MissingThreshold: 5, SpreadThreshold: 10}

	err := eval.Evaluate(40, 50, 60)
	if err == nil {
		t.Fatal("Evaluate() expected reject")
	}

	qe, ok := err.(*errors.QualityError)
	if !ok {
		t.Fatalf("Evaluate() error type = %T, want *errors.QualityError", err)
	}
	if qe.MinPoints != 40 || qe.MaxPoints != 50 || qe.WindowSeconds != 60 {
		t.Errorf("QualityError counts = (%d, %d, %d), want (40, 50, 60)",
			qe.MinPoints, qe.MaxPoints, qe.WindowSeconds)
	}
}
