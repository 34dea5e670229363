// Package estimate computes the savings projection shown after a simulation.
package estimate

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/humano-saude/funnel-api/internal/model"
)

// The projected premium band is a fixed business heuristic: a new plan is
// assumed to land between 60% and 80% of the current premium. The age
// bracket list sets the covered-life count only; it does not weight the
// band.
const (
	aggressiveMultiplier   = 0.60
	conservativeMultiplier = 0.80
	monthsPerYear          = 12
)

var (
	ErrNonPositiveValue = eris.New("estimate: current value must be positive")
	ErrNoAgeBrackets    = eris.New("estimate: at least one age bracket is required")
	ErrTooManyLives     = eris.New("estimate: too many age brackets")
	ErrUnknownBracket   = eris.New("estimate: unknown age bracket")
)

// Savings deterministically projects the monthly and annual savings band
// for a given current premium. All outputs are rounded to two decimals
// and satisfy MinValue <= MaxValue <= CurrentValue.
func Savings(currentValue float64, brackets []string) (*model.Estimate, error) {
	if currentValue <= 0 {
		return nil, ErrNonPositiveValue
	}
	if len(brackets) == 0 {
		return nil, ErrNoAgeBrackets
	}
	if len(brackets) > model.MaxLives {
		return nil, ErrTooManyLives
	}
	for _, b := range brackets {
		if !model.ValidAgeBracket(b) {
			return nil, eris.Wrapf(ErrUnknownBracket, "%q", b)
		}
	}

	minValue := round2(currentValue * aggressiveMultiplier)
	maxValue := round2(currentValue * conservativeMultiplier)
	minSavings := round2(currentValue - maxValue)
	maxSavings := round2(currentValue - minValue)

	return &model.Estimate{
		CurrentValue:     currentValue,
		MinValue:         minValue,
		MaxValue:         maxValue,
		MinSavings:       minSavings,
		MaxSavings:       maxSavings,
		AnnualMinSavings: round2(minSavings * monthsPerYear),
		AnnualMaxSavings: round2(maxSavings * monthsPerYear),
	}, nil
}

// AverageSaving is the midpoint of the savings band, recorded on the lead.
func AverageSaving(e *model.Estimate) float64 {
	return round2((e.MinSavings + e.MaxSavings) / 2)
}

// IsValidationError reports whether err is caller input the estimator
// rejected, as opposed to an internal fault.
func IsValidationError(err error) bool {
	return eris.Is(err, ErrNonPositiveValue) ||
		eris.Is(err, ErrNoAgeBrackets) ||
		eris.Is(err, ErrTooManyLives) ||
		eris.Is(err, ErrUnknownBracket)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
