package forecast

import (
	"math"
	"time"

	"availability-backend/internal/model"
)

// biasHorizon is the e-folding time of the live-state bias.
const biasHorizon = 30 * time.Minute

// Contextual starts from the slot baseline across all days and bends it by the
// device's live status. The bend fades as the horizon grows.
type Contextual struct{}

func (Contextual) Name() string { return "context" }

func (Contextual) Predict(in Input) Estimate {
	target := in.slotOf(in.Target)
	var ratios []float64
	for _, s := range in.History {
		if in.slotOf(s.WindowStart).slot == target.slot {
			ratios = append(ratios, s.Ratio)
		}
	}
	if len(ratios) == 0 {
		return Estimate{}
	}
	mean, _ := meanStd(ratios)
	p := 1 - mean

	if in.State != nil {
		decay := math.Exp(-in.Horizon.Minutes() / biasHorizon.Minutes())
		switch in.State.Status {
		case model.StatusFree:
			p += 0.3 * decay
		case model.StatusOccupied:
			streak := in.Now.Sub(in.State.LastChange)
			depth := math.Min(math.Max(streak.Minutes(), 0)/60, 1)
			p -= 0.2 * (0.5 + 0.5*depth) * decay
		case model.StatusOffline:
			p -= 0.3 * decay
		}
	}
	return Estimate{ProbabilityFree: clamp01(p), SampleSize: len(ratios)}
}
