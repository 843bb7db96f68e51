package forecast

import "math"

// Classification buckets a forecast for display.
type Classification string

const (
	InsufficientData Classification = "insufficient_data"
	LowConfidence    Classification = "low_confidence"
	LikelyFree       Classification = "likely_free"
	PossiblyFree     Classification = "possibly_free"
	UnlikelyFree     Classification = "unlikely_free"
)

// Weighted pairs a strategy with its ensemble weight.
type Weighted struct {
	Strategy Strategy
	Weight   float64
}

// Contribution is one strategy's part in a combined forecast.
type Contribution struct {
	Strategy        string  `json:"strategy"`
	Weight          float64 `json:"weight"`
	ProbabilityFree float64 `json:"probabilityFree"`
	SampleSize      int     `json:"sampleSize"`
}

// Combined is the ensemble output before confidence and classification.
type Combined struct {
	ProbabilityFree float64
	SampleSize      int
	// Agreement is 1 when every contributing strategy gave the same answer.
	Agreement     float64
	Contributions []Contribution
}

type Ensemble struct {
	members []Weighted
}

func NewEnsemble(members ...Weighted) *Ensemble {
	return &Ensemble{members: members}
}

// DefaultEnsemble wires the four built-in strategies with weights in
// seasonal, pattern, trend, context order.
func DefaultEnsemble(weights []float64, trendDays int) *Ensemble {
	w := []float64{0.3, 0.3, 0.2, 0.2}
	if len(weights) == len(w) {
		w = weights
	}
	return NewEnsemble(
		Weighted{Seasonal{}, w[0]},
		Weighted{Pattern{}, w[1]},
		Weighted{Trend{Days: trendDays}, w[2]},
		Weighted{Contextual{}, w[3]},
	)
}

// Combine runs every strategy and averages the ones with samples, renormalising their weights.
func (e *Ensemble) Combine(in Input) Combined {
	out := Combined{ProbabilityFree: 0.5}
	var weightSum, weighted float64
	for _, m := range e.members {
		est := m.Strategy.Predict(in)
		c := Contribution{Strategy: m.Strategy.Name(), Weight: m.Weight, ProbabilityFree: est.ProbabilityFree, SampleSize: est.SampleSize}
		if est.SampleSize <= 0 || m.Weight <= 0 {
			c.Weight = 0
			out.Contributions = append(out.Contributions, c)
			continue
		}
		weightSum += m.Weight
		weighted += m.Weight * clamp01(est.ProbabilityFree)
		if est.SampleSize > out.SampleSize {
			out.SampleSize = est.SampleSize
		}
		out.Contributions = append(out.Contributions, c)
	}
	if weightSum == 0 {
		return out
	}

	out.ProbabilityFree = clamp01(weighted / weightSum)
	var spread float64
	for i := range out.Contributions {
		c := &out.Contributions[i]
		if c.Weight == 0 {
			continue
		}
		c.Weight /= weightSum
		d := c.ProbabilityFree - out.ProbabilityFree
		spread += c.Weight * d * d
	}
	out.Agreement = clamp01(1 - 2*math.Sqrt(spread))
	return out
}

// Confidence blends sample volume and strategy agreement, then applies the anomaly penalty.
func Confidence(c Combined, minSamples int, a Anomaly) float64 {
	if c.SampleSize == 0 {
		return 0
	}
	full := 2 * minSamples
	if full <= 0 {
		full = 20
	}
	sampleFactor := math.Min(float64(c.SampleSize)/float64(full), 1)
	return clamp01((0.5*sampleFactor + 0.5*c.Agreement) * (1 - a.Penalty()))
}

// Classify applies the thresholds in order: data volume, confidence, probability.
func Classify(probabilityFree, confidence float64, sampleSize, minSamples int, confidenceThreshold float64) Classification {
	switch {
	case sampleSize < minSamples:
		return InsufficientData
	case confidence < confidenceThreshold:
		return LowConfidence
	case probabilityFree >= 0.7:
		return LikelyFree
	case probabilityFree >= 0.5:
		return PossiblyFree
	default:
		return UnlikelyFree
	}
}
