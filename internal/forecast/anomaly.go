package forecast

import (
	"fmt"
	"math"
)

// Severity of an anomaly; empty means none.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	minStd            = 0.05
	minAnomalySamples = 3
)

// Anomaly describes how far recent occupancy is from what the slot usually looks like.
type Anomaly struct {
	Flag     bool     `json:"flag"`
	Severity Severity `json:"severity,omitempty"`
	ZScore   float64  `json:"zScore"`
	Note     string   `json:"note,omitempty"`
}

// Penalty is the confidence reduction the anomaly implies.
func (a Anomaly) Penalty() float64 {
	switch a.Severity {
	case SeverityCritical:
		return 0.3
	case SeverityWarning:
		return 0.15
	default:
		return 0
	}
}

// DetectAnomaly scores each recent sample against history at the same slot
// and flags the mean z-score. Slots with fewer than three historical samples
// are not scored.
func DetectAnomaly(in Input, history, recent []Sample) Anomaly {
	bySlot := make(map[int][]float64)
	for _, s := range history {
		k := in.slotOf(s.WindowStart).slot
		bySlot[k] = append(bySlot[k], s.Ratio)
	}

	var sum float64
	n := 0
	for _, r := range recent {
		values := bySlot[in.slotOf(r.WindowStart).slot]
		if len(values) < minAnomalySamples {
			continue
		}
		mean, std := meanStd(values)
		sum += (r.Ratio - mean) / math.Max(std, minStd)
		n++
	}
	if n == 0 {
		return Anomaly{}
	}

	z := sum / float64(n)
	a := Anomaly{ZScore: z}
	switch abs := math.Abs(z); {
	case abs > 3:
		a.Flag, a.Severity = true, SeverityCritical
	case abs > 2:
		a.Flag, a.Severity = true, SeverityWarning
	}
	if a.Flag {
		direction := "busier"
		if z < 0 {
			direction = "quieter"
		}
		a.Note = fmt.Sprintf("recent usage is %s than usual for this time (z=%.1f)", direction, z)
	}
	return a
}
