package forecast

// Pattern pools the slot across all weekdays or all weekend days, matching
// the target. A wide spread pulls the answer toward a coin flip.
type Pattern struct{}

func (Pattern) Name() string { return "pattern" }

func (Pattern) Predict(in Input) Estimate {
	target := in.slotOf(in.Target)
	weekend := isWeekend(target.weekday)
	var ratios []float64
	for _, s := range in.History {
		k := in.slotOf(s.WindowStart)
		if k.slot != target.slot || isWeekend(k.weekday) != weekend {
			continue
		}
		ratios = append(ratios, s.Ratio)
	}
	if len(ratios) == 0 {
		return Estimate{}
	}

	mean, std := meanStd(ratios)
	shrink := clamp01(1 - 2*std)
	p := 0.5 + (1-mean-0.5)*shrink
	return Estimate{ProbabilityFree: clamp01(p), SampleSize: len(ratios)}
}
