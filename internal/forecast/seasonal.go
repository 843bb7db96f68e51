package forecast

// Seasonal looks at the same weekday and slot on previous weeks and fits a
// least-squares line through them so a drifting bucket is extrapolated rather
// than averaged.
type Seasonal struct{}

func (Seasonal) Name() string { return "seasonal" }

func (Seasonal) Predict(in Input) Estimate {
	target := in.slotOf(in.Target)
	var xs, ys []float64
	for _, s := range in.History {
		if in.slotOf(s.WindowStart) != target {
			continue
		}
		xs = append(xs, float64(in.dayIndex(s.WindowStart)))
		ys = append(ys, s.Ratio)
	}
	if len(ys) == 0 {
		return Estimate{}
	}

	occupied := trendAt(xs, ys, float64(in.dayIndex(in.Target)))
	return Estimate{ProbabilityFree: clamp01(1 - occupied), SampleSize: len(ys)}
}

// trendAt evaluates the least-squares line through (xs, ys) at x.
// With fewer than two distinct xs it falls back to the mean.
func trendAt(xs, ys []float64, x float64) float64 {
	meanX, _ := meanStd(xs)
	meanY, _ := meanStd(ys)
	var num, den float64
	for i := range xs {
		num += (xs[i] - meanX) * (ys[i] - meanY)
		den += (xs[i] - meanX) * (xs[i] - meanX)
	}
	if den == 0 {
		return meanY
	}
	return clamp01(meanY + num/den*(x-meanX))
}
