package forecast

// Trend weights the last few days at the target slot and its neighbours,
// newest first.
type Trend struct {
	Days int
}

func (Trend) Name() string { return "trend" }

func (t Trend) Predict(in Input) Estimate {
	days := t.Days
	if days <= 0 {
		days = 3
	}
	target := in.slotOf(in.Target)
	targetDay := in.dayIndex(in.Target)
	perDay := in.slotsPerDay()

	var weighted, total float64
	n := 0
	for _, s := range in.History {
		ago := targetDay - in.dayIndex(s.WindowStart)
		if ago < 1 || ago > days {
			continue
		}
		dist := circular(in.slotOf(s.WindowStart).slot-target.slot, perDay)
		if dist > 1 {
			continue
		}
		w := 1 / float64(ago)
		if dist == 1 {
			w /= 2
		}
		weighted += w * s.Ratio
		total += w
		n++
	}
	if n == 0 {
		return Estimate{}
	}
	return Estimate{ProbabilityFree: clamp01(1 - weighted/total), SampleSize: n}
}

func circular(d, n int) int {
	if d < 0 {
		d = -d
	}
	if n > 0 && d > n/2 {
		d = n - d
	}
	return d
}
