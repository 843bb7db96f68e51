// Package forecast predicts the probability that a device is free at a future time.
//
// Each prediction method implements Strategy; an Ensemble combines them with
// fixed weights. Strategies never see the store: the Engine loads history once
// and hands every strategy the same Input.
package forecast

import (
	"math"
	"time"

	"availability-backend/internal/model"
)

// Sample is one complete device bin.
type Sample struct {
	WindowStart time.Time
	Ratio       float64
}

// Input is everything a strategy may look at.
type Input struct {
	// History holds complete bins, oldest first, all before Now.
	History  []Sample
	State    *model.CurrentState
	Now      time.Time
	Target   time.Time
	Horizon  time.Duration
	Window   time.Duration
	Location *time.Location
}

// Estimate is a single strategy's answer. SampleSize 0 means the strategy abstains.
type Estimate struct {
	ProbabilityFree float64
	SampleSize      int
}

type Strategy interface {
	Name() string
	Predict(in Input) Estimate
}

// slotKey identifies a time-of-day bucket.
type slotKey struct {
	weekday time.Weekday
	slot    int
}

func (in Input) loc() *time.Location {
	if in.Location == nil {
		return time.UTC
	}
	return in.Location
}

func (in Input) window() time.Duration {
	if in.Window <= 0 {
		return 15 * time.Minute
	}
	return in.Window
}

// slotOf returns the local weekday and the index of the window within the day.
func (in Input) slotOf(t time.Time) slotKey {
	lt := t.In(in.loc())
	minutes := lt.Hour()*60 + lt.Minute()
	return slotKey{weekday: lt.Weekday(), slot: minutes / int(in.window().Minutes())}
}

func (in Input) slotsPerDay() int {
	return int((24 * time.Hour) / in.window())
}

// dayIndex counts local calendar days since the Unix epoch.
func (in Input) dayIndex(t time.Time) int {
	lt := t.In(in.loc())
	y, m, d := lt.Date()
	return int(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0.5
	}
	return math.Max(0, math.Min(1, v))
}

func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}
