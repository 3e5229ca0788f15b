package runner

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"
)

// PhaseStats summarizes one phase over repeated runs
type PhaseStats struct {
	Mean, StdDev time.Duration
	Min, Max     time.Duration
}

func (ps PhaseStats) String() string {
	return fmt.Sprintf("mean=%v stddev=%v min=%v max=%v", ps.Mean, ps.StdDev, ps.Min, ps.Max)
}

// Stats summarizes the phase timings of repeated runs
type Stats struct {
	Runs     int
	Upload   PhaseStats
	Dispatch PhaseStats
	Readback PhaseStats
	Total    PhaseStats
}

// Summarize computes per-phase statistics. The standard deviation is the
// unbiased sample estimate and is zero for a single run.
func Summarize(timings []PhaseTimings) Stats {
	s := Stats{Runs: len(timings)}
	if len(timings) == 0 {
		return s
	}
	phase := func(get func(PhaseTimings) time.Duration) PhaseStats {
		x := make([]float64, len(timings))
		for i, t := range timings {
			x[i] = float64(get(t))
		}
		ps := PhaseStats{Min: get(timings[0]), Max: get(timings[0])}
		for _, t := range timings[1:] {
			d := get(t)
			if d < ps.Min {
				ps.Min = d
			}
			if d > ps.Max {
				ps.Max = d
			}
		}
		if len(x) == 1 {
			ps.Mean = get(timings[0])
			return ps
		}
		mean, std := stat.MeanStdDev(x, nil)
		ps.Mean, ps.StdDev = time.Duration(mean), time.Duration(std)
		return ps
	}
	s.Upload = phase(func(t PhaseTimings) time.Duration { return t.Upload })
	s.Dispatch = phase(func(t PhaseTimings) time.Duration { return t.Dispatch })
	s.Readback = phase(func(t PhaseTimings) time.Duration { return t.Readback })
	s.Total = phase(PhaseTimings.Total)
	return s
}
