package audio

import "math"

// Level is an amplitude snapshot of one block of captured audio, meant for
// a visualizer. It never feeds back into the engine.
type Level struct {
	RMS  float32
	Peak float32

	// Bands holds the mean absolute amplitude of consecutive equal slices of
	// the block, giving a coarse energy contour over time.
	Bands []float32
}

// Meter computes [Level] snapshots. The zero value uses 8 bands.
type Meter struct {
	Bands int
}

// Measure returns the level of samples.
func (m Meter) Measure(samples []float32) Level {
	bands := m.Bands
	if bands <= 0 {
		bands = 8
	}
	lvl := Level{Bands: make([]float32, bands)}
	if len(samples) == 0 {
		return lvl
	}

	var sum float64
	for _, s := range samples {
		a := math.Abs(float64(s))
		sum += float64(s) * float64(s)
		if float32(a) > lvl.Peak {
			lvl.Peak = float32(a)
		}
	}
	lvl.RMS = float32(math.Sqrt(sum / float64(len(samples))))

	for b := range bands {
		lo := b * len(samples) / bands
		hi := (b + 1) * len(samples) / bands
		if hi <= lo {
			continue
		}
		var acc float64
		for _, s := range samples[lo:hi] {
			acc += math.Abs(float64(s))
		}
		lvl.Bands[b] = float32(acc / float64(hi-lo))
	}
	return lvl
}
