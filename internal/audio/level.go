package audio

import "math"

// Level holds a point-in-time signal measurement in dBFS.
type Level struct {
	RMSDB  float64
	PeakDB float64
}

const silenceFloorDB = -100

// MeasureLevel computes RMS and peak level of the samples in dBFS.
// Empty or near-silent input reports the silence floor.
func MeasureLevel(samples []float32) Level {
	if len(samples) == 0 {
		return Level{RMSDB: silenceFloorDB, PeakDB: silenceFloorDB}
	}

	var sum float64
	var peak float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
		if a := math.Abs(f); a > peak {
			peak = a
		}
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	return Level{RMSDB: toDB(rms), PeakDB: toDB(peak)}
}

func toDB(v float64) float64 {
	if v < 1e-10 {
		return silenceFloorDB
	}
	return 20 * math.Log10(v)
}
