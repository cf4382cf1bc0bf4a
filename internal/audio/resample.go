package audio

import "math"

// firTaps is the anti-alias filter length. Narrowband speech does not need a
// long kernel; 31 taps keeps per-frame latency negligible.
const firTaps = 31

// Resample converts samples from srcRate to dstRate by linear interpolation
// with a windowed-sinc anti-alias filter around it. The input is returned
// unchanged when the rates already match.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate {
		return samples
	}

	nyquist := float64(min(srcRate, dstRate)) / 2.0

	// Going down in rate: filter first so nothing above the new Nyquist
	// folds back into the band.
	if srcRate > dstRate {
		samples = firLowPass(samples, nyquist, float64(srcRate))
	}

	step := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/step))
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		out[i] = lerp(samples, idx, float32(pos-float64(idx)))
	}

	// Going up in rate: filter after interpolation to remove imaging.
	if dstRate > srcRate {
		out = firLowPass(out, nyquist, float64(dstRate))
	}
	return out
}

// firLowPass convolves with a Blackman-windowed sinc kernel. Taps that fall
// outside the input are skipped rather than zero-padded.
func firLowPass(samples []float32, cutoff, sampleRate float64) []float32 {
	kernel := blackmanSinc(cutoff, sampleRate, firTaps)
	half := firTaps / 2
	out := make([]float32, len(samples))

	for i := range samples {
		lo := max(0, half-i)
		hi := min(firTaps, len(samples)-i+half)
		var acc float32
		for j := lo; j < hi; j++ {
			acc += samples[i+j-half] * kernel[j]
		}
		out[i] = acc
	}
	return out
}

// blackmanSinc builds a unity-gain low-pass FIR kernel.
func blackmanSinc(cutoff, sampleRate float64, taps int) []float32 {
	fc := cutoff / sampleRate
	half := taps / 2
	kernel := make([]float32, taps)

	var sum float64
	for i := range kernel {
		n := float64(i - half)
		sinc := 1.0
		if n != 0 {
			x := 2.0 * math.Pi * fc * n
			sinc = math.Sin(x) / x
		}
		w := 0.42 -
			0.5*math.Cos(2.0*math.Pi*float64(i)/float64(taps-1)) +
			0.08*math.Cos(4.0*math.Pi*float64(i)/float64(taps-1))
		kernel[i] = float32(sinc * w)
		sum += sinc * w
	}

	scale := float32(1.0 / sum)
	for i := range kernel {
		kernel[i] *= scale
	}
	return kernel
}

func lerp(samples []float32, idx int, frac float32) float32 {
	if idx+1 >= len(samples) {
		return samples[len(samples)-1]
	}
	return samples[idx]*(1-frac) + samples[idx+1]*frac
}
