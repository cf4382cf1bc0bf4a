package audio

import (
	"math"
	"testing"
)

func TestDecodeG711UlawRate(t *testing.T) {
	// 0xFF encodes zero in µ-law.
	samples, rate, err := Decode([]byte{0xFF, 0xFF, 0xFF, 0xFF}, CodecG711Ulaw, 44100)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rate != 8000 {
		t.Fatalf("rate = %d, want 8000 regardless of caller hint", rate)
	}
	for i, s := range samples {
		if math.Abs(float64(s)) > 0.001 {
			t.Fatalf("sample %d = %f, want silence", i, s)
		}
	}
}

func TestDecodeUnknownCodec(t *testing.T) {
	if _, _, err := Decode([]byte{0}, Codec("opus"), 48000); err == nil {
		t.Fatal("unknown codec decoded without error")
	}
}

func TestUlawRoundTripSign(t *testing.T) {
	// Sign bit flips the expanded sample, magnitude is preserved.
	pos := expandUlaw(0x7F ^ 0xFF)
	neg := expandUlaw(0xFF ^ 0xFF)
	if pos <= 0 || neg >= 0 || pos != -neg {
		t.Fatalf("expand ulaw sign: pos=%d neg=%d", pos, neg)
	}
}

func TestPCMEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 0.999}
	got := decodePCM(EncodePCM16(in))
	if len(got) != len(in) {
		t.Fatalf("len = %d, want %d", len(got), len(in))
	}
	for i := range in {
		if math.Abs(float64(got[i]-in[i])) > 1.0/16384 {
			t.Fatalf("sample %d = %f, want ~%f", i, got[i], in[i])
		}
	}
}

func TestResampleDoublesNarrowbandLength(t *testing.T) {
	in := make([]float32, 800) // 100ms at 8kHz
	for i := range in {
		in[i] = float32(math.Sin(2 * math.Pi * 400 * float64(i) / 8000))
	}
	out := Resample(in, 8000, 16000)
	if len(out) < 1590 || len(out) > 1610 {
		t.Fatalf("resampled length = %d, want ~1600", len(out))
	}
}

func TestResampleSameRateIsPassthrough(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := Resample(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Fatal("same-rate resample copied the input")
	}
}

func TestMeasureLevelSilence(t *testing.T) {
	l := MeasureLevel(make([]float32, 160))
	if l.RMSDB != silenceFloorDB || l.PeakDB != silenceFloorDB {
		t.Fatalf("silence level = %+v, want floor", l)
	}
}

func TestMeasureLevelFullScale(t *testing.T) {
	in := make([]float32, 160)
	for i := range in {
		in[i] = 1.0
	}
	l := MeasureLevel(in)
	if math.Abs(l.RMSDB) > 0.01 || math.Abs(l.PeakDB) > 0.01 {
		t.Fatalf("full-scale level = %+v, want ~0 dBFS", l)
	}
}
