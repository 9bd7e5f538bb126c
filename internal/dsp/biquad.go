package dsp

import "math"

// biquad is a single biquad filter section in transposed direct form II.
// Every band uses the peaking-EQ coefficient formula at a fixed Q; only
// gain is mutable.
type biquad struct {
	b0, b1, b2 float32
	a1, a2     float32
	z1, z2     float32
}

// process runs one sample through the filter, updating its internal memory
// (x[n-1], x[n-2], y[n-1], y[n-2] folded into z1/z2).
func (b *biquad) process(x float32) float32 {
	y := b.b0*x + b.z1
	b.z1 = b.b1*x - b.a1*y + b.z2
	b.z2 = b.b2*x - b.a2*y
	return y
}

// reset clears filter memory, used only on decoder restart.
func (b *biquad) reset() {
	b.z1, b.z2 = 0, 0
}

// peakingBiquad computes RBJ peaking-EQ coefficients for center frequency
// f0 at sample rate fs, Q factor q, and gain in dB.
func peakingBiquad(fs, f0, q, gainDB float32) biquad {
	a := float32(math.Pow(10, float64(gainDB)/40))
	w0 := 2 * math.Pi * float64(f0) / float64(fs)
	alpha := float32(math.Sin(w0)) / (2 * q)
	cosw0 := float32(math.Cos(w0))

	b0 := 1 + alpha*a
	b1 := -2 * cosw0
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosw0
	a2 := 1 - alpha/a

	return biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}
