package features

import "math"

const (
	slaneyFSp       = 200.0 / 3
	slaneyMinLogHz  = 1000.0
	slaneyMinLogMel = slaneyMinLogHz / slaneyFSp
)

var slaneyLogStep = math.Log(6.4) / 27

// HzToMel converts with the Slaney scale: linear below 1 kHz, logarithmic
// above.
func HzToMel(f float64) float64 {
	if f < slaneyMinLogHz {
		return f / slaneyFSp
	}

	return slaneyMinLogMel + math.Log(f/slaneyMinLogHz)/slaneyLogStep
}

// MelToHz inverts HzToMel.
func MelToHz(m float64) float64 {
	if m < slaneyMinLogMel {
		return m * slaneyFSp
	}

	return slaneyMinLogHz * math.Exp(slaneyLogStep*(m-slaneyMinLogMel))
}

// SlaneyFilterbank returns a row-major [mels, nfft/2+1] bank of triangular
// filters, area-normalized per band.
func SlaneyFilterbank(sampleRate, nfft, mels int, fmin, fmax float64) []float64 {
	bins := nfft/2 + 1

	fftFreqs := make([]float64, bins)
	for k := range fftFreqs {
		fftFreqs[k] = float64(k) * float64(sampleRate) / float64(nfft)
	}

	lo, hi := HzToMel(fmin), HzToMel(fmax)

	edges := make([]float64, mels+2)
	for i := range edges {
		edges[i] = MelToHz(lo + (hi-lo)*float64(i)/float64(mels+1))
	}

	out := make([]float64, mels*bins)
	for m := range mels {
		left, centre, right := edges[m], edges[m+1], edges[m+2]
		norm := 2 / (right - left)

		for k, f := range fftFreqs {
			up := (f - left) / (centre - left)
			down := (right - f) / (right - centre)

			if w := min(up, down); w > 0 {
				out[m*bins+k] = w * norm
			}
		}
	}

	return out
}
