package features

import (
	"math"
	"testing"

	"github.com/example/go-ns2/internal/memo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, sampleRate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}

	return out
}

func smallConfig() Config {
	return Config{SampleRate: 16000, NFFT: 256, Hop: 64, Win: 256, NumMels: 20, FMin: 0, FMax: 8000}
}

func TestFramesContract(t *testing.T) {
	cfg := DefaultConfig()

	// 1 s of 16 kHz audio at hop 320 gives exactly 50 frames.
	assert.Equal(t, 50, cfg.Frames(16000))
	assert.Equal(t, 352, cfg.Pad())

	for _, n := range []int{3200, 4000, 16001, 48000} {
		assert.Equal(t, n/cfg.Hop, cfg.Frames(n), "n=%d", n)
	}
}

func TestMelShapeAndCaching(t *testing.T) {
	cache := NewTableCache(nil)

	e, err := NewExtractor(smallConfig(), cache)
	require.NoError(t, err)

	mel, err := e.Mel(sine(440, 16000, 1600))
	require.NoError(t, err)
	assert.Equal(t, []int64{20, int64(smallConfig().Frames(1600))}, mel.Shape())
	assert.True(t, mel.Finite())

	_, err = e.Mel(sine(880, 16000, 3200))
	require.NoError(t, err)

	// Second extractor with the same parameters reuses both tables.
	other, err := NewExtractor(smallConfig(), cache)
	require.NoError(t, err)
	_, err = other.Mel(sine(220, 16000, 800))
	require.NoError(t, err)

	assert.Equal(t, 2, cache.Builds())
}

func TestMelBoundedCachePolicy(t *testing.T) {
	policy, err := memo.LRU[TableKey, []float64](1)
	require.NoError(t, err)

	cache := NewTableCache(policy)
	e, err := NewExtractor(smallConfig(), cache)
	require.NoError(t, err)

	for range 2 {
		_, err = e.Mel(sine(440, 16000, 1600))
		require.NoError(t, err)
	}

	// window and filterbank evict each other on every call.
	assert.Equal(t, 1, cache.Len())
	assert.Equal(t, 4, cache.Builds())

	resident, builds := e.TableStats()
	assert.Equal(t, 1, resident)
	assert.Equal(t, 4, builds)
}

func TestMelPeakFollowsTone(t *testing.T) {
	cfg := smallConfig()
	e, err := NewExtractor(cfg, nil)
	require.NoError(t, err)

	peak := func(freq float64) int {
		mel, err := e.Mel(sine(freq, cfg.SampleRate, 4000))
		require.NoError(t, err)

		frames := mel.Dim(1)
		mid := frames / 2
		best, bestBand := math.Inf(-1), -1

		for m := range cfg.NumMels {
			if v := float64(mel.Data()[m*frames+mid]); v > best {
				best, bestBand = v, m
			}
		}

		return bestBand
	}

	assert.Less(t, peak(300), peak(1500))
	assert.Less(t, peak(1500), peak(5000))
}

func TestMelSilenceHitsFloor(t *testing.T) {
	e, err := NewExtractor(smallConfig(), nil)
	require.NoError(t, err)

	mel, err := e.Mel(make([]float32, 1000))
	require.NoError(t, err)

	// Only the magnitude epsilon survives: every band sits near the floor.
	for _, v := range mel.Data() {
		assert.Less(t, float64(v), -3.0)
	}
}

func TestMelBatchPadsToLongest(t *testing.T) {
	e, err := NewExtractor(smallConfig(), nil)
	require.NoError(t, err)

	long := sine(440, 16000, 1600)
	short := sine(440, 16000, 800)

	batch, err := e.MelBatch([][]float32{short, long})
	require.NoError(t, err)

	single, err := e.Mel(long)
	require.NoError(t, err)

	frames := single.Dim(1)
	assert.Equal(t, []int64{2, 20, int64(frames)}, batch.Shape())
	assert.Equal(t, single.Data(), batch.Data()[20*frames:])
}

func TestMelErrors(t *testing.T) {
	e, err := NewExtractor(smallConfig(), nil)
	require.NoError(t, err)

	_, err = e.Mel(make([]float32, 10))
	require.ErrorIs(t, err, ErrShortSignal)

	_, err = e.MelBatch(nil)
	require.Error(t, err)

	bad := smallConfig()
	bad.FMax = 9000
	_, err = NewExtractor(bad, nil)
	require.Error(t, err)

	bad = smallConfig()
	bad.Win = 512
	_, err = NewExtractor(bad, nil)
	require.Error(t, err)
}

func TestSlaneyScale(t *testing.T) {
	for _, f := range []float64{0, 200, 999, 1000, 4000, 8000} {
		assert.InDelta(t, f, MelToHz(HzToMel(f)), 1e-6)
	}

	assert.InDelta(t, 15.0, HzToMel(1000), 1e-9)

	fb := SlaneyFilterbank(16000, 256, 20, 0, 8000)
	require.Len(t, fb, 20*129)

	for m := range 20 {
		var sum float64
		for _, w := range fb[m*129 : (m+1)*129] {
			require.GreaterOrEqual(t, w, 0.0)
			sum += w
		}

		assert.Positive(t, sum, "band %d is empty", m)
	}
}
