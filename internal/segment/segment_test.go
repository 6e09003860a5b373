package segment

import (
	"math/rand/v2"
	"testing"

	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ramp(t *testing.T, shape ...int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.Zeros(shape)
	require.NoError(t, err)

	for k := range x.RawData() {
		x.RawData()[k] = float32(k + 1)
	}

	return x
}

func newSampler(seed uint64) Sampler {
	return Sampler{Rand: rand.New(rand.NewPCG(seed, seed+1))}
}

func TestSampleShortSequencePadded(t *testing.T) {
	seq := ramp(t, 2, 50)

	seg, err := newSampler(1).Sample(seq, 40, 48, Options{AllowShort: true, PadShort: true})
	require.NoError(t, err)

	assert.Equal(t, 0, seg.Start)
	assert.Equal(t, 40, seg.Size)
	assert.Equal(t, []int64{2, 48}, seg.Data.Shape())

	row := seg.Data.Data()[:48]
	for j := range 40 {
		assert.Equal(t, float32(j+1), row[j])
	}

	for j := 40; j < 48; j++ {
		assert.Zero(t, row[j])
	}
}

func TestSampleShortSequenceRejected(t *testing.T) {
	_, err := newSampler(1).Sample(ramp(t, 1, 50), 40, 48, Options{})
	require.ErrorIs(t, err, ErrSequenceTooShort)

	_, err = newSampler(1).Sample(ramp(t, 1, 50), 0, 48, Options{})
	require.ErrorIs(t, err, ErrSequenceTooShort)
}

func TestSampleEmptySequence(t *testing.T) {
	seg, err := newSampler(1).Sample(ramp(t, 2, 50), 0, 48, Options{AllowShort: true, PadShort: true})
	require.NoError(t, err)

	assert.Equal(t, 0, seg.Start)
	assert.Equal(t, 0, seg.Size)
	assert.Equal(t, []int64{2, 48}, seg.Data.Shape())
	assert.Equal(t, make([]float32, 96), seg.Data.Data())

	seg, err = newSampler(1).Sample(ramp(t, 2, 50), 0, 48, Options{AllowShort: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 0}, seg.Data.Shape())

	s := newSampler(3)
	size := s.StandardSize([]int{0, 100}, 48, 16)
	assert.Equal(t, 1, size)

	b, err := s.SampleBatch(ramp(t, 2, 1, 100), []int{0, 100}, size, Options{AllowShort: true, PadShort: true})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, b.Sizes)
	assert.Equal(t, []int64{2, 1, 1}, b.Data.Shape())
	assert.Zero(t, b.Data.Data()[0])
}

func TestSampleStaysInsideValidRegion(t *testing.T) {
	s := newSampler(5)
	rng := rand.New(rand.NewPCG(8, 8))

	for range 200 {
		frames := 1 + rng.IntN(60)
		valid := 1 + rng.IntN(frames)
		target := 1 + rng.IntN(70)

		seg, err := s.Sample(ramp(t, 1, int64(frames)), valid, target, Options{AllowShort: true})
		require.NoError(t, err)

		assert.LessOrEqual(t, seg.Start+seg.Size, valid)
		assert.GreaterOrEqual(t, seg.Start, 0)

		if valid < target {
			assert.Equal(t, valid, seg.Size)
		} else {
			assert.Equal(t, target, seg.Size)
		}

		assert.Equal(t, float32(seg.Start+1), seg.Data.Data()[0])
	}
}

func TestSampleBatch(t *testing.T) {
	x := ramp(t, 3, 2, 10)

	out, err := newSampler(2).SampleBatch(x, []int{10, 6, 4}, 4, Options{})
	require.NoError(t, err)

	assert.Equal(t, []int64{3, 2, 4}, out.Data.Shape())
	assert.Equal(t, []int{4, 4, 4}, out.Sizes)
	assert.Equal(t, 0, out.Starts[2])

	d := out.Data.Data()
	for b, start := range out.Starts {
		// channel 1 of utterance b starts at element (b*2+1)*10 of x.
		assert.Equal(t, float32((b*2+1)*10+start+1), d[(b*2+1)*4])
	}

	_, err = newSampler(2).SampleBatch(x, []int{10, 2}, 4, Options{})
	require.Error(t, err)

	_, err = newSampler(2).SampleBatch(x, []int{10, 2, 6}, 4, Options{AllowShort: true})
	require.ErrorIs(t, err, ErrShapeMismatch, "unpadded short segment cannot be stacked")
}

func TestStandardSize(t *testing.T) {
	s := newSampler(4)

	for range 100 {
		p := s.StandardSize([]int{500, 600}, 100, 16)
		assert.GreaterOrEqual(t, p, 84)
		assert.LessOrEqual(t, p, 116)
	}

	assert.Equal(t, 20, s.StandardSize([]int{40, 600}, 100, 16))
	assert.Equal(t, 1, s.StandardSize([]int{1, 600}, 100, 16))
	assert.Equal(t, 100, s.StandardSize([]int{101}, 100, 0))
	assert.Equal(t, 50, s.StandardSize([]int{100}, 100, 0), "not strictly longer")
}

func TestComplementMaskDisjoint(t *testing.T) {
	rng := rand.New(rand.NewPCG(6, 6))

	for range 100 {
		frames := 1 + rng.IntN(40)
		size := 1 + rng.IntN(frames)
		start := rng.IntN(frames - size + 1)

		m := ComplementMask(frames, start, size)
		require.Len(t, m, frames)

		for tt, keep := range m {
			inSegment := tt >= start && tt < start+size
			assert.NotEqual(t, inSegment, keep, "frame %d", tt)
		}
	}

	batch := ComplementMaskBatch(4, []int{0, 2}, 2)
	assert.Equal(t, [][]bool{{false, false, true, true}, {true, true, false, false}}, batch)
}

func TestSelectFrames(t *testing.T) {
	x := ramp(t, 2, 1, 4)

	out, err := SelectFrames(x, ComplementMaskBatch(4, []int{0, 1}, 2))
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1, 2}, out.Shape())
	assert.Equal(t, []float32{3, 4, 5, 8}, out.Data())

	_, err = SelectFrames(x, [][]bool{{true, false, false, false}, {true, true, false, false}})
	require.ErrorIs(t, err, ErrShapeMismatch)
}
