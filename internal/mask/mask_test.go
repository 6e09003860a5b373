package mask

import (
	"math/rand/v2"
	"testing"

	"github.com/example/go-ns2/internal/runtime/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskMatchesLengths(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	for range 50 {
		batch := 1 + rng.IntN(6)
		lengths := make([]int, batch)
		for b := range lengths {
			lengths[b] = rng.IntN(20)
		}

		maxLen := MaxLen(lengths) + rng.IntN(4)
		if maxLen == 0 {
			maxLen = 1
		}

		m, err := Mask(lengths, maxLen)
		require.NoError(t, err)
		require.Len(t, m, batch)

		for b := range batch {
			require.Len(t, m[b], maxLen)
			for tt := range maxLen {
				assert.Equal(t, tt < lengths[b], m[b][tt], "b=%d t=%d", b, tt)
			}
		}
	}
}

func TestMaskDefaultsToMaxLength(t *testing.T) {
	m, err := Mask([]int{2, 4, 1}, 0)
	require.NoError(t, err)

	for _, row := range m {
		assert.Len(t, row, 4)
	}

	assert.Equal(t, []int{2, 4, 1}, Lengths(m))
}

func TestMaskRejectsInvalidLengths(t *testing.T) {
	tests := []struct {
		name    string
		lengths []int
		maxLen  int
	}{
		{"negative", []int{3, -1}, 0},
		{"exceeds width", []int{3, 6}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Mask(tt.lengths, tt.maxLen)
			require.ErrorIs(t, err, ErrInvalidLength)

			_, err = Float(tt.lengths, tt.maxLen)
			require.ErrorIs(t, err, ErrInvalidLength)
		})
	}
}

func TestFloatMask(t *testing.T) {
	m, err := Float([]int{1, 3}, 3)
	require.NoError(t, err)

	assert.Equal(t, []int64{2, 3}, m.Shape())
	assert.Equal(t, []float32{1, 0, 0, 1, 1, 1}, m.Data())
}

func TestOuter(t *testing.T) {
	x, _ := Mask([]int{2}, 3)
	y, _ := Mask([]int{3}, 4)

	o, err := Outer(x, y)
	require.NoError(t, err)

	want := [][]bool{
		{true, true, true, false},
		{true, true, true, false},
		{false, false, false, false},
	}
	assert.Equal(t, want, o[0])

	_, err = Outer(x, [][]bool{})
	require.Error(t, err)
}

func TestZeroPadding(t *testing.T) {
	x, _ := tensor.Full([]int64{2, 1, 3}, 5)

	require.NoError(t, ZeroPadding(x, []int{1, 3}))
	assert.Equal(t, []float32{5, 0, 0, 5, 5, 5}, x.Data())

	require.ErrorIs(t, ZeroPadding(x, []int{4, 1}), ErrInvalidLength)
}
