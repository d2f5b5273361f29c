package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantizeRoundTrip(t *testing.T) {
	// [-1, 1] の任意の値で往復誤差が 1/127 + ε に収まること
	const bound = 1.0/127.0 + 1e-6

	values := []float32{-1, -0.999, -0.5, -1.0 / 127.0, -0.001, 0, 0.001, 1.0 / 254.0, 0.25, 0.5, 0.75, 0.999, 1}
	for _, x := range values {
		q := Quantize([]float32{x})
		back := Dequantize(q)
		assert.LessOrEqual(t, math.Abs(float64(back[0])-float64(x)), bound, "x=%v", x)
	}
}

func TestQuantizeClampsOutOfRange(t *testing.T) {
	q := Quantize([]float32{2.5, -3.0})
	assert.Equal(t, int8(127), q[0])
	assert.Equal(t, int8(-127), q[1])
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)

	// 次元不一致やゼロベクトルは 0
	assert.Equal(t, 0.0, Cosine([]float32{1, 0}, []float32{1}))
	assert.Equal(t, 0.0, Cosine([]float32{0, 0}, []float32{1, 0}))
}

func TestBinaryEncodingRoundTrip(t *testing.T) {
	vec := []float32{0.1, -0.25, 1, -1, 0}

	buf := EncodeFloat32(vec)
	require.Len(t, buf, 4*len(vec))
	assert.Equal(t, vec, DecodeFloat32(buf))

	q := Quantize(vec)
	qbuf := EncodeInt8(q)
	require.Len(t, qbuf, len(vec))
	assert.Equal(t, q, DecodeInt8(qbuf))
}
