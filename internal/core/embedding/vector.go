package embedding

import (
	"encoding/binary"
	"math"
)

// Cosine は2つのベクトルのコサイン類似度を返す。
// 次元が一致しない場合やゼロベクトルの場合は 0 を返す。
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Quantize は float ベクトルを1バイト/次元の符号付き整数へ量子化する。
// 各値は [-1, 1] にクランプされたのち round(x * 127) で写像される。
func Quantize(vec []float32) []int8 {
	out := make([]int8, len(vec))
	for i, v := range vec {
		x := float64(v)
		if x > 1 {
			x = 1
		} else if x < -1 {
			x = -1
		}
		out[i] = int8(math.Round(x * 127))
	}
	return out
}

// Dequantize は量子化ベクトルを float ベクトルへ復元する。
// 往復誤差は 1/127 + ε で抑えられる。
func Dequantize(q []int8) []float32 {
	out := make([]float32, len(q))
	for i, v := range q {
		out[i] = float32(v) / 127.0
	}
	return out
}

// EncodeFloat32 はベクトルをリトルエンディアンの4バイト/次元へ
// バイナリエンコードする。ストレージへの一括転送用。
func EncodeFloat32(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeFloat32 は EncodeFloat32 の逆変換を行う。
func DecodeFloat32(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// EncodeInt8 は量子化ベクトルを1バイト/次元へエンコードする。
func EncodeInt8(q []int8) []byte {
	buf := make([]byte, len(q))
	for i, v := range q {
		buf[i] = byte(v)
	}
	return buf
}

// DecodeInt8 は EncodeInt8 の逆変換を行う。
func DecodeInt8(buf []byte) []int8 {
	q := make([]int8, len(buf))
	for i, b := range buf {
		q[i] = int8(b)
	}
	return q
}
