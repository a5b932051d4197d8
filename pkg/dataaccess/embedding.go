package dataaccess

import (
	"encoding/binary"
	"math"
)

// packEmbedding serializes a float32 vector as packed little-endian IEEE-754
// bytes, the wire format spec.md §6 mandates for the embedding BLOB column.
func packEmbedding(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// unpackEmbedding is packEmbedding's inverse.
func unpackEmbedding(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}
