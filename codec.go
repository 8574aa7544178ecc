package lore

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DefaultEmbeddingDim is the dimension of the stock embedding model
// (all-minilm) and of the server's vector column.
const DefaultEmbeddingDim = 384

// EncodeVector packs a vector into its canonical binary form: IEEE 754
// float32 components, little-endian, 4 bytes each, no header. This is
// the layout stored in the embedded database and used for any on-disk
// interchange between local installations.
func EncodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a canonical binary vector. A length that is not
// a multiple of 4 means the blob is corrupt.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
