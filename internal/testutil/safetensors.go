// Package testutil builds tiny but real model fixtures and a fake hub for
// tests across packages.
package testutil

import (
	"encoding/binary"
	"encoding/json"
	"math"
)

// Tensor is one safetensors entry. Data is already encoded for Dtype.
type Tensor struct {
	Name  string
	Dtype string
	Shape []int
	Data  []byte
}

// F32 builds an F32 tensor.
func F32(name string, shape []int, v []float32) Tensor {
	b := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	return Tensor{Name: name, Dtype: "F32", Shape: shape, Data: b}
}

// BF16 builds a BF16 tensor by truncating float32 values.
func BF16(name string, shape []int, v []float32) Tensor {
	b := make([]byte, 2*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(math.Float32bits(x)>>16))
	}
	return Tensor{Name: name, Dtype: "BF16", Shape: shape, Data: b}
}

// F16Raw builds an F16 tensor from raw IEEE half bit patterns.
func F16Raw(name string, shape []int, bits []uint16) Tensor {
	b := make([]byte, 2*len(bits))
	for i, x := range bits {
		binary.LittleEndian.PutUint16(b[2*i:], x)
	}
	return Tensor{Name: name, Dtype: "F16", Shape: shape, Data: b}
}

// Safetensors encodes tensors into the safetensors container format.
func Safetensors(tensors []Tensor) []byte {
	type entry struct {
		Dtype       string   `json:"dtype"`
		Shape       []int    `json:"shape"`
		DataOffsets [2]int64 `json:"data_offsets"`
	}
	header := map[string]any{"__metadata__": map[string]string{"format": "pt"}}
	var off int64
	for _, t := range tensors {
		header[t.Name] = entry{Dtype: t.Dtype, Shape: t.Shape, DataOffsets: [2]int64{off, off + int64(len(t.Data))}}
		off += int64(len(t.Data))
	}
	hb, _ := json.Marshal(header)
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}
	out := make([]byte, 8, 8+len(hb)+int(off))
	binary.LittleEndian.PutUint64(out, uint64(len(hb)))
	out = append(out, hb...)
	for _, t := range tensors {
		out = append(out, t.Data...)
	}
	return out
}
