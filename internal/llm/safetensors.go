package llm

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
)

const maxHeaderBytes = 100 << 20

type tensorInfo struct {
	Dtype   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// stFile is one open safetensors shard.
type stFile struct {
	path      string
	f         *os.File
	dataStart int64
	tensors   map[string]tensorInfo
}

func openSafetensors(path string) (*stFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := parseHeader(path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return st, nil
}

func parseHeader(path string, f *os.File) (*stFile, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read header length: %w", err)
	}
	n := binary.LittleEndian.Uint64(lenBuf[:])
	if n == 0 || n > maxHeaderBytes || int64(n)+8 > fi.Size() {
		return nil, fmt.Errorf("invalid header length %d", n)
	}
	hdr := make([]byte, n)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(hdr, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	st := &stFile{path: path, f: f, dataStart: 8 + int64(n), tensors: make(map[string]tensorInfo, len(raw))}
	dataLen := fi.Size() - st.dataStart
	for name, msg := range raw {
		if name == "__metadata__" {
			continue
		}
		var ti tensorInfo
		if err := json.Unmarshal(msg, &ti); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		if ti.Offsets[0] < 0 || ti.Offsets[1] < ti.Offsets[0] || ti.Offsets[1] > dataLen {
			return nil, fmt.Errorf("tensor %s: offsets %v outside data section of %d bytes", name, ti.Offsets, dataLen)
		}
		st.tensors[name] = ti
	}
	return st, nil
}

func dtypeSize(dtype string) (int, error) {
	switch dtype {
	case "F32":
		return 4, nil
	case "F16", "BF16":
		return 2, nil
	default:
		return 0, fmt.Errorf("%w: dtype %s", ErrUnsupported, dtype)
	}
}

func (s *stFile) read(name string, ti tensorInfo) ([]float32, error) {
	size, err := dtypeSize(ti.Dtype)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	numel := 1
	for _, d := range ti.Shape {
		numel *= d
	}
	if int64(numel*size) != ti.Offsets[1]-ti.Offsets[0] {
		return nil, fmt.Errorf("tensor %s: shape %v does not match %d bytes", name, ti.Shape, ti.Offsets[1]-ti.Offsets[0])
	}
	buf := make([]byte, ti.Offsets[1]-ti.Offsets[0])
	if _, err := s.f.ReadAt(buf, s.dataStart+ti.Offsets[0]); err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	out := make([]float32, numel)
	switch ti.Dtype {
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
	case "F16":
		for i := range out {
			out[i] = f16ToF32(binary.LittleEndian.Uint16(buf[2*i:]))
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(buf[2*i:])) << 16)
		}
	}
	return out, nil
}

func f16ToF32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h & 0x3ff)
	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: shift until the implicit bit appears.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
	}
}

// shardSet indexes tensors across every shard of a checkpoint.
type shardSet struct {
	files []*stFile
	index map[string]*stFile
}

func openShards(paths []string) (*shardSet, error) {
	s := &shardSet{index: make(map[string]*stFile)}
	for _, p := range paths {
		st, err := openSafetensors(p)
		if err != nil {
			s.Close()
			return nil, &LoadError{Path: p, Err: err}
		}
		s.files = append(s.files, st)
		for name := range st.tensors {
			if prev, dup := s.index[name]; dup {
				s.Close()
				return nil, &LoadError{Path: p, Err: fmt.Errorf("tensor %s also in %s", name, prev.path)}
			}
			s.index[name] = st
		}
	}
	return s, nil
}

func (s *shardSet) has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// tensor reads name and checks it has the given shape.
func (s *shardSet) tensor(name string, shape ...int) ([]float32, error) {
	st, ok := s.index[name]
	if !ok {
		return nil, &LoadError{Path: name, Err: fmt.Errorf("tensor missing from checkpoint")}
	}
	ti := st.tensors[name]
	if !slices.Equal(ti.Shape, shape) {
		return nil, &LoadError{Path: st.path, Err: fmt.Errorf("tensor %s: shape %v, want %v", name, ti.Shape, shape)}
	}
	v, err := st.read(name, ti)
	if err != nil {
		return nil, &LoadError{Path: st.path, Err: err}
	}
	return v, nil
}

func (s *shardSet) Close() {
	for _, f := range s.files {
		f.f.Close()
	}
}
