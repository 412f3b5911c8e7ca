package llm

import (
	"math"
	"sync"
)

// matrix is row-major with rows = output features, as in nn.Linear.
type matrix struct {
	rows, cols int
	w          []float32
}

func (m matrix) row(i int) []float32 { return m.w[i*m.cols : (i+1)*m.cols] }

// parallelThreshold is the multiply-add count below which splitting a
// matvec across goroutines costs more than it saves.
const parallelThreshold = 1 << 16

// matvec computes out = w·x, splitting rows across the model's threads.
func (m *Model) matvec(out []float32, w matrix, x []float32) {
	workers := m.threads
	if workers <= 1 || w.rows*w.cols < parallelThreshold {
		matvecRows(out, w, x, 0, w.rows)
		return
	}
	chunk := (w.rows + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < w.rows; lo += chunk {
		hi := min(lo+chunk, w.rows)
		wg.Add(1)
		go func() {
			defer wg.Done()
			matvecRows(out, w, x, lo, hi)
		}()
	}
	wg.Wait()
}

func matvecRows(out []float32, w matrix, x []float32, lo, hi int) {
	for r := lo; r < hi; r++ {
		out[r] = dot(w.w[r*w.cols:(r+1)*w.cols], x)
	}
}

func dot(a, b []float32) float32 {
	var s0, s1, s2, s3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}
	return (s0 + s1) + (s2 + s3)
}

// axpy computes y += a*x.
func axpy(y []float32, a float32, x []float32) {
	for i := range y {
		y[i] += a * x[i]
	}
}

func addBias(v, b []float32) {
	if b == nil {
		return
	}
	axpy(v, 1, b)
}

func rmsnorm(out, x, w []float32, eps float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1 / math.Sqrt(ss/float64(len(x))+float64(eps)))
	for i, v := range x {
		out[i] = v * inv * w[i]
	}
}

func softmax32(v []float32) {
	mx := v[0]
	for _, x := range v[1:] {
		if x > mx {
			mx = x
		}
	}
	var sum float32
	for i, x := range v {
		e := float32(math.Exp(float64(x - mx)))
		v[i] = e
		sum += e
	}
	for i := range v {
		v[i] /= sum
	}
}

func silu(x float32) float32 { return x / (1 + float32(math.Exp(float64(-x)))) }
