package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Tensor is a dense, row-major float32 array. Image batches use NCHW layout.
type Tensor struct {
	Shape    []int
	Strides  []int
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, t.NumElems)
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim < 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must not be negative", i, dim)
		}
	}
	return nil
}

// New wraps data in a tensor of the given shape. data is used without copying.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := calculateNumElements(shape)
	if len(data) != n {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: n,
	}, nil
}

// Zeros allocates a zero-filled tensor. It panics on a negative dimension.
func Zeros(shape ...int) *Tensor {
	if err := validateShape(shape); err != nil {
		panic(err)
	}
	t, _ := New(shape, make([]float32, calculateNumElements(shape)))
	return t
}

// ZerosLike allocates a zero-filled tensor with the shape of t.
func ZerosLike(t *Tensor) *Tensor {
	return Zeros(t.Shape...)
}

// Reshape returns a view of t with a new shape sharing the same data.
func (t *Tensor) Reshape(newShape ...int) (*Tensor, error) {
	if calculateNumElements(newShape) != t.NumElems {
		return nil, errors.Errorf("cannot reshape %v into %v", t.Shape, newShape)
	}
	return New(newShape, t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	c, _ := New(t.Shape, data)
	return c
}

// Dim returns the number of dimensions.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Len returns the size of the leading (batch) dimension.
func (t *Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// SampleSize is the number of elements in one entry of the leading dimension.
func (t *Tensor) SampleSize() int {
	if len(t.Shape) == 0 || t.Shape[0] == 0 {
		return 0
	}
	return t.NumElems / t.Shape[0]
}

// SampleShape returns the shape without the leading dimension.
func (t *Tensor) SampleShape() []int {
	s := make([]int, len(t.Shape)-1)
	copy(s, t.Shape[1:])
	return s
}

// Sample returns the i-th entry of the leading dimension as a slice of t.Data.
func (t *Tensor) Sample(i int) []float32 {
	n := t.SampleSize()
	return t.Data[i*n : (i+1)*n]
}

// Gather builds a new tensor from the given leading-dimension indices, in order.
func (t *Tensor) Gather(indices []int) (*Tensor, error) {
	n := t.SampleSize()
	shape := append([]int{len(indices)}, t.Shape[1:]...)
	out := make([]float32, len(indices)*n)
	for j, idx := range indices {
		if idx < 0 || idx >= t.Len() {
			return nil, errors.Errorf("index %d out of range [0, %d)", idx, t.Len())
		}
		copy(out[j*n:(j+1)*n], t.Sample(idx))
	}
	return New(shape, out)
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}
