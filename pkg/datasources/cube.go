package datasources

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Canonical dimension names of gridded data once loaded.
const (
	DimTime     = "time"
	DimStep     = "step"
	DimX        = "x"
	DimY        = "y"
	DimVariable = "variable"
	VarValue    = "value"
)

// Cube is a labelled 5-D array with axes (time, step, x, y, variable).
// Time holds forecast init times in ascending order. Values are stored
// row-major in that axis order.
type Cube struct {
	Times     []time.Time
	Steps     []time.Duration
	X         []float64
	Y         []float64
	Variables []string
	Values    []float64

	// Attrs holds string attributes of the value array, e.g. "area".
	Attrs map[string]string
}

// NewCube allocates a NaN-filled cube with the given labels.
func NewCube(times []time.Time, steps []time.Duration, x, y []float64, variables []string) *Cube {
	c := &Cube{
		Times:     times,
		Steps:     steps,
		X:         x,
		Y:         y,
		Variables: variables,
		Attrs:     map[string]string{},
	}
	c.Values = nanVector(c.size())
	return c
}

func (c *Cube) size() int {
	return len(c.Times) * len(c.Steps) * len(c.X) * len(c.Y) * len(c.Variables)
}

// Shape returns the length of each axis.
func (c *Cube) Shape() [5]int {
	return [5]int{len(c.Times), len(c.Steps), len(c.X), len(c.Y), len(c.Variables)}
}

// Validate checks that values match the labels and that times ascend.
func (c *Cube) Validate() error {
	if len(c.Values) != c.size() {
		return fmt.Errorf("cube has %d values, want %d for shape %v", len(c.Values), c.size(), c.Shape())
	}
	for i := 1; i < len(c.Times); i++ {
		if !c.Times[i].After(c.Times[i-1]) {
			return fmt.Errorf("cube times not strictly ascending at index %d", i)
		}
	}
	return nil
}

// Index returns the flat index of an element.
func (c *Cube) Index(t, s, x, y, v int) int {
	return (((t*len(c.Steps)+s)*len(c.X)+x)*len(c.Y)+y)*len(c.Variables) + v
}

// At returns an element.
func (c *Cube) At(t, s, x, y, v int) float64 {
	return c.Values[c.Index(t, s, x, y, v)]
}

// Set sets an element.
func (c *Cube) Set(t, s, x, y, v int, value float64) {
	c.Values[c.Index(t, s, x, y, v)] = value
}

// VariableIndex returns the position of variable name, or -1.
func (c *Cube) VariableIndex(name string) int {
	for i, v := range c.Variables {
		if v == name {
			return i
		}
	}
	return -1
}

// Empty reports whether any axis has length zero.
func (c *Cube) Empty() bool { return c.size() == 0 }

// InitTime returns the first init time, or the zero time.
func (c *Cube) InitTime() time.Time {
	if len(c.Times) == 0 {
		return time.Time{}
	}
	return c.Times[0]
}

// Select returns a new cube with the given indices on each axis. A nil slice
// keeps the whole axis. Indices may repeat.
func (c *Cube) Select(times, steps, xs, ys, vars []int) *Cube {
	times = orAll(times, len(c.Times))
	steps = orAll(steps, len(c.Steps))
	xs = orAll(xs, len(c.X))
	ys = orAll(ys, len(c.Y))
	vars = orAll(vars, len(c.Variables))

	out := &Cube{
		Times:     pick(c.Times, times),
		Steps:     pick(c.Steps, steps),
		X:         pick(c.X, xs),
		Y:         pick(c.Y, ys),
		Variables: pick(c.Variables, vars),
		Attrs:     c.Attrs,
	}
	out.Values = make([]float64, 0, out.size())
	for _, t := range times {
		for _, s := range steps {
			for _, x := range xs {
				for _, y := range ys {
					for _, v := range vars {
						out.Values = append(out.Values, c.At(t, s, x, y, v))
					}
				}
			}
		}
	}
	return out
}

// Series returns the values of variable v over the step axis at (t, x, y).
func (c *Cube) Series(t, x, y, v int) []float64 {
	out := make([]float64, len(c.Steps))
	for s := range c.Steps {
		out[s] = c.At(t, s, x, y, v)
	}
	return out
}

// MeanXY averages over the x and y axes, ignoring NaNs. The result has a
// single x and y label, the mean of the original labels.
func (c *Cube) MeanXY() *Cube {
	out := NewCube(c.Times, c.Steps, []float64{mean(c.X)}, []float64{mean(c.Y)}, c.Variables)
	out.Attrs = c.Attrs
	for t := range c.Times {
		for s := range c.Steps {
			for v := range c.Variables {
				var sum float64
				var n int
				for x := range c.X {
					for y := range c.Y {
						val := c.At(t, s, x, y, v)
						if math.IsNaN(val) {
							continue
						}
						sum += val
						n++
					}
				}
				if n > 0 {
					out.Set(t, s, 0, 0, v, sum/float64(n))
				}
			}
		}
	}
	return out
}

// sortedByTime returns c with its time axis ascending. An unsorted cube is
// copied, never reordered in place.
func (c *Cube) sortedByTime() *Cube {
	if sort.SliceIsSorted(c.Times, func(i, j int) bool { return c.Times[i].Before(c.Times[j]) }) {
		return c
	}
	order := make([]int, len(c.Times))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool { return c.Times[order[i]].Before(c.Times[order[j]]) })
	return c.Select(order, nil, nil, nil, nil)
}

func orAll(idx []int, n int) []int {
	if idx != nil {
		return idx
	}
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func pick[T any](src []T, idx []int) []T {
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = src[j]
	}
	return out
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}
