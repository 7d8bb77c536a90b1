package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// PvID identifies a PV site. Ids are always strings, even when the
// underlying dataset stores them as numbers.
type PvID = string

// X is the input of a PV site model: which site, and the time at which the
// prediction is made (typically "now").
type X struct {
	PvID PvID
	TS   time.Time
}

// Horizon is a [Start, End) window in minutes relative to X.TS.
type Horizon struct {
	Start int
	End   int
}

// Mid returns the middle of the horizon, in minutes.
func (h Horizon) Mid() float64 {
	return float64(h.Start+h.End) / 2
}

// Horizons is the list of time windows a model predicts for. The i-th horizon
// is [duration*i, duration*(i+1)) minutes from "now".
//
// Horizons is immutable once built.
type Horizons struct {
	duration int
	num      int
}

// ErrInvalidHorizons is returned for a non-positive horizon duration or count.
var ErrInvalidHorizons = errors.New("invalid horizons")

// NewHorizons creates num consecutive horizons of durationMinutes each.
func NewHorizons(durationMinutes, num int) (Horizons, error) {
	if durationMinutes <= 0 || num <= 0 {
		return Horizons{}, fmt.Errorf("%w: duration=%d num=%d", ErrInvalidHorizons, durationMinutes, num)
	}
	return Horizons{duration: durationMinutes, num: num}, nil
}

// MustHorizons is like NewHorizons but panics on invalid arguments.
func MustHorizons(durationMinutes, num int) Horizons {
	h, err := NewHorizons(durationMinutes, num)
	if err != nil {
		panic(err)
	}
	return h
}

// Duration returns the length of a single horizon in minutes.
func (h Horizons) Duration() int { return h.duration }

// Len returns the number of horizons.
func (h Horizons) Len() int { return h.num }

// At returns the i-th horizon.
//
// Indices below -Len() or at/after Len() are rejected. A negative index i in
// [-Len(), 0) is remapped to Len()-i, which is how the horizon list has always
// behaved; callers that need the last horizon should use At(Len()-1).
func (h Horizons) At(i int) (Horizon, error) {
	if i < -h.num || i >= h.num {
		return Horizon{}, fmt.Errorf("horizon index %d out of range [0, %d)", i, h.num)
	}
	if i < 0 {
		i = h.num - i
	}
	return Horizon{Start: h.duration * i, End: h.duration * (i + 1)}, nil
}

// All returns every horizon in order.
func (h Horizons) All() []Horizon {
	out := make([]Horizon, h.num)
	for i := range out {
		out[i] = Horizon{Start: h.duration * i, End: h.duration * (i + 1)}
	}
	return out
}

// MaxEnd returns the end of the last horizon, in minutes.
func (h Horizons) MaxEnd() int {
	return h.duration * h.num
}

type horizonsJSON struct {
	Duration int `json:"duration"`
	Num      int `json:"num_horizons"`
}

// MarshalJSON implements json.Marshaler.
func (h Horizons) MarshalJSON() ([]byte, error) {
	return json.Marshal(horizonsJSON{Duration: h.duration, Num: h.num})
}

// UnmarshalJSON implements json.Unmarshaler.
func (h *Horizons) UnmarshalJSON(data []byte) error {
	var v horizonsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := NewHorizons(v.Duration, v.Num)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Y is the output of a PV site model: one power value per horizon. NaN means
// no prediction for that horizon.
type Y struct {
	Powers []float64
}

// NewEmptyY returns a Y with n NaN powers.
func NewEmptyY(n int) Y {
	powers := make([]float64, n)
	for i := range powers {
		powers[i] = math.NaN()
	}
	return Y{Powers: powers}
}

// Equal compares element-wise, treating two NaNs as equal.
func (y Y) Equal(other Y) bool {
	if len(y.Powers) != len(other.Powers) {
		return false
	}
	for i, a := range y.Powers {
		b := other.Powers[i]
		if math.IsNaN(a) && math.IsNaN(b) {
			continue
		}
		if a != b {
			return false
		}
	}
	return true
}

// Features are model inputs computed from X. Each feature is a vector with
// one value per horizon.
type Features map[string][]float64

// Clone returns a deep copy.
func (f Features) Clone() Features {
	out := make(Features, len(f))
	for k, v := range f {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// Sample is a fully materialised training or evaluation example.
type Sample struct {
	X        X
	Y        Y
	Features Features
}

// Config holds the metadata every model must define.
type Config struct {
	Horizons Horizons `json:"horizons"`
}
