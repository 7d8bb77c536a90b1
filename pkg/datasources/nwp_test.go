package datasources

import (
	"errors"
	"testing"
	"time"
)

// testNwpCube has init times every 6h starting at t0, hourly steps 0..12,
// a 3x3 lat/lon grid and two variables. Value = init index*1000 + step
// hours*10 + variable index.
func testNwpCube() *Cube {
	times := []time.Time{t0, t0.Add(6 * time.Hour), t0.Add(12 * time.Hour)}
	steps := make([]time.Duration, 13)
	for i := range steps {
		steps[i] = time.Duration(i) * time.Hour
	}
	c := NewCube(times, steps, []float64{49, 50, 51}, []float64{-1, 0, 1}, []string{"dswrf", "t"})
	for ti := range times {
		for si := range steps {
			for x := range c.X {
				for y := range c.Y {
					for v := range c.Variables {
						c.Set(ti, si, x, y, v, float64(ti*1000+si*10+v))
					}
				}
			}
		}
	}
	return c
}

func newTestNwpSource(t *testing.T, opts NwpOptions) *NwpSource {
	t.Helper()
	s, err := NewNwpSourceFromCube(testNwpCube(), opts)
	if err != nil {
		t.Fatalf("NewNwpSourceFromCube() error = %v", err)
	}
	return s
}

func TestNwpSource_Get_ForwardFill(t *testing.T) {
	s := newTestNwpSource(t, NwpOptions{})

	now := t0.Add(8 * time.Hour)
	timestamps := []time.Time{now, now.Add(time.Hour), now.Add(3*time.Hour + 20*time.Minute)}

	got, err := s.Get(now, timestamps, NearestRegion(50.2, 0.1), 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.InitTime().Equal(t0.Add(6 * time.Hour)) {
		t.Errorf("init time = %v, want 06:00", got.InitTime())
	}
	if got.X[0] != 50 || got.Y[0] != 0 {
		t.Errorf("nearest point = (%v, %v), want (50, 0)", got.X[0], got.Y[0])
	}

	// Steps 2h, 3h and 5h after the 06:00 init.
	want := []float64{1020, 1030, 1050}
	gotSeries := got.Series(0, 0, 0, 0)
	if !floatsEqual(gotSeries, want) {
		t.Errorf("dswrf = %v, want %v", gotSeries, want)
	}
}

func TestNwpSource_Get_Lag(t *testing.T) {
	s := newTestNwpSource(t, NwpOptions{LagMinutes: 180})

	now := t0.Add(8 * time.Hour)
	got, err := s.Get(now, []time.Time{now}, NearestRegion(50, 0), 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.InitTime().Equal(t0) {
		t.Errorf("init time = %v, want 00:00", got.InitTime())
	}
	// 8h after the 00:00 init.
	if v := got.At(0, 0, 0, 0, 0); v != 80 {
		t.Errorf("value = %v, want 80", v)
	}
}

func TestNwpSource_Get_Tolerance(t *testing.T) {
	tests := []struct {
		name      string
		opts      NwpOptions
		tolerance time.Duration
		now       time.Time
		wantErr   error
	}{
		{"within tolerance", NwpOptions{}, 3 * time.Hour, t0.Add(8 * time.Hour), nil},
		{"too old", NwpOptions{}, time.Hour, t0.Add(8 * time.Hour), ErrNoNwpAvailable},
		{"source default", NwpOptions{Tolerance: time.Hour}, 0, t0.Add(8 * time.Hour), ErrNoNwpAvailable},
		{"argument overrides default", NwpOptions{Tolerance: time.Hour}, 3 * time.Hour, t0.Add(8 * time.Hour), nil},
		{"before first init", NwpOptions{}, 0, t0.Add(-time.Minute), ErrNoNwpAvailable},
		{"no tolerance", NwpOptions{}, 0, t0.Add(72 * time.Hour), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestNwpSource(t, tt.opts)
			_, err := s.Get(tt.now, []time.Time{tt.now}, NearestRegion(50, 0), tt.tolerance)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Get() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNwpSource_Get_TimestampBeforeNow(t *testing.T) {
	s := newTestNwpSource(t, NwpOptions{})
	now := t0.Add(8 * time.Hour)
	_, err := s.Get(now, []time.Time{now.Add(-time.Minute)}, Region{}, 0)
	if !errors.Is(err, ErrTimestampBeforeNow) {
		t.Errorf("Get() error = %v, want ErrTimestampBeforeNow", err)
	}
}

func TestNwpSource_Variables(t *testing.T) {
	s := newTestNwpSource(t, NwpOptions{Variables: []string{"t"}})
	if vars := s.ListVariables(); len(vars) != 1 || vars[0] != "t" {
		t.Fatalf("ListVariables() = %v", vars)
	}

	now := t0.Add(6 * time.Hour)
	got, err := s.Get(now, []time.Time{now}, NearestRegion(50, 0), 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v := got.At(0, 0, 0, 0, 0); v != 1001 {
		t.Errorf("t = %v, want 1001", v)
	}

	if _, err := NewNwpSourceFromCube(testNwpCube(), NwpOptions{Variables: []string{"nope"}}); err == nil {
		t.Error("expected error for unknown variable")
	}
}

func TestNwpSource_NoStepFilter(t *testing.T) {
	s := newTestNwpSource(t, NwpOptions{NoStepFilter: true})
	now := t0.Add(6 * time.Hour)
	got, err := s.Get(now, []time.Time{now}, Region{}, 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if shape := got.Shape(); shape != [5]int{1, 13, 3, 3, 2} {
		t.Errorf("shape = %v", shape)
	}
}

func TestNwpSource_UnsortedTimes(t *testing.T) {
	c := testNwpCube()
	reversed := c.Select([]int{2, 1, 0}, nil, nil, nil, nil)

	s, err := NewNwpSourceFromCube(reversed, NwpOptions{})
	if err != nil {
		t.Fatalf("NewNwpSourceFromCube() error = %v", err)
	}
	now := t0.Add(7 * time.Hour)
	got, err := s.Get(now, []time.Time{now}, NearestRegion(50, 0), 0)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if v := got.At(0, 0, 0, 0, 0); v != 1010 {
		t.Errorf("value = %v, want 1010", v)
	}
	if !reversed.Times[0].Equal(c.Times[2]) || reversed.At(0, 0, 0, 0, 0) != c.At(2, 0, 0, 0, 0) {
		t.Error("NewNwpSourceFromCube() reordered the caller's cube")
	}
}

func TestConcatCubesOnTime(t *testing.T) {
	c := testNwpCube()
	a := c.Select([]int{2}, nil, nil, nil, nil)
	b := c.Select([]int{0, 1}, nil, nil, nil, nil)

	got, err := ConcatCubesOnTime(a, b)
	if err != nil {
		t.Fatalf("ConcatCubesOnTime() error = %v", err)
	}
	if len(got.Times) != 3 || !got.Times[0].Equal(t0) {
		t.Fatalf("times = %v", got.Times)
	}
	if v := got.At(2, 1, 0, 0, 0); v != 2010 {
		t.Errorf("value = %v, want 2010", v)
	}

	bad := c.Select(nil, []int{0}, nil, nil, nil)
	if _, err := ConcatCubesOnTime(a, bad); err == nil {
		t.Error("expected error for mismatched steps")
	}
}
