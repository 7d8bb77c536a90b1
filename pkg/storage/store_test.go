package storage

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func TestSnapshot_JSONNaN(t *testing.T) {
	s := Snapshot{
		PvID:           "pv-1",
		GeneratedAt:    time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC),
		HorizonMinutes: 30,
		Powers:         []float64{1.5, math.NaN(), math.Inf(1), 0},
		Model:          "yesterday",
	}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(data), `"powers":[1.5,null,null,0]`) {
		t.Errorf("Marshal() = %s, want null for non-finite powers", data)
	}

	var got Snapshot
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.PvID != s.PvID || got.HorizonMinutes != 30 || got.Model != "yesterday" || !got.GeneratedAt.Equal(s.GeneratedAt) {
		t.Errorf("Unmarshal() = %+v", got)
	}
	want := []float64{1.5, math.NaN(), math.NaN(), 0}
	for i, w := range want {
		if math.IsNaN(w) != math.IsNaN(got.Powers[i]) || (!math.IsNaN(w) && w != got.Powers[i]) {
			t.Errorf("Powers[%d] = %v, want %v", i, got.Powers[i], w)
		}
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"pv-1", false},
		{"site_42.v2", false},
		{"", true},
		{"pv:1", true},
		{"pv 1", true},
		{"pv/1", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if err := ValidateKey(tt.key); (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}
