// Package storage keeps the latest forecast of every PV site and stores
// persisted models as blobs.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

var (
	// ErrEmptyPvID is returned when storing a snapshot without PV id.
	ErrEmptyPvID = errors.New("snapshot pv id cannot be empty")

	// ErrInvalidKey is returned for ids or keys that cannot be used as a
	// storage key.
	ErrInvalidKey = errors.New("invalid storage key")

	// ErrBlobNotFound is returned when reading a blob that does not exist.
	ErrBlobNotFound = errors.New("blob not found")
)

// Snapshot is one forecast for one PV site: Powers[i] is the predicted
// power over [i*HorizonMinutes, (i+1)*HorizonMinutes) minutes after
// GeneratedAt. NaN means no prediction.
type Snapshot struct {
	PvID           string
	GeneratedAt    time.Time
	HorizonMinutes int
	Powers         []float64

	// Model is the name of the model that produced the forecast.
	Model string
}

type snapshotJSON struct {
	PvID           string     `json:"pv_id"`
	GeneratedAt    time.Time  `json:"generated_at"`
	HorizonMinutes int        `json:"horizon_minutes"`
	Powers         []*float64 `json:"powers"`
	Model          string     `json:"model,omitempty"`
}

// MarshalJSON encodes NaN powers as null, which encoding/json refuses to
// encode as numbers.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(snapshotJSON{
		PvID:           s.PvID,
		GeneratedAt:    s.GeneratedAt,
		HorizonMinutes: s.HorizonMinutes,
		Powers:         NullableFloats(s.Powers),
		Model:          s.Model,
	})
}

// UnmarshalJSON decodes null powers as NaN.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var v snapshotJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	powers := make([]float64, len(v.Powers))
	for i, p := range v.Powers {
		if p == nil {
			powers[i] = math.NaN()
		} else {
			powers[i] = *p
		}
	}
	*s = Snapshot{
		PvID:           v.PvID,
		GeneratedAt:    v.GeneratedAt,
		HorizonMinutes: v.HorizonMinutes,
		Powers:         powers,
		Model:          v.Model,
	}
	return nil
}

// NullableFloats maps NaN and infinities to nil.
func NullableFloats(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i := range values {
		if math.IsNaN(values[i]) || math.IsInf(values[i], 0) {
			continue
		}
		v := values[i]
		out[i] = &v
	}
	return out
}

// Store keeps the latest snapshot per PV id.
type Store interface {
	Put(ctx context.Context, snapshot Snapshot) error
	GetLatest(ctx context.Context, pvID string) (Snapshot, bool, error)
}
