package models

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/HatiCode/pvsite/pkg/storage"
)

// modelEnvelope is the persisted form of a model.
type modelEnvelope struct {
	Type  string          `json:"type"`
	State json.RawMessage `json:"state"`
}

type modelLoader func(decode func(any) error) (Model, error)

// loaders is filled in init: the multi model loader refers back to it.
var loaders map[string]modelLoader

func init() {
	loaders = map[string]modelLoader{
		"historical_forecasts": loadHistoricalForecasts,
		"multi":                loadMultiModel,
		"yesterday":            loadYesterday,
		"recent_history":       loadRecentHistory,
	}
}

// PersistableTypes lists the model names that can be loaded.
func PersistableTypes() []string {
	out := make([]string, 0, len(loaders))
	for name := range loaders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func encodeModel(m Model) (modelEnvelope, error) {
	s, ok := m.(Stateful)
	if !ok {
		return modelEnvelope{}, fmt.Errorf("model %q cannot be persisted", m.Name())
	}
	state, err := s.State()
	if err != nil {
		return modelEnvelope{}, fmt.Errorf("state of model %q: %w", m.Name(), err)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return modelEnvelope{}, fmt.Errorf("encode model %q: %w", m.Name(), err)
	}
	return modelEnvelope{Type: m.Name(), State: raw}, nil
}

func decodeModel(env modelEnvelope) (Model, error) {
	load, ok := loaders[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown model type %q", env.Type)
	}
	return load(func(v any) error {
		dec := json.NewDecoder(bytes.NewReader(env.State))
		dec.DisallowUnknownFields()
		if err := dec.Decode(v); err != nil {
			return fmt.Errorf("decode %s state: %w", env.Type, err)
		}
		return nil
	})
}

// MarshalModel encodes a model to JSON. Data sources are not included.
func MarshalModel(m Model) ([]byte, error) {
	env, err := encodeModel(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalModel decodes a model encoded with MarshalModel. Models that
// read data need SetDataSources before predicting.
func UnmarshalModel(data []byte) (Model, error) {
	var env modelEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode model envelope: %w", err)
	}
	return decodeModel(env)
}

// openBlob resolves model URIs.
var openBlob = storage.OpenBlob

// SaveModel writes a model to uri: a local path or redis://host:port/db/key.
func SaveModel(ctx context.Context, m Model, uri string) (err error) {
	data, err := MarshalModel(m)
	if err != nil {
		return err
	}
	blobs, key, err := openBlob(uri)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := blobs.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close model store: %w", cerr))
		}
	}()
	if err := blobs.Put(ctx, key, data); err != nil {
		return fmt.Errorf("save model to %s: %w", uri, err)
	}
	return nil
}

// LoadModel reads a model written by SaveModel.
func LoadModel(ctx context.Context, uri string) (_ Model, err error) {
	blobs, key, err := openBlob(uri)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := blobs.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close model store: %w", cerr))
		}
	}()
	data, err := blobs.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load model from %s: %w", uri, err)
	}
	return UnmarshalModel(data)
}
