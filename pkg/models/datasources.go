package models

import (
	"github.com/HatiCode/pvsite/pkg/datasources"
)

// DataSources are the inputs a model reads from. NWP and satellite sources
// are keyed by a short provider name, e.g. "ukv" or "seviri".
type DataSources struct {
	PV        datasources.PvDataSource
	NWP       map[string]datasources.NwpDataSource
	Satellite map[string]datasources.NwpDataSource
}
