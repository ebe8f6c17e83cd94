// Package store holds the run ledger backends.
package store

import (
	"fmt"

	"github.com/i474232898/weather-etl/internal/pipeline"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open returns the ledger for driver and a close function.
func Open(driver, path string, maxHistory int) (pipeline.RunStore, func() error, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemoryStore(maxHistory, 0), func() error { return nil }, nil
	case DriverSQLite:
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}
