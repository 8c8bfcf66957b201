// Package accession issues the externally visible identifiers of groups,
// tubes and specimens.
//
// Two strategies are available. FPEGenerator maps a persisted integer key
// through a keyed permutation so IDs look random but can never collide and
// can be reversed by the lab. RandomGenerator samples random strings and
// checks them against the store for entities that have no key yet.
package accession

import (
	"context"
	"fmt"
	"strings"

	"github.com/labtrack/labtrack/internal/platform/apperr"
)

// Keyed is a record that may carry a store-assigned integer key.
type Keyed interface {
	PersistedKey() (int64, bool)
}

// Generator assigns an accession ID to a record.
type Generator interface {
	Generate(ctx context.Context, rec Keyed) (string, error)
}

// Key adapts a bare integer key to Keyed. Zero and negative keys count as
// not persisted.
type Key int64

func (k Key) PersistedKey() (int64, bool) { return int64(k), k > 0 }

// Unkeyed is the Keyed value for records that are not stored yet.
var Unkeyed Keyed = Key(0)

// Strategy names a way of generating IDs for an entity type.
type Strategy string

const (
	StrategyFPE    Strategy = "fpe"
	StrategyRandom Strategy = "random"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyFPE:
		return StrategyFPE, nil
	case StrategyRandom:
		return StrategyRandom, nil
	default:
		return "", fmt.Errorf("%w: unknown accession strategy %q (want fpe or random)", apperr.ErrConfiguration, s)
	}
}

// DefaultMaxAttempts bounds the random-retry loop.
const DefaultMaxAttempts = 1000
