// Package catalog resolves upstream sources and their connection limits.
package catalog

import (
	"github.com/thomasbambino/streamcore/internal/config"
)

// Source describes an upstream provider whose concurrent connections may
// be limited by contract.
type Source struct {
	// ID is the stable identifier sessions reference.
	ID string `json:"id"`

	// Name is a display name for the source.
	Name string `json:"name"`

	// MaxConnections is the concurrent connection ceiling, nil when the
	// source is unbounded. A configured limit of zero means unbounded;
	// both forms behave identically everywhere.
	MaxConnections *int `json:"max_connections,omitempty"`
}

// IsBounded returns true when the source enforces a connection ceiling.
func (s *Source) IsBounded() bool {
	return s.MaxConnections != nil
}

// Catalog resolves source IDs to their definitions.
type Catalog interface {
	// Lookup returns the source with the given ID, or nil when unknown.
	Lookup(id string) *Source
	// All returns all known sources in configuration order.
	All() []*Source
}

// staticCatalog serves sources defined in the configuration file.
type staticCatalog struct {
	byID  map[string]*Source
	order []*Source
}

// NewStaticCatalog builds a catalog from configured sources.
func NewStaticCatalog(configs []config.SourceConfig) *staticCatalog {
	c := &staticCatalog{
		byID: make(map[string]*Source, len(configs)),
	}
	for _, sc := range configs {
		source := &Source{
			ID:   sc.ID,
			Name: sc.Name,
		}
		if sc.MaxConnections > 0 {
			limit := sc.MaxConnections
			source.MaxConnections = &limit
		}
		c.byID[source.ID] = source
		c.order = append(c.order, source)
	}
	return c
}

// Lookup returns the source with the given ID, or nil when unknown.
func (c *staticCatalog) Lookup(id string) *Source {
	return c.byID[id]
}

// All returns all known sources in configuration order.
func (c *staticCatalog) All() []*Source {
	return c.order
}

// Ensure staticCatalog implements Catalog at compile time.
var _ Catalog = (*staticCatalog)(nil)
