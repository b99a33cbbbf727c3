// Package transport implements the engine's remote-resource capability:
// fetch a byte range, report its size and whether it supports ranged
// reads, and close cleanly.
//
// Selection is by URL scheme through an explicit registry populated at
// startup — a mapping from scheme string to a constructor, one
// registration per provider — rather than runtime plugin discovery:
// see Register/Open below.
package transport

import (
	"context"
	"fmt"
)

// Transport fetches ranges of one remote or local resource.
type Transport interface {
	// FetchRange returns exactly length bytes starting at offset, or an
	// error. Implementations that cannot service length in one transfer
	// must either split internally or return mferr.ErrTransportSizeExceeded
	// so the caller can re-plan at a finer granularity.
	FetchRange(ctx context.Context, offset, length uint64) ([]byte, error)
	// Size returns the resource's total byte length.
	Size(ctx context.Context) (uint64, error)
	// SupportsRanges reports whether partial fetches are possible; false
	// means every FetchRange call requires a full-resource transfer.
	SupportsRanges(ctx context.Context) bool
	Close() error
}

// Constructor builds a Transport for a URL whose scheme it is registered
// under.
type Constructor func(url string) (Transport, error)

var registry = map[string]Constructor{}

// Register associates a URL scheme with a provider constructor. Intended
// to be called from package init() functions, mirroring one
// registration per provider rather than dynamic discovery.
func Register(scheme string, ctor Constructor) {
	registry[scheme] = ctor
}

// Open builds a Transport for url using the constructor registered for
// its scheme.
func Open(scheme, url string) (Transport, error) {
	ctor, ok := registry[scheme]
	if !ok {
		return nil, fmt.Errorf("transport: no provider registered for scheme %q", scheme)
	}
	return ctor(url)
}
