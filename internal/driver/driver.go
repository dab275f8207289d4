// Package driver stores and retrieves dataset metadata: the key
// hierarchy, per-dataset raster statistics and bounds, and the raster
// file path each key combination resolves to. A Driver is backed either
// by a local SQLite file (read-write) or a read-only copy mirrored from
// an S3 bucket.
package driver

import (
	"context"

	"rastertile/internal/metadata"
)

// KeyDescription names one level of the key hierarchy, e.g. "region" or
// "sensor" (keys are ordered and positional: dataset lookups always
// supply them in the same order they were declared in at Create time).
type KeyDescription struct {
	Name        string
	Description string
}

// Dataset is one registered raster file and its precomputed metadata.
type Dataset struct {
	Keys        []string
	Path        string
	Bounds      [4]float64 // west, south, east, north, EPSG:4326
	NoData      float64
	Range       [2]float64
	Mean        float64
	Stdev       float64
	Percentiles [99]float64
	Metadata    map[string]string
}

// InsertOptions parameterizes Driver.Insert.
type InsertOptions struct {
	// Metadata is an opaque user-supplied blob folded into the dataset's
	// record alongside (not instead of) its computed statistics.
	Metadata map[string]string
	// OverridePath, when set, is stored as the dataset's path instead of
	// the path statistics were computed from.
	OverridePath string
	// SkipMetadata, when true, stores Path without precomputed statistics
	// (spec's "insert with skip_metadata" fast path); the dataset's bounds,
	// range, mean, stdev and percentiles then read back as zeros.
	SkipMetadata bool
	// Warnings, if non-nil, receives non-fatal warnings surfaced while
	// computing statistics. Ignored when SkipMetadata is set.
	Warnings metadata.Warnings
}

// Driver is the metadata store contract shared by the local and remote
// backends.
//
// Every operation below except Connect and Close requires an active
// connection scope: call Connect, use the driver, then call the
// returned release func. Operations invoked outside any scope fail with
// rterrors.NotConnected. Connect is reentrant by reference count —
// nested Connect calls on the same Driver share one physical connection
// and it closes only once the outermost release runs.
type Driver interface {
	// Connect acquires (or, if already connected, shares) the driver's
	// physical connection. release must be called exactly once.
	Connect(ctx context.Context) (release func(), err error)

	// Create initializes a new, empty database with the given key
	// hierarchy. Fails if a database already exists at the driver's path.
	Create(ctx context.Context, keys []KeyDescription) error

	// Insert registers keyValues -> path, always (re)computing statistics
	// from path unless opts.SkipMetadata is set. opts.Metadata is an
	// opaque blob merged into the stored record; opts.OverridePath, if
	// set, is stored in place of path once statistics are computed.
	Insert(ctx context.Context, keyValues []string, path string, opts InsertOptions) error

	// Delete removes the dataset registered under keyValues.
	Delete(ctx context.Context, keyValues []string) error

	// Keys returns the driver's key hierarchy, in declaration order.
	Keys(ctx context.Context) ([]KeyDescription, error)

	// Datasets returns every dataset matching where, an equality
	// predicate over an arbitrary subset of declared key names (nil or
	// empty matches everything), paginated in stable insertion order.
	Datasets(ctx context.Context, where map[string]string, limit, offset int) ([]Dataset, error)

	// Get returns a single dataset by its full key sequence.
	Get(ctx context.Context, keyValues []string) (*Dataset, error)

	// Close releases the driver's resources.
	Close() error
}
