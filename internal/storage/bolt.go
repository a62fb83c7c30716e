// Package storage provides the BoltDB-backed local cache the pricing
// enricher (internal/pricing) consults before issuing an AWS Pricing API
// catalog query, keyed by (instance_type, region) so a redeployed daemon on
// an unchanged instance type avoids a network round trip on every run.
//
// Schema (BoltDB bucket layout):
//
//	/pricing_catalog
//	    key:   sha256(instance_type + "|" + region), hex-encoded
//	    value: JSON-encoded CatalogEntry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error on
//     Open(). The daemon logs a fatal-for-pricing error and disables the
//     pricing enricher for the run; it does not abort daemon startup over a
//     cache failure.
//   - Disk full: bbolt.Update() returns an error, logged; the enricher
//     falls back to an uncached catalog lookup for that call.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/tracer/tracer.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// bucketPricingCatalog is the BoltDB bucket name for cached pricing
	// catalog lookups.
	bucketPricingCatalog = "pricing_catalog"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"
)

// CatalogEntry is the persisted form of a resolved pricing catalog lookup
// for one (instance_type, region) pair. Stored as JSON in the
// pricing_catalog bucket. Fields are plain data (not internal/pricing
// types) so this package has no dependency on the pricing package —
// internal/pricing depends on internal/storage, not the reverse.
type CatalogEntry struct {
	InstanceType string              `json:"instance_type"`
	Region       string              `json:"region"`
	Candidates   []CatalogCandidate  `json:"candidates"`
	FetchedAt    time.Time           `json:"fetched_at"`
}

// CatalogCandidate mirrors pricing.Candidate's fields in a form independent
// of that package.
type CatalogCandidate struct {
	InstanceType    string  `json:"instance_type"`
	Region          string  `json:"region"`
	VCPU            int     `json:"vcpu"`
	MemoryGiB       float64 `json:"memory_gib"`
	PricePerUnit    float64 `json:"price_per_unit"`
	Unit            string  `json:"unit"`
	Tenancy         string  `json:"tenancy"`
	OperatingSystem string  `json:"operating_system"`
	EBSOptimized    bool    `json:"ebs_optimized"`
}

// DB wraps a BoltDB instance with typed accessors for Tracer's pricing
// catalog cache.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at the given path and
// initialises the pricing_catalog and meta buckets.
// Returns an error if the database is corrupt or cannot be created.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketPricingCatalog, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, daemon requires %q; "+
					"remove the file at its configured path to reset the cache",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// catalogKey computes the BoltDB key for a (instance_type, region) pair:
// sha256(instance_type + "|" + region), hex-encoded.
func catalogKey(instanceType, region string) []byte {
	h := sha256.Sum256([]byte(instanceType + "|" + region))
	key := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(key, h[:])
	return key
}

// PutCatalogEntry writes or updates a cached catalog lookup.
func (d *DB) PutCatalogEntry(entry CatalogEntry) error {
	entry.FetchedAt = time.Now().UTC()
	key := catalogKey(entry.InstanceType, entry.Region)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("PutCatalogEntry marshal: %w", err)
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPricingCatalog))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("PutCatalogEntry bolt.Put: %w", err)
		}
		return nil
	})
}

// GetCatalogEntry retrieves the cached catalog lookup for an
// (instance_type, region) pair. Returns (nil, nil) if no entry is cached,
// or if the cached entry is older than maxAge (the caller should then
// refresh from the live AWS Pricing API and call PutCatalogEntry).
func (d *DB) GetCatalogEntry(instanceType, region string, maxAge time.Duration) (*CatalogEntry, error) {
	key := catalogKey(instanceType, region)
	var entry CatalogEntry
	found := false

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPricingCatalog))
		data := b.Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, fmt.Errorf("GetCatalogEntry(%q, %q): %w", instanceType, region, err)
	}
	if !found {
		return nil, nil
	}
	if maxAge > 0 && time.Since(entry.FetchedAt) > maxAge {
		return nil, nil
	}
	return &entry, nil
}
