// Package models defines the records that flow through the medallion
// layers: raw API payloads, Bronze entries, typed Silver records and Gold
// aggregates, together with the partition key that segments Silver and Gold.
package models

import (
	"time"

	gojson "github.com/goccy/go-json"
)

// UnspecifiedState is the partition value used when a record has no state.
const UnspecifiedState = "UNSPECIFIED"

// RawRecord is one brewery object exactly as returned by the source API.
// It is owned by the Bronze layer and never modified.
type RawRecord = gojson.RawMessage

// Page is a single page fetched from the source API.
type Page struct {
	// Index is the 1-based page number sent to the API
	Index int
	// FetchedAt is when the page response was received
	FetchedAt time.Time
	// Records are the raw objects in API order
	Records []RawRecord
}

// BronzeEntry is a raw record stamped with ingestion metadata.
type BronzeEntry struct {
	RunID     string    `json:"run_id"`
	Page      int       `json:"page"`
	Position  int       `json:"position"`
	FetchedAt time.Time `json:"fetched_at"`
	Record    RawRecord `json:"record"`
}

// BreweryType is the validated brewery category.
type BreweryType string

// BreweryTypeUnknown is the fallback for types outside the known set.
const BreweryTypeUnknown BreweryType = "unknown"

// PartitionKey segments Silver and Gold storage.
type PartitionKey struct {
	Country string `json:"country"`
	State   string `json:"state"`
}

// NewPartitionKey builds a key, substituting UnspecifiedState for a nil state.
func NewPartitionKey(country string, state *string) PartitionKey {
	if state == nil || *state == "" {
		return PartitionKey{Country: country, State: UnspecifiedState}
	}
	return PartitionKey{Country: country, State: *state}
}

// Less orders keys by country, then state.
func (k PartitionKey) Less(o PartitionKey) bool {
	if k.Country != o.Country {
		return k.Country < o.Country
	}
	return k.State < o.State
}

// String renders the key as country/state.
func (k PartitionKey) String() string {
	return k.Country + "/" + k.State
}

// SilverRecord is the typed, validated projection of a raw brewery.
type SilverRecord struct {
	ID          string
	Name        string
	BreweryType BreweryType
	Country     string
	State       *string
	City        *string
	PostalCode  *string
	Phone       *string
	WebsiteURL  *string
	Latitude    *float64
	Longitude   *float64
	RunID       string
}

// Partition returns the record's partition key.
func (r *SilverRecord) Partition() PartitionKey {
	return NewPartitionKey(r.Country, r.State)
}

// GoldAggregate is one row per (partition, brewery type).
type GoldAggregate struct {
	Country      string
	State        string
	BreweryType  BreweryType
	Count        int64
	RunTimestamp time.Time
}

// Partition returns the aggregate's partition key.
func (a GoldAggregate) Partition() PartitionKey {
	return PartitionKey{Country: a.Country, State: a.State}
}

// CountryAggregate is one row per (country, brewery type).
type CountryAggregate struct {
	Country      string
	BreweryType  BreweryType
	Count        int64
	RunTimestamp time.Time
}

// RejectEntry is one line of the rejects log.
type RejectEntry struct {
	RunID      string    `json:"run_id"`
	Page       int       `json:"page"`
	Position   int       `json:"position"`
	ExternalID string    `json:"external_id,omitempty"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
	Record     RawRecord `json:"record"`
}
