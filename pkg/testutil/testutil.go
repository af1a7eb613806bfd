// Package testutil provides testing utilities for the brewery pipeline: a
// fake Open Brewery DB server, record fixtures and fast test configuration.
package testutil

import (
	"context"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/Cerresi/bees-case/pkg/config"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout that is
// cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestConfig returns a configuration pointing at baseURL with in-memory
// storage, no rate limit and millisecond retry delays.
func TestConfig(baseURL string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Source.BaseURL = baseURL
	cfg.Source.PageSize = 2
	cfg.Source.RateLimitPerSec = 0
	cfg.Timeouts.Request = 2 * time.Second
	cfg.Reliability.RetryAttempts = 3
	cfg.Reliability.RetryDelay = time.Millisecond
	cfg.Reliability.MaxRetryDelay = 5 * time.Millisecond
	cfg.Reliability.RetryJitter = 0
	cfg.Storage.Type = "memory"
	cfg.Observability.EnableMetrics = false
	return cfg
}

// Brewery is a fixture for one source API object. Nil pointer fields are
// emitted as JSON null.
type Brewery struct {
	ID          string  `json:"id"`
	Name        *string `json:"name"`
	BreweryType string  `json:"brewery_type"`
	City        *string `json:"city"`
	State       *string `json:"state"`
	PostalCode  *string `json:"postal_code"`
	Country     *string `json:"country"`
	Longitude   *string `json:"longitude"`
	Latitude    *string `json:"latitude"`
	Phone       *string `json:"phone"`
	WebsiteURL  *string `json:"website_url"`
}

// NewBrewery builds a fixture with the fields every valid record needs.
func NewBrewery(id, name, breweryType, country, state string) Brewery {
	b := Brewery{ID: id, Name: &name, BreweryType: breweryType, Country: &country}
	if state != "" {
		b.State = &state
	}
	return b
}

// JSON encodes the fixture as a raw API object.
func (b Brewery) JSON() string {
	data, err := gojson.Marshal(b)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
