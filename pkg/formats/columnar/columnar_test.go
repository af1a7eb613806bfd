package columnar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cerresi/bees-case/pkg/models"
)

func strPtr(s string) *string { return &s }
func floatPtr(f float64) *float64 { return &f }

func sampleSilver() []models.SilverRecord {
	return []models.SilverRecord{
		{
			ID:          "0759476d-8fed-46cc-abec-1cb02cbca0d6",
			Name:        "Ballast Point Brewing",
			BreweryType: "large",
			Country:     "US",
			State:       strPtr("California"),
			City:        strPtr("San Diego"),
			PostalCode:  strPtr("92126"),
			Phone:       strPtr("8586951301"),
			WebsiteURL:  strPtr("http://www.ballastpoint.com"),
			Latitude:    floatPtr(32.8832),
			Longitude:   floatPtr(-117.1589),
			RunID:       "2024-06-01",
		},
		{
			ID:          "1a2b",
			Name:        "Galway Bay",
			BreweryType: models.BreweryTypeUnknown,
			Country:     "IE",
			RunID:       "2024-06-01",
		},
	}
}

func TestSilverRoundTrip(t *testing.T) {
	rows := sampleSilver()

	data, err := SilverCodec.Encode(rows, nil)
	require.NoError(t, err)

	decoded, err := SilverCodec.Decode(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Equal(t, rows, decoded)
}

func TestEncodeIsDeterministic(t *testing.T) {
	rows := sampleSilver()
	cfg := &WriterConfig{Compression: "zstd", BatchSize: 1, DictionarySize: 1}

	first, err := SilverCodec.Encode(rows, cfg)
	require.NoError(t, err)
	second, err := SilverCodec.Encode(rows, cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGoldRoundTrip(t *testing.T) {
	ts := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := []models.GoldAggregate{
		{Country: "US", State: "California", BreweryType: "micro", Count: 3, RunTimestamp: ts},
		{Country: "US", State: "California", BreweryType: "large", Count: 1, RunTimestamp: ts},
	}
	data, err := GoldStateCodec.Encode(rows, &WriterConfig{Compression: "none"})
	require.NoError(t, err)
	decoded, err := GoldStateCodec.Decode(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Equal(t, rows, decoded)

	countries := []models.CountryAggregate{{Country: "IE", BreweryType: "micro", Count: 7, RunTimestamp: ts}}
	data, err = GoldCountryCodec.Encode(countries, nil)
	require.NoError(t, err)
	decodedCountries, err := GoldCountryCodec.Decode(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Equal(t, countries, decodedCountries)
}

func TestEncodeEmpty(t *testing.T) {
	data, err := GoldStateCodec.Encode(nil, nil)
	require.NoError(t, err)
	decoded, err := GoldStateCodec.Decode(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecodeWrongSchema(t *testing.T) {
	data, err := GoldCountryCodec.Encode([]models.CountryAggregate{{Country: "US", BreweryType: "micro", Count: 1}}, nil)
	require.NoError(t, err)
	_, err = SilverCodec.Decode(context.Background(), data, nil)
	assert.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	for _, name := range []string{"", "snappy", "none", "gzip", "zstd", "lz4", "brotli"} {
		_, err := ParseCompression(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseCompression("lzo")
	assert.Error(t, err)
}
