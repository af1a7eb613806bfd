package report

import (
	"bytes"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cerresi/bees-case/internal/gold"
	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/models"
	"github.com/Cerresi/bees-case/pkg/storage"
	"github.com/Cerresi/bees-case/pkg/testutil"
)

var ts = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func fixture() ([]models.GoldAggregate, []models.CountryAggregate) {
	states := []models.GoldAggregate{
		{Country: "Ireland", State: models.UnspecifiedState, BreweryType: "micro", Count: 3, RunTimestamp: ts},
		{Country: "US", State: "California", BreweryType: "micro", Count: 50, RunTimestamp: ts},
		{Country: "US", State: "California", BreweryType: "brewpub", Count: 30, RunTimestamp: ts},
		{Country: "US", State: "Colorado", BreweryType: "micro", Count: 15, RunTimestamp: ts},
		{Country: "US", State: "Oregon", BreweryType: "micro", Count: 3, RunTimestamp: ts},
		{Country: "US", State: "Oregon", BreweryType: "contract", Count: 2, RunTimestamp: ts},
	}
	countries := []models.CountryAggregate{
		{Country: "Ireland", BreweryType: "micro", Count: 3, RunTimestamp: ts},
		{Country: "US", BreweryType: "brewpub", Count: 30, RunTimestamp: ts},
		{Country: "US", BreweryType: "contract", Count: 2, RunTimestamp: ts},
		{Country: "US", BreweryType: "micro", Count: 68, RunTimestamp: ts},
	}
	return states, countries
}

func TestBuild(t *testing.T) {
	states, countries := fixture()
	r := Build("2024-06-01", states, countries, Options{TopN: 2, Country: "us", OthersThreshold: 2.5})

	assert.Equal(t, int64(103), r.TotalBreweries)
	assert.Equal(t, ts, r.RunTimestamp)
	assert.Equal(t, []Ranked{{Name: "US", Count: 100}, {Name: "Ireland", Count: 3}}, r.TopCountries)
	assert.Equal(t, []Ranked{{Name: "California", Count: 80}, {Name: "Colorado", Count: 15}}, r.TopStates)

	require.Len(t, r.TypeShare, 3)
	assert.Equal(t, "micro", r.TypeShare[0].BreweryType)
	assert.InDelta(t, 68.0, r.TypeShare[0].Percent, 1e-9)
	assert.Equal(t, "brewpub", r.TypeShare[1].BreweryType)
	assert.Equal(t, Share{BreweryType: OthersType, Count: 2, Percent: 2}, r.TypeShare[2])
}

func TestBuildUnknownCountry(t *testing.T) {
	states, countries := fixture()
	r := Build("2024-06-01", states, countries, Options{Country: "DE"})

	assert.Len(t, r.TopCountries, 2)
	assert.Empty(t, r.TopStates)
	assert.Empty(t, r.TypeShare)
}

func TestWriters(t *testing.T) {
	states, countries := fixture()
	r := Build("2024-06-01", states, countries, DefaultOptions())

	var text bytes.Buffer
	require.NoError(t, r.WriteText(&text))
	assert.Contains(t, text.String(), "TOP STATES (US)")
	assert.Regexp(t, `California\s+80\n`, text.String())
	assert.Contains(t, text.String(), "68.0%")

	var js bytes.Buffer
	require.NoError(t, r.WriteJSON(&js))
	var decoded Report
	require.NoError(t, gojson.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, r.TopStates, decoded.TopStates)
	assert.Equal(t, r.TotalBreweries, decoded.TotalBreweries)
}

func TestGenerateWithoutGold(t *testing.T) {
	_, err := Generate(testutil.TestContext(t), gold.NewReader(storage.NewMemoryStore(), nil), "2024-06-01", DefaultOptions())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNoInputData))
}
