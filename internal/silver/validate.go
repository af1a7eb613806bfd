package silver

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	gojson "github.com/goccy/go-json"

	"github.com/Cerresi/bees-case/pkg/errors"
	"github.com/Cerresi/bees-case/pkg/models"
)

// rawBrewery is the subset of a source object the Silver layer projects.
type rawBrewery struct {
	ID            *string           `json:"id"`
	Name          *string           `json:"name"`
	BreweryType   *string           `json:"brewery_type"`
	City          *string           `json:"city"`
	State         *string           `json:"state"`
	StateProvince *string           `json:"state_province"`
	PostalCode    *string           `json:"postal_code"`
	Country       *string           `json:"country"`
	Phone         *string           `json:"phone"`
	WebsiteURL    *string           `json:"website_url"`
	Latitude      gojson.RawMessage `json:"latitude"`
	Longitude     gojson.RawMessage `json:"longitude"`
}

// Reject reasons.
const (
	reasonMissingField = "missing required field: %s"
	reasonExcluded     = "excluded brewery type: %s"
	reasonMalformed    = "malformed record: %s"
)

// project validates one Bronze entry and builds its Silver record. A
// failure is an ErrorTypeValidation error whose message is the reject
// reason; the external id is returned whenever it could be read.
func (n *Normalizer) project(runID string, entry models.BronzeEntry) (*models.SilverRecord, string, error) {
	trimmed := bytes.TrimSpace(entry.Record)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, "", invalid(reasonMalformed, "not a JSON object")
	}
	var raw rawBrewery
	if err := gojson.Unmarshal(trimmed, &raw); err != nil {
		return nil, "", invalid(reasonMalformed, err.Error())
	}

	id := ""
	if raw.ID != nil {
		id = strings.TrimSpace(*raw.ID)
	}
	if id == "" {
		return nil, "", invalid(reasonMissingField, "id")
	}

	name := n.OptionalText(raw.Name)
	if name == nil {
		return nil, id, invalid(reasonMissingField, "name")
	}

	country := ""
	if raw.Country != nil {
		country = n.Country(*raw.Country)
	}
	if country == "" {
		return nil, id, invalid(reasonMissingField, "country")
	}

	if t, excluded := n.Excluded(raw.BreweryType); excluded {
		return nil, id, invalid(reasonExcluded, t)
	}

	stateValue := raw.State
	if stateValue == nil || strings.TrimSpace(*stateValue) == "" {
		stateValue = raw.StateProvince
	}
	state := n.State(stateValue)
	if state == nil && n.StatePartitioned(country) {
		return nil, id, invalid(reasonMissingField, "state")
	}

	return &models.SilverRecord{
		ID:          id,
		Name:        *name,
		BreweryType: n.BreweryType(raw.BreweryType),
		Country:     country,
		State:       state,
		City:        n.OptionalText(raw.City),
		PostalCode:  n.OptionalText(raw.PostalCode),
		Phone:       n.OptionalText(raw.Phone),
		WebsiteURL:  n.OptionalText(raw.WebsiteURL),
		Latitude:    coordinate(raw.Latitude, 90),
		Longitude:   coordinate(raw.Longitude, 180),
		RunID:       runID,
	}, id, nil
}

func invalid(format, arg string) error {
	return errors.New(errors.ErrorTypeValidation, fmt.Sprintf(format, arg))
}

// coordinate parses a number or numeric string, returning nil when it is
// absent, unparseable or outside [-limit, limit].
func coordinate(raw gojson.RawMessage, limit float64) *float64 {
	v := bytes.TrimSpace(raw)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil
	}
	text := string(v)
	if v[0] == '"' {
		if err := gojson.Unmarshal(v, &text); err != nil {
			return nil
		}
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < -limit || f > limit {
		return nil
	}
	return &f
}
