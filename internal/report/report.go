// Package report summarizes a run's Gold tables: the top countries, the top
// states of one country and that country's brewery type distribution.
package report

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/Cerresi/bees-case/internal/gold"
	"github.com/Cerresi/bees-case/pkg/models"
)

// OthersType is the bucket for brewery types below the share threshold.
const OthersType = "others"

// Options selects what the report shows.
type Options struct {
	// TopN limits the country and state rankings
	TopN int
	// Country whose states and type distribution are reported
	Country string
	// OthersThreshold is the percentage under which types are merged into OthersType
	OthersThreshold float64
}

// DefaultOptions returns the top 10 and a 2.5% others threshold for the US.
func DefaultOptions() Options {
	return Options{TopN: 10, Country: "US", OthersThreshold: 2.5}
}

// Ranked is one entry of a ranking.
type Ranked struct {
	Name  string `json:"name"`
	Count int64  `json:"brewery_count"`
}

// Share is one slice of a type distribution.
type Share struct {
	BreweryType string  `json:"brewery_type"`
	Count       int64   `json:"brewery_count"`
	Percent     float64 `json:"percent"`
}

// Report is the rendered view of a run's Gold tables.
type Report struct {
	RunID          string    `json:"run_id"`
	RunTimestamp   time.Time `json:"run_timestamp"`
	TotalBreweries int64     `json:"total_breweries"`
	TopCountries   []Ranked  `json:"top_countries"`
	Country        string    `json:"country"`
	TopStates      []Ranked  `json:"top_states"`
	TypeShare      []Share   `json:"type_share"`
}

// Generate reads the run's Gold tables and builds its report.
func Generate(ctx context.Context, reader *gold.Reader, runID string, opts Options) (*Report, error) {
	states, err := reader.ReadAggregates(ctx, runID)
	if err != nil {
		return nil, err
	}
	countries, err := reader.ReadCountryAggregates(ctx, runID)
	if err != nil {
		return nil, err
	}
	return Build(runID, states, countries, opts), nil
}

// Build computes a report from Gold rows.
func Build(runID string, states []models.GoldAggregate, countries []models.CountryAggregate, opts Options) *Report {
	if opts.TopN <= 0 {
		opts.TopN = DefaultOptions().TopN
	}
	r := &Report{RunID: runID, Country: opts.Country}

	byCountry := make(map[string]int64)
	types := make(map[string]int64)
	for _, c := range countries {
		r.TotalBreweries += c.Count
		byCountry[c.Country] += c.Count
		if strings.EqualFold(c.Country, opts.Country) {
			types[string(c.BreweryType)] += c.Count
		}
		if c.RunTimestamp.After(r.RunTimestamp) {
			r.RunTimestamp = c.RunTimestamp
		}
	}
	r.TopCountries = rank(byCountry, opts.TopN)

	byState := make(map[string]int64)
	for _, s := range states {
		if strings.EqualFold(s.Country, opts.Country) {
			byState[s.State] += s.Count
		}
	}
	r.TopStates = rank(byState, opts.TopN)
	r.TypeShare = shares(types, opts.OthersThreshold)
	return r
}

// rank orders counts descending, ties by name, keeping the first n.
func rank(counts map[string]int64, n int) []Ranked {
	out := make([]Ranked, 0, len(counts))
	for name, count := range counts {
		out = append(out, Ranked{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// shares computes each type's percentage and merges those under threshold
// into a trailing OthersType entry.
func shares(counts map[string]int64, threshold float64) []Share {
	var total int64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return []Share{}
	}

	out := make([]Share, 0, len(counts))
	var others int64
	for t, c := range counts {
		pct := float64(c) * 100 / float64(total)
		if pct < threshold {
			others += c
			continue
		}
		out = append(out, Share{BreweryType: t, Count: c, Percent: pct})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].BreweryType < out[j].BreweryType
	})
	if others > 0 {
		out = append(out, Share{BreweryType: OthersType, Count: others, Percent: float64(others) * 100 / float64(total)})
	}
	return out
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	data, err := gojson.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// WriteText writes the report as aligned plain-text tables.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", r.RunID)
	fmt.Fprintf(tw, "run timestamp\t%s\n", r.RunTimestamp.UTC().Format(time.RFC3339))
	fmt.Fprintf(tw, "total breweries\t%d\n", r.TotalBreweries)

	fmt.Fprintf(tw, "\nTOP COUNTRIES\tBREWERIES\n")
	for _, c := range r.TopCountries {
		fmt.Fprintf(tw, "%s\t%d\n", c.Name, c.Count)
	}

	fmt.Fprintf(tw, "\nTOP STATES (%s)\tBREWERIES\n", r.Country)
	for _, s := range r.TopStates {
		fmt.Fprintf(tw, "%s\t%d\n", s.Name, s.Count)
	}

	fmt.Fprintf(tw, "\nTYPE (%s)\tBREWERIES\tSHARE\n", r.Country)
	for _, s := range r.TypeShare {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", s.BreweryType, s.Count, s.Percent)
	}
	return tw.Flush()
}
