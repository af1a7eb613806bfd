package silver

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/Cerresi/bees-case/pkg/config"
	"github.com/Cerresi/bees-case/pkg/models"
)

// Normalizer canonicalizes text fields of raw records.
type Normalizer struct {
	replacements     map[string]string
	knownTypes       map[string]struct{}
	excludedTypes    map[string]struct{}
	countryCodes     map[string]struct{}
	countryAliases   map[string]string
	statePartitioned map[string]struct{}
}

// NewNormalizer builds a normalizer from the transform configuration.
func NewNormalizer(cfg config.TransformConfig) *Normalizer {
	n := &Normalizer{
		knownTypes:       lowerSet(cfg.BreweryTypes),
		excludedTypes:    lowerSet(cfg.ExcludedTypes),
		countryCodes:     upperSet(cfg.CountryCodes),
		countryAliases:   make(map[string]string, len(cfg.CountryAliases)),
		statePartitioned: upperSet(cfg.StatePartitionedCountries),
	}
	for alias, canonical := range cfg.CountryAliases {
		n.countryAliases[collapse(strings.ToLower(alias))] = canonical
	}

	n.replacements = make(map[string]string, len(cfg.Replacements))
	for k, v := range cfg.Replacements {
		if k != "" {
			n.replacements[k] = v
		}
	}
	return n
}

// Text replaces a value that is a known mis-encoding as a whole, then
// applies Unicode NFC and collapses whitespace. Replacement keys never match
// part of a value.
func (n *Normalizer) Text(s string) string {
	c := collapse(s)
	if fixed, ok := n.replacements[s]; ok {
		c = fixed
	} else if fixed, ok := n.replacements[c]; ok {
		c = fixed
	}
	return collapse(norm.NFC.String(c))
}

// OptionalText normalizes s, mapping nil or blank values to nil.
func (n *Normalizer) OptionalText(s *string) *string {
	if s == nil {
		return nil
	}
	v := n.Text(*s)
	if v == "" {
		return nil
	}
	return &v
}

// Country resolves aliases, upper-cases canonical country codes and title
// cases names written entirely in lower case.
func (n *Normalizer) Country(s string) string {
	v := n.Text(s)
	if canonical, ok := n.countryAliases[strings.ToLower(v)]; ok {
		return canonical
	}
	if _, ok := n.countryCodes[strings.ToUpper(v)]; ok {
		return strings.ToUpper(v)
	}
	return titleLower(v)
}

// State upper-cases two-letter state codes and title cases names written
// entirely in lower case.
func (n *Normalizer) State(s *string) *string {
	v := n.OptionalText(s)
	if v == nil {
		return nil
	}
	if isLetterCode(*v, 2) {
		upper := strings.ToUpper(*v)
		return &upper
	}
	titled := titleLower(*v)
	return &titled
}

// StatePartitioned reports whether records of country require a state.
func (n *Normalizer) StatePartitioned(country string) bool {
	_, ok := n.statePartitioned[strings.ToUpper(country)]
	return ok
}

// BreweryType maps a raw type to the known set, or BreweryTypeUnknown.
func (n *Normalizer) BreweryType(s *string) models.BreweryType {
	if s == nil {
		return models.BreweryTypeUnknown
	}
	v := strings.ToLower(n.Text(*s))
	if _, ok := n.knownTypes[v]; ok {
		return models.BreweryType(v)
	}
	return models.BreweryTypeUnknown
}

// Excluded reports whether a raw type is configured for exclusion and
// returns its normalized form.
func (n *Normalizer) Excluded(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	v := strings.ToLower(n.Text(*s))
	_, ok := n.excludedTypes[v]
	return v, ok
}

// CanonicalCasing rewrites country and state values that differ only in case
// to the spelling carried by most records. Ties go to the spelling with
// fewer upper-case letters, then to the first in sort order, so "Ireland"
// wins over "IRELAND".
func CanonicalCasing(records []*models.SilverRecord) {
	fold := cases.Fold()
	countries := make(map[string]*spellings)
	for _, r := range records {
		tally(countries, fold.String(r.Country), r.Country)
	}
	for _, r := range records {
		r.Country = countries[fold.String(r.Country)].winner
	}

	states := make(map[string]*spellings)
	for _, r := range records {
		if r.State != nil {
			tally(states, r.Country+"\x00"+fold.String(*r.State), *r.State)
		}
	}
	for _, r := range records {
		if r.State != nil {
			v := states[r.Country+"\x00"+fold.String(*r.State)].winner
			r.State = &v
		}
	}
}

// spellings counts the spellings of one case-folded value.
type spellings struct {
	counts map[string]int
	winner string
}

func tally(groups map[string]*spellings, key, value string) {
	g, ok := groups[key]
	if !ok {
		g = &spellings{counts: make(map[string]int), winner: value}
		groups[key] = g
	}
	g.counts[value]++
	if value != g.winner && g.prefers(value) {
		g.winner = value
	}
}

func (g *spellings) prefers(v string) bool {
	n, best := g.counts[v], g.counts[g.winner]
	if n != best {
		return n > best
	}
	if u, w := upperCount(v), upperCount(g.winner); u != w {
		return u < w
	}
	return v < g.winner
}

func upperCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsUpper(r) {
			n++
		}
	}
	return n
}

// titleLower title cases s when it has no upper-case letter. Names such as
// "District of Columbia" or "USA" are left as written.
func titleLower(s string) string {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return s
		}
	}
	return cases.Title(language.Und).String(s)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isLetterCode(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i] | 0x20
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

func upperSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}
