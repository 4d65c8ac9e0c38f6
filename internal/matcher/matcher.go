// Package matcher maps free-text symptom queries onto catalog records using
// substring or exact comparison against each record's synonym sets. It does
// no I/O and never mutates the catalog.
package matcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joelkehle/symptomatch/internal/catalog"
)

type Mode string

const (
	ModeSubstring Mode = "substring"
	ModeExact     Mode = "exact"
)

// Split controls how a query becomes terms. SplitTokens treats each
// comma-separated symptom as its own term; SplitPhrase compares the whole
// normalized query.
type Split string

const (
	SplitTokens Split = "tokens"
	SplitPhrase Split = "phrase"
)

type SortOrder string

const (
	SortCatalog      SortOrder = "catalog"
	SortMatchedCount SortOrder = "matched_count"
)

type Options struct {
	Mode  Mode
	Split Split
	Sort  SortOrder
	Limit int
}

func DefaultOptions() Options {
	return Options{Mode: ModeSubstring, Split: SplitTokens, Sort: SortCatalog}
}

// Validate fills empty fields with defaults and rejects unknown values.
func (o Options) Validate() (Options, error) {
	def := DefaultOptions()
	if o.Mode == "" {
		o.Mode = def.Mode
	}
	if o.Split == "" {
		o.Split = def.Split
	}
	if o.Sort == "" {
		o.Sort = def.Sort
	}
	switch o.Mode {
	case ModeSubstring, ModeExact:
	default:
		return o, fmt.Errorf("unknown match mode %q", o.Mode)
	}
	switch o.Split {
	case SplitTokens, SplitPhrase:
	default:
		return o, fmt.Errorf("unknown split %q", o.Split)
	}
	switch o.Sort {
	case SortCatalog, SortMatchedCount:
	default:
		return o, fmt.Errorf("unknown sort %q", o.Sort)
	}
	if o.Limit < 0 {
		o.Limit = 0
	}
	return o, nil
}

type Matcher struct {
	opts Options
}

func New(opts Options) (*Matcher, error) {
	opts, err := opts.Validate()
	if err != nil {
		return nil, err
	}
	return &Matcher{opts: opts}, nil
}

func (m *Matcher) Options() Options { return m.opts }

// NormalizeText is the normalization applied to both queries and catalog
// text.
func NormalizeText(s string) string { return catalog.NormalizeText(s) }

// Tokens returns the normalized query terms in input order, without
// duplicates. An empty result means there is nothing to search for.
func (m *Matcher) Tokens(query string) []string {
	return tokens(query, m.opts.Split)
}

func tokens(query string, split Split) []string {
	if split == SplitPhrase {
		if q := NormalizeText(query); q != "" {
			return []string{q}
		}
		return nil
	}
	var out []string
	seen := map[string]struct{}{}
	for _, part := range strings.Split(query, ",") {
		tok := NormalizeText(part)
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// Match returns every record that matches at least one query term. Results
// keep catalog order unless SortMatchedCount is configured. Short terms can
// produce false positives in substring mode; that is accepted behaviour.
func (m *Matcher) Match(query string, cat *catalog.Catalog) []catalog.Candidate {
	terms := m.Tokens(query)
	if len(terms) == 0 {
		return []catalog.Candidate{}
	}
	out := []catalog.Candidate{}
	for _, rec := range cat.Records() {
		var matched []string
		for _, term := range terms {
			if m.recordMatches(rec, term) {
				matched = append(matched, term)
			}
		}
		if len(matched) > 0 {
			out = append(out, catalog.CandidateFromRecord(rec, matched))
		}
	}
	if m.opts.Sort == SortMatchedCount {
		sort.SliceStable(out, func(i, j int) bool {
			return len(out[i].MatchedTerms) > len(out[j].MatchedTerms)
		})
	}
	if m.opts.Limit > 0 && len(out) > m.opts.Limit {
		out = out[:m.opts.Limit]
	}
	return out
}

func (m *Matcher) recordMatches(rec *catalog.Record, term string) bool {
	for _, w := range rec.WordTokens() {
		if m.compare(w, term) {
			return true
		}
	}
	for _, syn := range rec.SynonymsLower() {
		if m.compare(syn, term) {
			return true
		}
	}
	return false
}

func (m *Matcher) compare(field, term string) bool {
	if m.opts.Mode == ModeExact {
		return field == term
	}
	return strings.Contains(field, term)
}

// SearchNames matches the whole normalized query against primary name,
// consumer name, synonyms, word synonyms and ICD-10 codes. Catalog order is
// kept.
func (m *Matcher) SearchNames(query string, cat *catalog.Catalog) []*catalog.Record {
	q := NormalizeText(query)
	if q == "" {
		return []*catalog.Record{}
	}
	out := []*catalog.Record{}
	for _, rec := range cat.Records() {
		if m.nameMatches(rec, q) {
			out = append(out, rec)
		}
	}
	if m.opts.Limit > 0 && len(out) > m.opts.Limit {
		out = out[:m.opts.Limit]
	}
	return out
}

func (m *Matcher) nameMatches(rec *catalog.Record, q string) bool {
	if m.compare(NormalizeText(rec.PrimaryName), q) || m.compare(NormalizeText(rec.ConsumerName), q) {
		return true
	}
	if m.recordMatches(rec, q) {
		return true
	}
	for _, code := range rec.ICD10CM {
		if m.compare(NormalizeText(code.Code), q) {
			return true
		}
	}
	return false
}
