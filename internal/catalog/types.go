package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const wordSynonymSeparator = ";"

type Kind string

const (
	KindAll       Kind = "all"
	KindDisease   Kind = "disease"
	KindProcedure Kind = "procedure"
)

// InfoLink is a further-reading reference. On the wire it is a two element
// array [url, title]; the object form {"url","title"} is accepted as well.
type InfoLink struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

func (l *InfoLink) UnmarshalJSON(b []byte) error {
	var pair []string
	if err := json.Unmarshal(b, &pair); err == nil {
		if len(pair) == 0 || strings.TrimSpace(pair[0]) == "" {
			return errors.New("info link requires a url")
		}
		l.URL = strings.TrimSpace(pair[0])
		if len(pair) > 1 {
			l.Title = strings.TrimSpace(pair[1])
		}
		return nil
	}
	var obj struct {
		URL   string `json:"url"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("info link must be [url, title] or {url, title}: %w", err)
	}
	if strings.TrimSpace(obj.URL) == "" {
		return errors.New("info link requires a url")
	}
	l.URL = strings.TrimSpace(obj.URL)
	l.Title = strings.TrimSpace(obj.Title)
	return nil
}

func (l InfoLink) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{l.URL, l.Title})
}

// StringList decodes either a JSON array of strings or a single comma-joined
// string.
type StringList []string

func (s *StringList) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*s = list
		return nil
	}
	var joined string
	if err := json.Unmarshal(b, &joined); err != nil {
		return fmt.Errorf("expected string list: %w", err)
	}
	out := StringList{}
	for _, part := range strings.Split(joined, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	*s = out
	return nil
}

type ICDCode struct {
	Code string `json:"code"`
	Name string `json:"name,omitempty"`
}

type Record struct {
	ID           string     `json:"key_id"`
	PrimaryName  string     `json:"primary_name"`
	ConsumerName string     `json:"consumer_name"`
	WordSynonyms string     `json:"word_synonyms"`
	Synonyms     StringList `json:"synonyms"`
	InfoLinks    []InfoLink `json:"info_link_data"`

	// Classification fields are carried through untouched.
	IsProcedure  bool      `json:"is_procedure"`
	ICD10CMCodes string    `json:"icd10cm_codes,omitempty"`
	ICD10CM      []ICDCode `json:"icd10cm,omitempty"`
	ICD9Code     string    `json:"term_icd9_code,omitempty"`
	ICD9Text     string    `json:"term_icd9_text,omitempty"`

	pos        int
	wordTokens []string
	synLower   []string
}

// Position is the record's zero-based index in catalog order.
func (r *Record) Position() int {
	return r.pos
}

// NormalizeText applies NFKC, lowercasing and whitespace collapsing. Queries
// and indexed catalog text go through the same function.
func NormalizeText(s string) string {
	s = norm.NFKC.String(s)
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// WordTokens returns the normalized entries of WordSynonyms.
func (r *Record) WordTokens() []string {
	return r.wordTokens
}

// SynonymsLower returns the normalized Synonyms, in order.
func (r *Record) SynonymsLower() []string {
	return r.synLower
}

func (r *Record) index() {
	r.wordTokens = r.wordTokens[:0]
	seen := map[string]struct{}{}
	for _, raw := range strings.Split(r.WordSynonyms, wordSynonymSeparator) {
		tok := NormalizeText(raw)
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		r.wordTokens = append(r.wordTokens, tok)
	}
	r.synLower = make([]string, 0, len(r.Synonyms))
	for _, syn := range r.Synonyms {
		r.synLower = append(r.synLower, NormalizeText(syn))
	}
}

// Candidate is a record judged to match a query, optionally enriched by the
// upstream model. It lives for one request only.
type Candidate struct {
	Record       *Record    `json:"-"`
	ID           string     `json:"key_id,omitempty"`
	PrimaryName  string     `json:"primary_name"`
	ConsumerName string     `json:"consumer_name,omitempty"`
	InfoLinks    []InfoLink `json:"info_link_data,omitempty"`
	MatchedTerms []string   `json:"matched_terms,omitempty"`

	Description string   `json:"description,omitempty"`
	Causes      string   `json:"causes,omitempty"`
	Effects     string   `json:"effects,omitempty"`
	Remedies    []string `json:"remedies,omitempty"`
	Advice      string   `json:"advice,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// CandidateFromRecord builds a candidate referencing rec.
func CandidateFromRecord(rec *Record, matched []string) Candidate {
	return Candidate{
		Record:       rec,
		ID:           rec.ID,
		PrimaryName:  rec.PrimaryName,
		ConsumerName: rec.ConsumerName,
		InfoLinks:    append([]InfoLink(nil), rec.InfoLinks...),
		MatchedTerms: matched,
	}
}

// Link attaches rec to an upstream-produced candidate, filling fields the
// model left empty.
func (c *Candidate) Link(rec *Record) {
	if rec == nil {
		return
	}
	c.Record = rec
	c.ID = rec.ID
	if c.ConsumerName == "" {
		c.ConsumerName = rec.ConsumerName
	}
	if len(c.InfoLinks) == 0 {
		c.InfoLinks = append([]InfoLink(nil), rec.InfoLinks...)
	}
}
