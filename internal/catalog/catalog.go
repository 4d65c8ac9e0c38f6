package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Catalog is the read-only set of records loaded at startup. Nothing mutates
// it after Load returns, so it is safe for concurrent use without locking.
type Catalog struct {
	records []*Record
	byID    map[string]*Record
	byName  map[string]*Record
	prompt  []byte
}

// Load reads a JSON array of records from path. Any structural problem is
// returned as an error; callers are expected to refuse to serve.
func Load(path string) (*Catalog, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	cat, err := Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

// Parse builds a catalog from the raw JSON array.
func Parse(blob []byte) (*Catalog, error) {
	if strings.TrimSpace(string(blob)) == "" {
		return nil, errors.New("catalog is empty")
	}
	var recs []*Record
	if err := json.Unmarshal(blob, &recs); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return New(recs)
}

// New validates recs and indexes them. The slice is owned by the catalog
// afterwards.
func New(recs []*Record) (*Catalog, error) {
	c := &Catalog{
		records: make([]*Record, 0, len(recs)),
		byID:    make(map[string]*Record, len(recs)),
		byName:  make(map[string]*Record, len(recs)),
	}
	for i, rec := range recs {
		if rec == nil {
			return nil, fmt.Errorf("record %d is null", i)
		}
		rec.ID = strings.TrimSpace(rec.ID)
		if rec.ID == "" {
			return nil, fmt.Errorf("record %d: key_id is required", i)
		}
		if strings.TrimSpace(rec.PrimaryName) == "" {
			return nil, fmt.Errorf("record %s: primary_name is required", rec.ID)
		}
		if _, dup := c.byID[rec.ID]; dup {
			return nil, fmt.Errorf("record %s: duplicate key_id", rec.ID)
		}
		rec.index()
		rec.pos = len(c.records)
		c.records = append(c.records, rec)
		c.byID[rec.ID] = rec
		c.indexName(rec.PrimaryName, rec)
		for _, syn := range rec.Synonyms {
			c.indexName(syn, rec)
		}
	}
	prompt, err := json.Marshal(promptView(c.records))
	if err != nil {
		return nil, fmt.Errorf("encode prompt view: %w", err)
	}
	c.prompt = prompt
	return c, nil
}

// first record wins so earlier catalog entries keep precedence
func (c *Catalog) indexName(name string, rec *Record) {
	key := NormalizeText(name)
	if key == "" {
		return
	}
	if _, ok := c.byName[key]; !ok {
		c.byName[key] = rec
	}
}

func (c *Catalog) Len() int { return len(c.records) }

// Records returns every record in catalog order. The returned slice must not
// be modified.
func (c *Catalog) Records() []*Record { return c.records }

func (c *Catalog) Get(id string) (*Record, bool) {
	rec, ok := c.byID[strings.TrimSpace(id)]
	return rec, ok
}

// FindByName matches name case-insensitively against primary names and
// synonyms.
func (c *Catalog) FindByName(name string) (*Record, bool) {
	rec, ok := c.byName[NormalizeText(name)]
	return rec, ok
}

func (c *Catalog) Filter(kind Kind) []*Record {
	switch kind {
	case KindDisease, KindProcedure:
	default:
		return c.records
	}
	out := make([]*Record, 0, len(c.records))
	for _, rec := range c.records {
		if rec.IsProcedure == (kind == KindProcedure) {
			out = append(out, rec)
		}
	}
	return out
}

// PromptJSON is the deterministic, compact serialization embedded into
// upstream prompts.
func (c *Catalog) PromptJSON() []byte { return c.prompt }

type promptRecord struct {
	ID           string     `json:"key_id"`
	PrimaryName  string     `json:"primary_name"`
	ConsumerName string     `json:"consumer_name,omitempty"`
	WordSynonyms string     `json:"word_synonyms,omitempty"`
	Synonyms     []string   `json:"synonyms,omitempty"`
	InfoLinks    []InfoLink `json:"info_link_data,omitempty"`
}

func promptView(recs []*Record) []promptRecord {
	out := make([]promptRecord, 0, len(recs))
	for _, r := range recs {
		out = append(out, promptRecord{
			ID:           r.ID,
			PrimaryName:  r.PrimaryName,
			ConsumerName: r.ConsumerName,
			WordSynonyms: r.WordSynonyms,
			Synonyms:     r.Synonyms,
			InfoLinks:    r.InfoLinks,
		})
	}
	return out
}
