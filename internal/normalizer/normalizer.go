// Package normalizer turns raw upstream model text into validated candidate
// lists. Each stage (fence stripping, parsing, shape coercion, field reading,
// truncation) either yields a value for the next stage or a *Error that
// carries the original text.
package normalizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/joelkehle/symptomatch/internal/catalog"
)

type Kind string

const (
	KindEmpty     Kind = "empty"
	KindMalformed Kind = "malformed"
	KindShape     Kind = "shape"
	KindSchema    Kind = "schema"
)

// Error reports a normalization failure. Raw is the upstream text exactly as
// received so it can be shown for debugging.
type Error struct {
	Kind Kind
	Raw  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("normalization failed (%s)", e.Kind)
	}
	return fmt.Sprintf("normalization failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, raw string, err error) *Error {
	return &Error{Kind: kind, Raw: raw, Err: err}
}

var (
	wholeFenceRe    = regexp.MustCompile("(?s)^```[A-Za-z0-9_+-]*[ \t]*\r?\n?(.*?)\r?\n?[ \t]*```$")
	embeddedFenceRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)\r?\n?[ \t]*```")
	langTagRe       = regexp.MustCompile(`^[A-Za-z0-9_+-]*[ \t]*$`)
)

// StripFences removes a surrounding ```lang ... ``` block and returns the
// inner content. Text with a fenced block embedded in prose yields the first
// block; an unterminated leading fence is dropped. Anything else is returned
// trimmed but otherwise unchanged.
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	if m := wholeFenceRe.FindStringSubmatch(t); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := embeddedFenceRe.FindStringSubmatch(t); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```")
		if i := strings.IndexByte(t, '\n'); i >= 0 && langTagRe.MatchString(t[:i]) {
			t = t[i+1:]
		}
		return strings.TrimSpace(t)
	}
	return t
}

// Normalize runs raw through every stage and returns at most topN
// candidates in upstream order. topN <= 0 disables truncation.
func Normalize(raw string, schema Schema, topN int) ([]catalog.Candidate, error) {
	items, err := parseSequence(raw, func(obj gjson.Result) bool {
		return looksLikeEntry(obj, schema)
	})
	if err != nil {
		return nil, err
	}
	out := make([]catalog.Candidate, 0, len(items))
	for _, item := range items {
		if c, ok := readCandidate(item, schema); ok {
			out = append(out, c)
		}
	}
	if len(items) > 0 && len(out) == 0 {
		return nil, newError(KindSchema, raw, fmt.Errorf("none of %d entries carried the required fields", len(items)))
	}
	return truncate(out, topN), nil
}

// NormalizeStrings is Normalize for a list of plain strings, such as symptom
// suggestions. Non-string entries are skipped.
func NormalizeStrings(raw string, topN int) ([]string, error) {
	items, err := parseSequence(raw, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, item := range items {
		if item.Type != gjson.String {
			continue
		}
		v := strings.TrimSpace(item.Str)
		if v == "" {
			continue
		}
		key := strings.ToLower(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, v)
	}
	if len(items) > 0 && len(out) == 0 {
		return nil, newError(KindSchema, raw, errors.New("no string entries"))
	}
	return truncate(out, topN), nil
}

func truncate[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}

// parseSequence strips fences, validates JSON and coerces the document into
// a list. isEntry reports whether a bare object is itself a list entry rather
// than a wrapper around one.
func parseSequence(raw string, isEntry func(gjson.Result) bool) ([]gjson.Result, error) {
	body := StripFences(raw)
	if body == "" {
		return nil, newError(KindEmpty, raw, errors.New("empty response"))
	}
	if !gjson.Valid(body) {
		var probe any
		cause := json.Unmarshal([]byte(body), &probe)
		if cause == nil {
			cause = errors.New("invalid json")
		}
		return nil, newError(KindMalformed, raw, cause)
	}
	root := gjson.Parse(body)
	switch {
	case root.IsArray():
		return root.Array(), nil
	case root.IsObject():
		if isEntry != nil && isEntry(root) {
			return []gjson.Result{root}, nil
		}
		if arr, ok := wrappedArray(root); ok {
			return arr, nil
		}
		if isEntry == nil {
			return nil, newError(KindShape, raw, errors.New("object does not wrap a list"))
		}
		return []gjson.Result{root}, nil
	case root.Type == gjson.String && isEntry == nil:
		return []gjson.Result{root}, nil
	default:
		return nil, newError(KindShape, raw, fmt.Errorf("expected a list, got %s", root.Type))
	}
}

// wrappedArray unwraps {"anything": [...]} when exactly one member is a list.
func wrappedArray(obj gjson.Result) ([]gjson.Result, bool) {
	var found []gjson.Result
	count := 0
	obj.ForEach(func(_, v gjson.Result) bool {
		if v.IsArray() {
			count++
			found = v.Array()
		}
		return true
	})
	return found, count == 1
}

func looksLikeEntry(obj gjson.Result, schema Schema) bool {
	for _, f := range schema.Fields {
		if f.Name != FieldPrimaryName {
			continue
		}
		for _, k := range f.keys() {
			if obj.Get(k).Exists() {
				return true
			}
		}
	}
	return false
}

func readCandidate(item gjson.Result, schema Schema) (catalog.Candidate, bool) {
	var c catalog.Candidate
	if !item.IsObject() {
		return c, false
	}
	for _, f := range schema.Fields {
		v := lookup(item, f)
		ok := v.Exists() && assign(&c, f, v)
		if ok || !f.Required {
			continue
		}
		if f.Default == "" {
			return catalog.Candidate{}, false
		}
		assign(&c, f, gjson.Result{Type: gjson.String, Str: f.Default})
	}
	return c, true
}

func lookup(item gjson.Result, f Field) gjson.Result {
	for _, k := range f.keys() {
		if v := item.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// assign stores v into the candidate field named by f and reports whether a
// usable value was present.
func assign(c *catalog.Candidate, f Field, v gjson.Result) bool {
	switch f.Type {
	case TypeStringList:
		list := asList(v)
		if len(list) == 0 {
			return false
		}
		if f.Name == FieldRemedies {
			c.Remedies = list
		}
		return true
	case TypeLinks:
		links := asLinks(v)
		if len(links) == 0 {
			return false
		}
		c.InfoLinks = links
		return true
	case TypeNumber:
		n, ok := asConfidence(v)
		if !ok {
			return false
		}
		c.Confidence = &n
		return true
	}
	s := asString(v)
	if s == "" {
		return false
	}
	switch f.Name {
	case FieldPrimaryName:
		c.PrimaryName = s
	case FieldID:
		c.ID = s
	case FieldDescription:
		c.Description = s
	case FieldCauses:
		c.Causes = s
	case FieldEffects:
		c.Effects = s
	case FieldAdvice:
		c.Advice = s
	}
	return true
}

func asString(v gjson.Result) string {
	switch {
	case v.Type == gjson.String:
		return strings.TrimSpace(v.Str)
	case v.Type == gjson.Number:
		return v.Raw
	case v.IsArray():
		return strings.Join(asList(v), "; ")
	}
	return ""
}

func asList(v gjson.Result) []string {
	if v.Type == gjson.String {
		if s := strings.TrimSpace(v.Str); s != "" {
			return []string{s}
		}
		return nil
	}
	if !v.IsArray() {
		return nil
	}
	var out []string
	for _, item := range v.Array() {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asLinks(v gjson.Result) []catalog.InfoLink {
	if v.Type == gjson.String {
		if s := strings.TrimSpace(v.Str); s != "" {
			return []catalog.InfoLink{{URL: s}}
		}
		return nil
	}
	if !v.IsArray() {
		return nil
	}
	arr := v.Array()
	// a single flat pair: ["url", "title"]
	if len(arr) > 0 && arr[0].Type == gjson.String && len(arr) <= 2 && strings.HasPrefix(arr[0].Str, "http") &&
		(len(arr) == 1 || !strings.HasPrefix(arr[1].Str, "http")) {
		return []catalog.InfoLink{linkFromPair(arr)}
	}
	var out []catalog.InfoLink
	for _, item := range arr {
		var l catalog.InfoLink
		switch {
		case item.IsArray():
			l = linkFromPair(item.Array())
		case item.IsObject():
			l = catalog.InfoLink{
				URL:   strings.TrimSpace(item.Get("url").String()),
				Title: strings.TrimSpace(item.Get("title").String()),
			}
		case item.Type == gjson.String:
			l = catalog.InfoLink{URL: strings.TrimSpace(item.Str)}
		}
		if l.URL != "" {
			out = append(out, l)
		}
	}
	return out
}

func linkFromPair(pair []gjson.Result) catalog.InfoLink {
	var l catalog.InfoLink
	if len(pair) > 0 {
		l.URL = strings.TrimSpace(pair[0].String())
	}
	if len(pair) > 1 {
		l.Title = strings.TrimSpace(pair[1].String())
	}
	return l
}

// asConfidence accepts 0.85, 85, "0.85" and "85%". Values above 1 are read
// as percentages. Anything outside [0,1] after scaling is rejected.
func asConfidence(v gjson.Result) (float64, bool) {
	var n float64
	switch v.Type {
	case gjson.Number:
		n = v.Num
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		pct := strings.HasSuffix(s, "%")
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(s, "%")), 64)
		if err != nil {
			return 0, false
		}
		n = f
		if pct {
			n = f / 100
		}
	default:
		return 0, false
	}
	if n > 1 {
		n /= 100
	}
	if n < 0 || n > 1 {
		return 0, false
	}
	return n, true
}
