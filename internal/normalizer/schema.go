package normalizer

import (
	"fmt"
	"strings"
)

type FieldType int

const (
	TypeString FieldType = iota
	TypeStringList
	TypeLinks
	TypeNumber
)

// Field names, as used by Schema.Require.
const (
	FieldID          = "id"
	FieldPrimaryName = "primaryName"
	FieldDescription = "description"
	FieldCauses      = "causes"
	FieldEffects     = "effects"
	FieldRemedies    = "remedies"
	FieldAdvice      = "advice"
	FieldInfoLinks   = "infoLinks"
	FieldConfidence  = "confidence"
)

const DefaultDescription = "No description available."

// Field describes one expected key of an upstream entry. Aliases cover the
// spellings models actually return. A required field with a Default is
// filled in when absent; a required field without one causes the entry to
// be skipped.
type Field struct {
	Name     string
	Aliases  []string
	Type     FieldType
	Required bool
	Default  string
}

func (f Field) keys() []string {
	return append([]string{f.Name}, f.Aliases...)
}

type Schema struct {
	Fields []Field
}

// DefaultSchema requires primaryName and description; everything else is
// optional.
func DefaultSchema() Schema {
	return Schema{Fields: []Field{
		{Name: FieldPrimaryName, Aliases: []string{"primary_name", "name", "disease", "disease_name"}, Type: TypeString, Required: true},
		{Name: FieldID, Aliases: []string{"key_id", "keyId"}, Type: TypeString},
		{Name: FieldDescription, Aliases: []string{"overview", "summary"}, Type: TypeString, Required: true, Default: DefaultDescription},
		{Name: FieldCauses, Type: TypeString, Default: "No causes available."},
		{Name: FieldEffects, Type: TypeString, Default: "No effects available."},
		{Name: FieldRemedies, Aliases: []string{"remedy", "treatments", "treatment", "suggestions"}, Type: TypeStringList, Default: "No remedies available."},
		{Name: FieldAdvice, Aliases: []string{"doctor_response", "doctorResponse"}, Type: TypeString, Default: "No advice available."},
		{Name: FieldInfoLinks, Aliases: []string{"info_links", "info_link_data", "infoLinkData", "links"}, Type: TypeLinks},
		{Name: FieldConfidence, Aliases: []string{"confidence_score", "confidenceScore", "confidence_level"}, Type: TypeNumber},
	}}
}

// Require returns a copy of s with the named fields marked required.
func (s Schema) Require(names ...string) (Schema, error) {
	out := Schema{Fields: append([]Field(nil), s.Fields...)}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		found := false
		for i := range out.Fields {
			if strings.EqualFold(out.Fields[i].Name, name) {
				out.Fields[i].Required = true
				found = true
				break
			}
		}
		if !found {
			return Schema{}, fmt.Errorf("unknown schema field %q", name)
		}
	}
	return out, nil
}

// Describe renders the schema as output-format instructions for a prompt.
func (s Schema) Describe() string {
	var b strings.Builder
	for _, f := range s.Fields {
		req := "optional"
		if f.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "- %s (%s, %s)\n", f.Name, typeName(f.Type), req)
	}
	return b.String()
}

func typeName(t FieldType) string {
	switch t {
	case TypeStringList:
		return "array of strings"
	case TypeLinks:
		return "array of [url, title] pairs"
	case TypeNumber:
		return "number between 0 and 1"
	default:
		return "string"
	}
}
