// Package report turns diagnosis results into markdown, HTML and PDF.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/joelkehle/symptomatch/internal/catalog"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

const Disclaimer = "This report is generated from a reference catalog and a language model. " +
	"It is not a medical diagnosis. Consult a qualified clinician about any symptoms."

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// MarkdownToHTML renders GitHub-flavoured markdown. Raw HTML in the input
// is omitted.
func MarkdownToHTML(markdown string) (string, error) {
	var out strings.Builder
	if err := md.Convert([]byte(markdown), &out); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	return out.String(), nil
}

// BuildMarkdown lays out candidates in the order given.
func BuildMarkdown(symptoms string, candidates []catalog.Candidate, generatedAt time.Time) string {
	var b strings.Builder
	b.WriteString("# Symptom Report\n\n")
	fmt.Fprintf(&b, "**Symptoms:** %s\n\n", escapeInline(symptoms))
	fmt.Fprintf(&b, "**Generated:** %s\n\n", generatedAt.UTC().Format("January 2, 2006 15:04 MST"))

	if len(candidates) == 0 {
		b.WriteString("No likely conditions were identified.\n\n")
	}
	for i, c := range candidates {
		fmt.Fprintf(&b, "## %d. %s\n\n", i+1, escapeInline(c.PrimaryName))
		if c.ConsumerName != "" && !strings.EqualFold(c.ConsumerName, c.PrimaryName) {
			fmt.Fprintf(&b, "_Also known as %s._\n\n", escapeInline(c.ConsumerName))
		}
		if c.Confidence != nil {
			fmt.Fprintf(&b, "**Confidence:** %.0f%%\n\n", *c.Confidence*100)
		}
		if c.Description != "" {
			b.WriteString(c.Description + "\n\n")
		}
		section(&b, "Causes", c.Causes)
		section(&b, "Effects", c.Effects)
		if len(c.Remedies) > 0 {
			b.WriteString("### Remedies\n\n")
			for _, r := range c.Remedies {
				b.WriteString("- " + escapeInline(r) + "\n")
			}
			b.WriteString("\n")
		}
		section(&b, "Advice", c.Advice)
		if len(c.InfoLinks) > 0 {
			b.WriteString("### More information\n\n")
			for _, l := range c.InfoLinks {
				title := l.Title
				if title == "" {
					title = l.URL
				}
				fmt.Fprintf(&b, "- [%s](%s)\n", escapeInline(title), l.URL)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("---\n\n")
	b.WriteString("_" + Disclaimer + "_\n")
	return b.String()
}

func section(b *strings.Builder, heading, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	fmt.Fprintf(b, "### %s\n\n%s\n\n", heading, body)
}

var inlineEscaper = strings.NewReplacer("\n", " ", "\r", " ", "[", `\[`, "]", `\]`, "*", `\*`, "_", `\_`)

func escapeInline(s string) string {
	return inlineEscaper.Replace(strings.TrimSpace(s))
}
