package report

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joelkehle/symptomatch/internal/catalog"
)

func TestBuildMarkdown(t *testing.T) {
	conf := 0.8
	cands := []catalog.Candidate{
		{
			PrimaryName:  "Influenza",
			ConsumerName: "Flu",
			Description:  "A viral infection.",
			Causes:       "Influenza virus",
			Remedies:     []string{"Rest", "Fluids"},
			InfoLinks:    []catalog.InfoLink{{URL: "https://medlineplus.gov/flu.html", Title: "Flu"}},
			Confidence:   &conf,
		},
		{PrimaryName: "Migraine"},
	}
	at := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	out := BuildMarkdown("fever, cough", cands, at)

	assert.True(t, strings.HasPrefix(out, "# Symptom Report\n"))
	assert.Contains(t, out, "**Symptoms:** fever, cough")
	assert.Contains(t, out, "March 4, 2026 10:30 UTC")
	assert.Contains(t, out, "## 1. Influenza")
	assert.Contains(t, out, "_Also known as Flu._")
	assert.Contains(t, out, "**Confidence:** 80%")
	assert.Contains(t, out, "- Rest\n- Fluids")
	assert.Contains(t, out, "- [Flu](https://medlineplus.gov/flu.html)")
	assert.Contains(t, out, "## 2. Migraine")
	assert.NotContains(t, out, "### Effects")
	assert.True(t, strings.HasSuffix(out, "_"+Disclaimer+"_\n"))
	assert.Less(t, strings.Index(out, "Influenza"), strings.Index(out, "Migraine"))
}

func TestBuildMarkdownWithoutCandidates(t *testing.T) {
	out := BuildMarkdown("zzz", nil, time.Now())
	assert.Contains(t, out, "No likely conditions were identified.")
	assert.Contains(t, out, Disclaimer)
}

func TestBuildMarkdownEscapesInlineText(t *testing.T) {
	out := BuildMarkdown("a\n# injected", []catalog.Candidate{{PrimaryName: "[x](y)"}}, time.Now())
	assert.NotContains(t, out, "\n# injected")
	assert.Contains(t, out, `\[x\](y)`)
}

func TestMarkdownToHTML(t *testing.T) {
	out, err := MarkdownToHTML("## Causes\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n<script>alert(1)</script>")
	require.NoError(t, err)
	assert.Contains(t, out, "<h2>Causes</h2>")
	assert.Contains(t, out, "<table>")
	assert.NotContains(t, out, "<script>")
}

func TestBuildHTMLEscapesTitle(t *testing.T) {
	out, err := BuildHTML("<Report>", "text")
	require.NoError(t, err)
	assert.Contains(t, out, "<title>&lt;Report&gt;</title>")
	assert.Contains(t, out, "<p>text</p>")
}

func TestRenderWithoutBrowser(t *testing.T) {
	r := &ChromiumPDFRenderer{timeout: time.Second}
	_, err := r.Render(context.Background(), "t", "# x")
	assert.True(t, errors.Is(err, ErrNoBrowser))
}

func TestPDFFooterCarriesDisclaimer(t *testing.T) {
	assert.Contains(t, pdfFooter, Disclaimer)
	assert.Contains(t, pdfFooter, `class="pageNumber"`)

	r := &ChromiumPDFRenderer{chromePath: "/opt/chromium", timeout: time.Second}
	assert.Len(t, r.allocatorOptions(), len(chromedp.DefaultExecAllocatorOptions)+4)
}

func TestRenderWithInstalledBrowser(t *testing.T) {
	r := NewChromiumPDFRenderer("")
	if !r.Available() {
		t.Skip("no chromium installed")
	}
	out, err := r.Render(context.Background(), "Report", "# Symptom Report\n\nfever")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}
