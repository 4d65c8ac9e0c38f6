package report

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Renderer turns a markdown document into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, title, markdown string) ([]byte, error)
}

var ErrNoBrowser = errors.New("no chromium binary found")

// ChromiumPDFRenderer prints HTML to PDF with a headless Chromium.
type ChromiumPDFRenderer struct {
	chromePath string
	timeout    time.Duration
}

// NewChromiumPDFRenderer uses chromePath, or the first well-known install
// location when it is empty.
func NewChromiumPDFRenderer(chromePath string) *ChromiumPDFRenderer {
	if chromePath == "" {
		chromePath = detectChromePath()
	}
	return &ChromiumPDFRenderer{chromePath: chromePath, timeout: 30 * time.Second}
}

func (r *ChromiumPDFRenderer) Available() bool { return r.chromePath != "" }

// Render loads the page into a blank tab and prints it to A4 with a page
// counter and the disclaimer in the footer.
func (r *ChromiumPDFRenderer) Render(ctx context.Context, title, markdown string) ([]byte, error) {
	if !r.Available() {
		return nil, ErrNoBrowser
	}
	doc, err := BuildHTML(title, markdown)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx, cancelAlloc := chromedp.NewExecAllocator(ctx, r.allocatorOptions()...)
	defer cancelAlloc()
	ctx, cancelTab := chromedp.NewContext(ctx)
	defer cancelTab()

	var out []byte
	err = chromedp.Run(ctx,
		chromedp.Navigate("about:blank"),
		setDocument(doc),
		chromedp.WaitReady("body", chromedp.ByQuery),
		printA4(&out),
	)
	if err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return out, nil
}

func (r *ChromiumPDFRenderer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+4)
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	return append(opts,
		chromedp.ExecPath(r.chromePath),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	)
}

func setDocument(doc string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		return page.SetDocumentContent(tree.Frame.ID, doc).Do(ctx)
	})
}

// A4 in inches.
const (
	a4Width  = 8.27
	a4Height = 11.69
)

const pdfFooter = `<div style="width:100%;font-size:8px;color:#57534e;padding:0 12mm;display:flex;justify-content:space-between;">` +
	`<span>` + Disclaimer + `</span><span><span class="pageNumber"></span>/<span class="totalPages"></span></span></div>`

func printA4(out *[]byte) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		buf, _, err := page.PrintToPDF().
			WithPaperWidth(a4Width).
			WithPaperHeight(a4Height).
			WithMarginTop(0.5).
			WithMarginBottom(0.8).
			WithPrintBackground(true).
			WithDisplayHeaderFooter(true).
			WithHeaderTemplate(`<span></span>`).
			WithFooterTemplate(pdfFooter).
			Do(ctx)
		if err != nil {
			return err
		}
		*out = buf
		return nil
	})
}

const printCSS = `body{font-family:Georgia,serif;color:#1c1917;max-width:900px;margin:0 auto;padding:0.6rem;line-height:1.45;}` +
	`h1{border-bottom:2px solid #0f766e;padding-bottom:0.3rem;}` +
	`h2{color:#0f766e;margin-top:1.6rem;break-after:avoid;}` +
	`h3{font-size:1rem;margin-bottom:0.2rem;}` +
	`a{color:#1d4ed8;text-decoration:underline;}` +
	`table{width:100%;border-collapse:collapse;font-size:0.85rem;}` +
	`th,td{border:1px solid #a8a29e;padding:0.35rem;text-align:left;vertical-align:top;}` +
	`hr{border:0;border-top:1px solid #d6d3d1;margin-top:2rem;}` +
	`@media print{@page{size:auto;margin:12mm;} body{padding:0;}}`

// BuildHTML wraps rendered markdown in a standalone printable page.
func BuildHTML(title, markdown string) (string, error) {
	body, err := MarkdownToHTML(markdown)
	if err != nil {
		return "", err
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>" + html.EscapeString(title) + "</title>" +
		"<style>" + printCSS + "</style></head><body>" + body + "</body></html>", nil
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
