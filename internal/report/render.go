package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Meta is printed above the report body.
type Meta struct {
	SurveyTitle string
	SurveyID    string
	Responses   int
	GeneratedAt time.Time
	Complete    bool
}

// PDFRenderer turns a Markdown report into a PDF document.
type PDFRenderer interface {
	Render(ctx context.Context, markdown string, meta Meta) ([]byte, error)
}

const baseCSS = `:root{--font-body:"Helvetica Neue",Arial,"PingFang SC","Noto Sans CJK SC",sans-serif;}
body{font-family:var(--font-body);color:#1f2937;line-height:1.55;font-size:13px;}
h1{font-size:1.6rem;border-bottom:2px solid #1e3a8a;padding-bottom:0.3rem;}
h2{font-size:1.25rem;color:#1e3a8a;margin-top:1.4rem;}
h3{font-size:1.05rem;color:#374151;}
blockquote{border-left:3px solid #93c5fd;margin:0.4rem 0;padding:0.2rem 0.8rem;color:#4b5563;}
code{font-size:0.85em;}`

// RenderHTML converts Markdown to a standalone HTML page. extraCSS is appended
// after the built-in stylesheet.
func RenderHTML(markdown string, meta Meta, extraCSS string) (string, error) {
	var content strings.Builder
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := md.Convert([]byte(markdown), &content); err != nil {
		return "", fmt.Errorf("markdown convert: %w", err)
	}
	contentHTML := applyPrintLayoutHooks(content.String())

	title := meta.SurveyTitle
	if title == "" {
		title = "Survey Report"
	}
	return "<!doctype html><html><head><meta charset='utf-8'><title>" + html.EscapeString(title) + "</title>" +
		"<style>" + baseCSS + "\n" + extraCSS + "\n" +
		"html,body,*{-webkit-print-color-adjust:exact !important;print-color-adjust:exact !important;} " +
		"body{background:#fff !important;padding:0.6rem;} .pdf-wrap{max-width:1000px;margin:0 auto;} " +
		".report-badge{display:inline-block;background:#dbeafe;color:#1e3a8a;border:1px solid #93c5fd;border-radius:4px;padding:0 0.4rem;margin-right:0.3rem;font-size:0.75rem;} " +
		".report-badge.warn{background:#fef3c7;color:#78350f;border-color:#fcd34d;} " +
		".report-meta{color:#44403c;font-size:0.8rem;margin-bottom:0.6rem;} .report-meta strong{color:#1c1917;} " +
		".report-html table{width:100%;border-collapse:collapse;border:1px solid #a8a29e;font-size:0.8rem;} " +
		".report-html th,.report-html td{border:1px solid #a8a29e;padding:0.35rem 0.45rem;text-align:left;vertical-align:top;} " +
		".report-html thead th{background:#f1f5f9;font-weight:700;} " +
		".report-html h2[data-section-heading='true']{font-weight:700;letter-spacing:0.01em;} " +
		`h2[data-page-break-before="true"]{break-before:page;page-break-before:always;} ` +
		"@media print{ @page{size:auto;margin:12mm;} body{padding:0;} .pdf-wrap{max-width:none;} }" +
		"</style></head><body><div class='pdf-wrap'><div class='report-header'>" +
		"<div class='report-meta'>" + buildMetaHTML(meta) + "</div>" +
		"<div class='report-badges'>" + buildBadgeHTML(meta) + "</div>" +
		"</div><div class='report-html'>" + contentHTML + "</div></div></body></html>", nil
}

var (
	recommendationsHeadingRe = regexp.MustCompile(`(?i)<h2([^>]*)>\s*((?:[0-9]+\.\s*)?(?:Strategic\s+)?Recommendations)\s*</h2>`)
	numberedSectionRe        = regexp.MustCompile(`<h2([^>]*)>\s*([0-9]+\.\s[^<]*)\s*</h2>`)
)

// applyPrintLayoutHooks starts the recommendations on a fresh page and tags
// numbered section headings for styling.
func applyPrintLayoutHooks(contentHTML string) string {
	out := recommendationsHeadingRe.ReplaceAllString(contentHTML, `<h2$1 data-page-break-before="true">$2</h2>`)
	return numberedSectionRe.ReplaceAllString(out, `<h2$1 data-section-heading="true">$2</h2>`)
}

func buildMetaHTML(m Meta) string {
	var out strings.Builder
	if m.SurveyTitle != "" {
		out.WriteString("<div><strong>Survey:</strong> " + html.EscapeString(m.SurveyTitle) + "</div>")
	}
	if m.SurveyID != "" {
		out.WriteString("<div><strong>Reference:</strong> " + html.EscapeString(m.SurveyID) + "</div>")
	}
	if m.Responses > 0 {
		fmt.Fprintf(&out, "<div><strong>Responses:</strong> %d</div>", m.Responses)
	}
	if !m.GeneratedAt.IsZero() {
		out.WriteString("<div><strong>Date:</strong> " + html.EscapeString(m.GeneratedAt.In(time.Local).Format("January 2, 2006 at 3:04 PM MST")) + "</div>")
	}
	return out.String()
}

func buildBadgeHTML(m Meta) string {
	if m.Complete {
		return "<span class='report-badge'>Complete</span>"
	}
	return "<span class='report-badge warn'>Possibly incomplete</span>"
}

// ChromiumPDFRenderer prints reports with headless Chromium.
type ChromiumPDFRenderer struct {
	styleDir   string
	chromePath string
	styleOnce  sync.Once
	styleCSS   string
	styleErr   error
}

// NewChromiumPDFRenderer returns a renderer. When styleDir is non-empty its
// style.css is appended to the built-in stylesheet.
func NewChromiumPDFRenderer(styleDir string) *ChromiumPDFRenderer {
	return &ChromiumPDFRenderer{
		styleDir:   styleDir,
		chromePath: detectChromePath(),
	}
}

func (r *ChromiumPDFRenderer) Render(ctx context.Context, markdown string, meta Meta) ([]byte, error) {
	styleCSS, err := r.loadStyleCSS()
	if err != nil {
		return nil, err
	}
	htmlDoc, err := RenderHTML(markdown, meta, styleCSS)
	if err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
	}
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(timeoutCtx, append(chromedp.DefaultExecAllocatorOptions[:], opts...)...)
	defer allocCancel()

	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()

	var pdf []byte
	dataURL := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(htmlDoc))
	if err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			footer := `<div style="width:100%;text-align:center;font-size:9px;color:#666;padding-right:8px;">` +
				`Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`
			out, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithDisplayHeaderFooter(true).
				WithHeaderTemplate(`<div></div>`).
				WithFooterTemplate(footer).
				WithPaperWidth(8.27).
				WithPaperHeight(11.69).
				WithMarginTop(0.5).
				WithMarginBottom(0.75).
				WithMarginLeft(0.45).
				WithMarginRight(0.45).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = out
			return nil
		}),
	); err != nil {
		return nil, fmt.Errorf("print pdf: %w", err)
	}
	return pdf, nil
}

func (r *ChromiumPDFRenderer) loadStyleCSS() (string, error) {
	r.styleOnce.Do(func() {
		if r.styleDir == "" {
			return
		}
		b, err := os.ReadFile(filepath.Join(r.styleDir, "style.css"))
		if err != nil {
			r.styleErr = fmt.Errorf("read style.css: %w", err)
			return
		}
		r.styleCSS = string(b)
	})
	return r.styleCSS, r.styleErr
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
