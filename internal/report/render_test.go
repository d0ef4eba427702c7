package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestApplyPrintLayoutHooksBreaksBeforeRecommendations(t *testing.T) {
	in := "<h2>Summary</h2><p>x</p><h2>Recommendations</h2><p>y</p>"
	out := applyPrintLayoutHooks(in)
	if !strings.Contains(out, `<h2 data-page-break-before="true">Recommendations</h2>`) {
		t.Fatalf("expected page-break injection, got: %s", out)
	}
}

func TestApplyPrintLayoutHooksNoopWithoutMatches(t *testing.T) {
	in := "<h2>Summary</h2><p>x</p>"
	if out := applyPrintLayoutHooks(in); out != in {
		t.Fatalf("expected no change, got: %s", out)
	}
}

func TestApplyPrintLayoutHooksMarksNumberedSections(t *testing.T) {
	in := "<h2>1. Executive summary</h2><p>x</p>"
	out := applyPrintLayoutHooks(in)
	if !strings.Contains(out, `<h2 data-section-heading="true">1. Executive summary</h2>`) {
		t.Fatalf("expected section heading hook, got: %s", out)
	}
}

func TestRenderHTML(t *testing.T) {
	md := "# Report\n\n## 6. Strategic recommendations\n\n| Option | Count |\n|---|---|\n| A | 2 |\n"
	out, err := RenderHTML(md, Meta{
		SurveyTitle: "Cafe <survey>",
		Responses:   12,
		GeneratedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}, ".extra{color:red}")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"<title>Cafe &lt;survey&gt;</title>",
		"<table>",
		`data-page-break-before="true"`,
		"<strong>Responses:</strong> 12",
		"Possibly incomplete",
		".extra{color:red}",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("html missing %q", want)
		}
	}
}

func TestLoadStyleCSS(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "style.css"), []byte("body{margin:0}"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewChromiumPDFRenderer(dir)
	css, err := r.loadStyleCSS()
	if err != nil || css != "body{margin:0}" {
		t.Fatalf("css=%q err=%v", css, err)
	}

	missing := NewChromiumPDFRenderer(filepath.Join(dir, "nope"))
	if _, err := missing.Render(context.Background(), "# x", Meta{}); err == nil {
		t.Fatal("expected error for missing stylesheet")
	}
}
