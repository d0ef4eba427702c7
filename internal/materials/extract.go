package materials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxFileBytes = 50 * 1024 * 1024
	maxTextBytes = 2 * 1024 * 1024
)

// Extraction is the text pulled from one reference file.
type Extraction struct {
	Text      string
	Method    string
	Truncated bool
}

// ErrUnsupported is returned for files that are not PDF, text or Markdown.
var ErrUnsupported = errors.New("unsupported material type")

// Supported reports whether path has an extension ExtractText handles.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf", ".txt", ".md":
		return true
	}
	return false
}

// ExtractText reads a reference file. PDFs go through pdftotext when it is
// installed and fall back to scanning printable byte runs.
func ExtractText(ctx context.Context, path string) (Extraction, error) {
	if !Supported(path) {
		return Extraction{}, fmt.Errorf("%w: %s", ErrUnsupported, filepath.Ext(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return Extraction{}, err
	}
	if info.Size() > maxFileBytes {
		return Extraction{}, fmt.Errorf("file too large: %d bytes", info.Size())
	}

	if strings.ToLower(filepath.Ext(path)) != ".pdf" {
		blob, err := os.ReadFile(path)
		if err != nil {
			return Extraction{}, err
		}
		if !utf8.Valid(blob) {
			return Extraction{}, fmt.Errorf("%s is not valid UTF-8", filepath.Base(path))
		}
		return truncate(string(blob), "plain"), nil
	}

	if text, err := runPdfToText(ctx, path); err == nil && strings.TrimSpace(text) != "" {
		return truncate(text, "pdftotext"), nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return Extraction{}, err
	}
	fallback := printableRuns(blob)
	if strings.TrimSpace(fallback) == "" {
		return Extraction{}, errors.New("no extractable text found")
	}
	return truncate(fallback, "byte-fallback"), nil
}

func runPdfToText(ctx context.Context, path string) (string, error) {
	bin := os.Getenv("PDFTOTEXT_PATH")
	if strings.TrimSpace(bin) == "" {
		bin = "pdftotext"
	}
	out, err := exec.CommandContext(ctx, bin, "-layout", "-enc", "UTF-8", path, "-").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// printableRuns keeps runs of at least 24 printable bytes.
func printableRuns(blob []byte) string {
	var runs []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); len(s) >= 24 {
			runs = append(runs, s)
		}
		b.Reset()
	}
	for _, c := range blob {
		r := rune(c)
		if r < utf8.RuneSelf && (unicode.IsPrint(r) || r == '\n' || r == '\t' || r == '\r') {
			b.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return strings.TrimSpace(strings.Join(runs, "\n"))
}

func truncate(text, method string) Extraction {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= maxTextBytes {
		return Extraction{Text: trimmed, Method: method}
	}
	prefix := string(bytes.Runes([]byte(trimmed[:maxTextBytes])))
	return Extraction{Text: prefix, Method: method, Truncated: true}
}
