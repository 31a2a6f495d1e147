package capability

import (
	"context"
	"fmt"
	"os"
	"strings"

	pdfx "github.com/ledongthuc/pdf"

	"github.com/eferist/weft/internal/invoke"
)

type pdfExtract struct {
	name     string
	maxBytes int64
	maxPages int
}

// NewPDFExtract returns a capability that reads the PDF at the filesystem
// path given as its request and returns its plain text, page by page, up to
// maxPages pages and maxBytes of file size.
func NewPDFExtract(name string, maxBytes int64, maxPages int) invoke.Capability {
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	if maxPages <= 0 {
		maxPages = 20
	}
	return &pdfExtract{name: name, maxBytes: maxBytes, maxPages: maxPages}
}

func (p *pdfExtract) Name() string { return p.name }

func (p *pdfExtract) Invoke(ctx context.Context, request string) (string, error) {
	path := strings.TrimSpace(request)
	if path == "" {
		return "", fmt.Errorf("%s: missing pdf path", p.name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.name, err)
	}
	if info.Size() > p.maxBytes {
		return "", fmt.Errorf("%s: pdf too large: %d bytes > limit %d", p.name, info.Size(), p.maxBytes)
	}

	f, r, err := pdfx.Open(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", p.name, err)
	}
	defer f.Close()

	total := r.NumPage()
	pages := total
	if pages > p.maxPages {
		pages = p.maxPages
	}

	var out strings.Builder
	for page := 1; page <= pages; page++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		txt, _ := r.Page(page).GetPlainText(nil)
		txt = strings.TrimSpace(txt)
		if txt == "" {
			continue
		}
		out.WriteString(txt)
		out.WriteString("\n\n")
	}
	return strings.TrimSpace(out.String()), nil
}
