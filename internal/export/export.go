// Package export produces downloadable documents of a board. PDF
// printing goes through headless Chrome so exports draw exactly what
// captures draw.
package export

import (
	"context"
	"fmt"
	"html"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"easel/api/internal/capture"
	"easel/api/internal/scene"
)

// printMaxDim bounds the rendered scene's longer side. Print output is
// vector so this only limits the viewBox, not the fidelity.
const printMaxDim = 1400

// Result is one finished export ready to ship to the client.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

type Exporter struct {
	timeout time.Duration
}

func New() (*Exporter, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, fmt.Errorf("chromium not installed")
		}
	}
	return &Exporter{timeout: 30 * time.Second}, nil
}

// BoardPDF prints the board's scene under a title header and returns
// the finished PDF.
func (e *Exporter) BoardPDF(ctx context.Context, title string, snap scene.Snapshot) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	doc := printHTML(title, snap)
	dataURL := "data:text/html;charset=utf-8," + percentEncode(doc)

	var pdf []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdf, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5).
				WithPaperHeight(11.0).
				WithMarginTop(0.5).
				WithMarginBottom(0.5).
				WithMarginLeft(0.5).
				WithMarginRight(0.5).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome pdf: %w", err)
	}

	return &Result{
		Data:     pdf,
		Filename: sanitizeFilename(title) + ".pdf",
		MimeType: "application/pdf",
	}, nil
}

// printHTML lays the scene SVG out under a header. The SVG scales to
// the page width; Chrome handles pagination for tall scenes.
func printHTML(title string, snap scene.Snapshot) string {
	svg, _, _ := capture.SceneSVG(snap, printMaxDim)
	exported := time.Now().UTC().Format("2 Jan 2006 15:04 UTC")
	var b strings.Builder
	b.WriteString(`<!DOCTYPE html><html><head><style>`)
	b.WriteString(`body{margin:0;font-family:sans-serif}`)
	b.WriteString(`header{border-bottom:1px solid #ddd;padding-bottom:8px;margin-bottom:16px}`)
	b.WriteString(`h1{font-size:20px;margin:0}`)
	b.WriteString(`p{color:#666;font-size:11px;margin:4px 0 0}`)
	b.WriteString(`svg{max-width:100%;height:auto}`)
	b.WriteString(`</style></head><body><header><h1>`)
	b.WriteString(html.EscapeString(title))
	b.WriteString(`</h1><p>Exported `)
	b.WriteString(exported)
	b.WriteString(`</p></header>`)
	b.WriteString(svg)
	b.WriteString(`</body></html>`)
	return b.String()
}

// percentEncode encodes for a data URL; spaces become %20, never +.
func percentEncode(s string) string {
	var out strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			out.WriteRune(r)
		default:
			for _, b := range []byte(string(r)) {
				out.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return out.String()
}

// sanitizeFilename keeps the title readable in a download name without
// trusting it as a path.
func sanitizeFilename(title string) string {
	var out strings.Builder
	lastHyphen := false
	for _, r := range strings.TrimSpace(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && out.Len() > 0 {
				out.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	name := strings.TrimSuffix(out.String(), "-")
	if name == "" {
		return "board"
	}
	return name
}
