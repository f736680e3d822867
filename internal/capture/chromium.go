package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os/exec"
	"time"

	"github.com/chromedp/chromedp"

	"easel/api/internal/scene"
)

// ChromeRenderer rasterizes scenes with headless Chrome: the snapshot
// is rendered to an SVG document, served as a data URL and
// screenshotted at the candidate dimension.
type ChromeRenderer struct {
	timeout time.Duration
}

func NewChromeRenderer() (*ChromeRenderer, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, fmt.Errorf("chromium not installed")
		}
	}
	return &ChromeRenderer{timeout: 30 * time.Second}, nil
}

func (r *ChromeRenderer) Render(ctx context.Context, snap scene.Snapshot, maxDim int) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
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

	width, height := fitDimensions(snap, maxDim)
	doc := sceneHTML(snap, maxDim)
	dataURL := "data:text/html;charset=utf-8," + percentEncode(doc)

	var shot []byte
	err := chromedp.Run(taskCtx,
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURL),
		chromedp.WaitReady("body"),
		chromedp.CaptureScreenshot(&shot),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome screenshot: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(shot))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

// percentEncode encodes for a data URL; spaces become %20, never +.
func percentEncode(s string) string {
	var out bytes.Buffer
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			out.WriteRune(r)
		default:
			for _, b := range []byte(string(r)) {
				fmt.Fprintf(&out, "%%%02X", b)
			}
		}
	}
	return out.String()
}
