// Package capture turns a live scene into the immutable artifact an AI
// request is grounded on: a byte-budgeted raster image plus a reduced
// structured summary of the elements.
package capture

import (
	"encoding/json"
	"fmt"
	"time"

	"easel/api/internal/scene"
	"easel/api/internal/util"
)

// Capture is immutable once built. OverBudget marks a best-effort
// result that exceeded the target after every fallback; the upload
// boundary applies its own hard ceiling on top.
type Capture struct {
	ID         string          `json:"id"`
	BoardID    string          `json:"boardId"`
	Image      []byte          `json:"-"`
	MimeType   string          `json:"mimeType"`
	Width      int             `json:"width"`
	Height     int             `json:"height"`
	Summary    json.RawMessage `json:"summary"`
	OverBudget bool            `json:"overBudget"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// DataURL renders the image for inline model grounding.
func (c Capture) DataURL() string {
	return "data:" + c.MimeType + ";base64," + base64Encode(c.Image)
}

// summaryElement is the minimal projection sent to the model: identity,
// geometry and text only. Styling, bindings and binary payloads are
// dropped so summary size is bounded independently of image size.
type summaryElement struct {
	ID     string            `json:"id"`
	Type   scene.ElementType `json:"type"`
	X      float64           `json:"x"`
	Y      float64           `json:"y"`
	Width  float64           `json:"width"`
	Height float64           `json:"height"`
	Angle  float64           `json:"angle,omitempty"`
	Text   string            `json:"text,omitempty"`
}

type summary struct {
	Elements []summaryElement `json:"elements"`
	// Assets intentionally always empty: binary payloads travel only
	// inside the rendered image.
	Assets map[string]scene.Asset `json:"assets"`
}

// Summarize reduces a snapshot to the bounded structured summary.
func Summarize(snap scene.Snapshot) (json.RawMessage, error) {
	out := summary{
		Elements: make([]summaryElement, 0, len(snap.Elements)),
		Assets:   map[string]scene.Asset{},
	}
	for _, el := range snap.Elements {
		if el.Deleted {
			continue
		}
		out.Elements = append(out.Elements, summaryElement{
			ID:     el.ID,
			Type:   el.Type,
			X:      el.X,
			Y:      el.Y,
			Width:  el.Width,
			Height: el.Height,
			Angle:  el.Angle,
			Text:   el.Text,
		})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	return raw, nil
}

func newCaptureID() string {
	return util.NewID("cap")
}
