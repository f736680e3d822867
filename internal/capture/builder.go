package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log"
	"time"

	"easel/api/internal/scene"
)

// ErrCaptureGeneration means rendering failed at every candidate
// dimension. Fatal to the current AI turn, harmless to the session.
var ErrCaptureGeneration = errors.New("capture generation failed")

// Renderer rasterizes a scene at a bounded maximum dimension.
type Renderer interface {
	Render(ctx context.Context, snap scene.Snapshot, maxDim int) (image.Image, error)
}

// Defaults approximate the product tuning; all are overridable.
var (
	DefaultDimensions    = []int{1600, 1200, 900, 700, 500}
	DefaultJPEGQualities = []int{80, 60, 40}
	DefaultByteBudget    = 600 * 1024
)

// Builder runs the greedy capture search: descending dimensions, then
// lossy encodings in descending quality with lossless last. The first
// encoding at or under budget wins; latency beats compression ratio.
type Builder struct {
	renderer      Renderer
	byteBudget    int
	dimensions    []int
	jpegQualities []int
}

func NewBuilder(renderer Renderer, byteBudget int) *Builder {
	if byteBudget <= 0 {
		byteBudget = DefaultByteBudget
	}
	return &Builder{
		renderer:      renderer,
		byteBudget:    byteBudget,
		dimensions:    DefaultDimensions,
		jpegQualities: DefaultJPEGQualities,
	}
}

// Build produces a Capture for the board snapshot. A nil error with
// OverBudget set means every dimension/format/quality combination was
// tried and the last (smallest) attempt is returned as best effort.
func (b *Builder) Build(ctx context.Context, boardID string, snap scene.Snapshot) (Capture, error) {
	reduced, err := Summarize(snap)
	if err != nil {
		return Capture{}, err
	}

	var last *encoded
	rendered := false
	for _, dim := range b.dimensions {
		img, err := b.renderer.Render(ctx, snap, dim)
		if err != nil {
			log.Printf("capture: render at %dpx failed: %v", dim, err)
			continue
		}
		rendered = true
		for _, attempt := range b.encodings() {
			enc, err := attempt(img)
			if err != nil {
				log.Printf("capture: encode %s at %dpx failed: %v", enc.mime, dim, err)
				continue
			}
			last = &enc
			if len(enc.data) <= b.byteBudget {
				return b.finish(boardID, enc, reduced, false), nil
			}
		}
	}

	if !rendered {
		return Capture{}, fmt.Errorf("%w: no dimension rendered", ErrCaptureGeneration)
	}
	if last == nil {
		return Capture{}, fmt.Errorf("%w: no encoding succeeded", ErrCaptureGeneration)
	}
	// Soft failure: over budget after exhausting the whole ladder.
	return b.finish(boardID, *last, reduced, true), nil
}

type encoded struct {
	data          []byte
	mime          string
	width, height int
}

type encodeFunc func(image.Image) (encoded, error)

func (b *Builder) encodings() []encodeFunc {
	var out []encodeFunc
	for _, q := range b.jpegQualities {
		quality := q
		out = append(out, func(img image.Image) (encoded, error) {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
				return encoded{mime: "image/jpeg"}, err
			}
			bounds := img.Bounds()
			return encoded{data: buf.Bytes(), mime: "image/jpeg", width: bounds.Dx(), height: bounds.Dy()}, nil
		})
	}
	out = append(out, func(img image.Image) (encoded, error) {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return encoded{mime: "image/png"}, err
		}
		bounds := img.Bounds()
		return encoded{data: buf.Bytes(), mime: "image/png", width: bounds.Dx(), height: bounds.Dy()}, nil
	})
	return out
}

func (b *Builder) finish(boardID string, enc encoded, reduced []byte, overBudget bool) Capture {
	return Capture{
		ID:         newCaptureID(),
		BoardID:    boardID,
		Image:      enc.data,
		MimeType:   enc.mime,
		Width:      enc.width,
		Height:     enc.height,
		Summary:    reduced,
		OverBudget: overBudget,
		CreatedAt:  time.Now().UTC(),
	}
}

func base64Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
