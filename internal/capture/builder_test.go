package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
	"testing"

	"easel/api/internal/scene"
)

// fakeRenderer records render calls and can fail selected dimensions.
type fakeRenderer struct {
	calls    []int
	failDims map[int]bool
	failAll  bool
}

func (r *fakeRenderer) Render(_ context.Context, _ scene.Snapshot, maxDim int) (image.Image, error) {
	r.calls = append(r.calls, maxDim)
	if r.failAll || r.failDims[maxDim] {
		return nil, errors.New("render crashed")
	}
	img := image.NewRGBA(image.Rect(0, 0, maxDim/10, maxDim/10))
	// Noise makes JPEG output size scale with dimension.
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 13), B: uint8(x * y), A: 255})
		}
	}
	return img, nil
}

func testSnapshot() scene.Snapshot {
	return scene.Snapshot{
		Elements: []scene.Element{
			{ID: "e1", Type: scene.TypeRectangle, X: 0, Y: 0, Width: 100, Height: 80, Version: 1,
				StrokeColor: "#ff0000", BackgroundColor: "#eeeeee"},
			{ID: "e2", Type: scene.TypeText, X: 10, Y: 10, Width: 50, Height: 20, Version: 3,
				Text: "2x+3=7", FontSize: 18},
		},
	}
}

func TestBuildFirstSuccessWins(t *testing.T) {
	r := &fakeRenderer{}
	b := NewBuilder(r, 1<<20) // generous budget

	snapCap, err := b.Build(context.Background(), "B1", testSnapshot())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if snapCap.OverBudget {
		t.Error("under-budget capture flagged over budget")
	}
	if snapCap.MimeType != "image/jpeg" {
		t.Errorf("expected first lossy encoding to win, got %s", snapCap.MimeType)
	}
	if len(r.calls) != 1 || r.calls[0] != 1600 {
		t.Errorf("greedy search should render once at the largest dimension, calls %v", r.calls)
	}
	if snapCap.ID == "" || len(snapCap.Image) == 0 {
		t.Error("capture missing id or image bytes")
	}
}

func TestBuildExhaustsLadderThenSoftFails(t *testing.T) {
	r := &fakeRenderer{}
	b := NewBuilder(r, 1) // nothing can fit one byte

	snapCap, err := b.Build(context.Background(), "B1", testSnapshot())
	if err != nil {
		t.Fatalf("exhausted ladder must be a soft failure, got %v", err)
	}
	if !snapCap.OverBudget {
		t.Error("over-budget result not flagged")
	}
	// Every dimension was tried, in descending order.
	want := []int{1600, 1200, 900, 700, 500}
	if fmt.Sprint(r.calls) != fmt.Sprint(want) {
		t.Errorf("render order %v, want %v", r.calls, want)
	}
	// The last attempt in the ladder is lossless.
	if snapCap.MimeType != "image/png" {
		t.Errorf("best-effort result should be the final attempt (png), got %s", snapCap.MimeType)
	}
}

func TestBuildSkipsFailingDimensions(t *testing.T) {
	r := &fakeRenderer{failDims: map[int]bool{1600: true, 1200: true}}
	b := NewBuilder(r, 1<<20)

	snapCap, err := b.Build(context.Background(), "B1", testSnapshot())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(r.calls) != 3 {
		t.Errorf("expected fallback to third dimension, calls %v", r.calls)
	}
	if snapCap.OverBudget {
		t.Error("successful fallback flagged over budget")
	}
}

func TestBuildFailsWhenNothingRenders(t *testing.T) {
	r := &fakeRenderer{failAll: true}
	b := NewBuilder(r, 1<<20)

	_, err := b.Build(context.Background(), "B1", testSnapshot())
	if !errors.Is(err, ErrCaptureGeneration) {
		t.Fatalf("expected ErrCaptureGeneration, got %v", err)
	}
}

func TestSummarizeDropsStylingAndAssets(t *testing.T) {
	snap := testSnapshot()
	snap.Assets = map[string]scene.Asset{
		"a1": {MimeType: "image/png", DataURL: "data:image/png;base64,AAAA"},
	}
	snap.Elements = append(snap.Elements, scene.Element{
		ID: "gone", Type: scene.TypeRectangle, Deleted: true, Version: 2,
	})

	raw, err := Summarize(snap)
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	body := string(raw)
	for _, leaked := range []string{"strokeColor", "backgroundColor", "AAAA", "version", "gone"} {
		if strings.Contains(body, leaked) {
			t.Errorf("summary leaked %q: %s", leaked, body)
		}
	}

	var parsed struct {
		Elements []summaryElement       `json:"elements"`
		Assets   map[string]scene.Asset `json:"assets"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("summary is not valid JSON: %v", err)
	}
	if len(parsed.Elements) != 2 {
		t.Errorf("summary has %d elements, want 2 live ones", len(parsed.Elements))
	}
	if len(parsed.Assets) != 0 {
		t.Error("summary asset map must always be empty")
	}
	if parsed.Elements[1].Text != "2x+3=7" {
		t.Error("text-bearing field dropped from summary")
	}
}

func TestSceneHTMLEscapesText(t *testing.T) {
	snap := scene.Snapshot{Elements: []scene.Element{{
		ID: "e1", Type: scene.TypeText, Text: `<script>alert("x")</script>`, Width: 100, Height: 20,
	}}}
	doc := sceneHTML(snap, 200)
	if strings.Contains(doc, "<script>alert") {
		t.Error("element text not escaped in rendered document")
	}
}
