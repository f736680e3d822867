package scene

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDeltaCarriesNoViewState(t *testing.T) {
	snap := Snapshot{
		Elements: []Element{el("e1", 1, 100, 2)},
		View: ViewState{
			ScrollX:    120.5,
			ScrollY:    -44,
			Zoom:       1.75,
			ActiveTool: "freedraw",
			GridSize:   20,
		},
		Assets: map[string]Asset{"a1": {MimeType: "image/png", DataURL: "data:image/png;base64,AA=="}},
	}

	payload, err := json.Marshal(snap.Delta())
	if err != nil {
		t.Fatalf("marshal delta: %v", err)
	}

	body := string(payload)
	for _, field := range []string{"scrollX", "scrollY", "zoom", "activeTool", "gridSize", "view"} {
		if strings.Contains(body, field) {
			t.Errorf("delta payload leaked view field %q: %s", field, body)
		}
	}
	if !strings.Contains(body, "e1") {
		t.Error("delta payload dropped shared elements")
	}
	if !strings.Contains(body, "a1") {
		t.Error("delta payload dropped shared assets")
	}
}

func TestDeltaIsACopy(t *testing.T) {
	snap := Snapshot{Elements: []Element{el("e1", 1, 100, 2)}}
	d := snap.Delta()
	d.Elements[0].Version = 99
	if snap.Elements[0].Version != 1 {
		t.Error("mutating a delta mutated the source snapshot")
	}
}

func TestApplyReplacesElementCollection(t *testing.T) {
	snap := Snapshot{
		Elements: []Element{el("e1", 1, 100, 1)},
		View:     ViewState{Zoom: 2},
	}
	snap.Apply(Delta{Elements: []Element{el("e1", 2, 200, 1), el("e2", 1, 150, 1)}})

	if len(snap.Elements) != 2 {
		t.Fatalf("expected 2 elements after apply, got %d", len(snap.Elements))
	}
	if snap.Elements[0].Version != 2 {
		t.Errorf("apply kept stale element, version %d", snap.Elements[0].Version)
	}
	if snap.View.Zoom != 2 {
		t.Error("apply touched local view state")
	}
}

func TestContentDigest(t *testing.T) {
	snap := Snapshot{Elements: []Element{el("e1", 1, 100, 1), el("e2", 2, 100, 1)}}
	before := snap.Digest()

	// Camera-only change: digest must not move.
	snap.View.Zoom = 3.5
	snap.View.ScrollX = 900
	if snap.Digest() != before {
		t.Error("view-only change altered the content digest")
	}

	// Content change: digest must move.
	snap.Elements[0].Touch(msTime(200))
	if snap.Digest() == before {
		t.Error("element mutation did not alter the content digest")
	}
}
