// Package scene holds the in-memory whiteboard scene model: versioned
// drawable elements, point-in-time snapshots, and the last-writer-wins
// merge used to reconcile concurrent edits from board peers.
package scene

import (
	"math/rand/v2"
	"time"
)

type ElementType string

const (
	TypeRectangle ElementType = "rectangle"
	TypeEllipse   ElementType = "ellipse"
	TypeLine      ElementType = "line"
	TypeArrow     ElementType = "arrow"
	TypeFreedraw  ElementType = "freedraw"
	TypeText      ElementType = "text"
	TypeImage     ElementType = "image"
)

// Element is one drawable unit on a board. Version increments on every
// local mutation; VersionNonce is re-rolled alongside it and breaks ties
// when two clients produce the same version at the same millisecond.
type Element struct {
	ID              string      `json:"id"`
	Type            ElementType `json:"type"`
	X               float64     `json:"x"`
	Y               float64     `json:"y"`
	Width           float64     `json:"width"`
	Height          float64     `json:"height"`
	Angle           float64     `json:"angle"`
	StrokeColor     string      `json:"strokeColor,omitempty"`
	BackgroundColor string      `json:"backgroundColor,omitempty"`
	StrokeWidth     float64     `json:"strokeWidth,omitempty"`
	Points          []Point     `json:"points,omitempty"`
	Text            string      `json:"text,omitempty"`
	FontSize        float64     `json:"fontSize,omitempty"`
	AssetID         string      `json:"assetId,omitempty"`
	Deleted         bool        `json:"isDeleted,omitempty"`
	Version         int64       `json:"version"`
	VersionNonce    int64       `json:"versionNonce"`
	UpdatedAt       int64       `json:"updatedAt"`
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Asset is an embedded binary payload (image fills) addressed by elements
// through AssetID. Travels inside full snapshots only.
type Asset struct {
	MimeType string `json:"mimeType"`
	DataURL  string `json:"dataURL"`
	Created  int64  `json:"created"`
}

// ViewState is per-viewer presentation state. It is private to each
// client and must never cross the sync channel.
type ViewState struct {
	ScrollX    float64 `json:"scrollX"`
	ScrollY    float64 `json:"scrollY"`
	Zoom       float64 `json:"zoom"`
	ActiveTool string  `json:"activeTool,omitempty"`
	GridSize   int     `json:"gridSize,omitempty"`
}

// Snapshot is the full local scene: what gets persisted and rendered.
type Snapshot struct {
	Elements []Element        `json:"elements"`
	View     ViewState        `json:"view"`
	Assets   map[string]Asset `json:"assets,omitempty"`
}

// Touch records a local mutation: bump the version, re-roll the nonce
// and stamp the wall clock. Owning clients call this on every edit.
func (e *Element) Touch(now time.Time) {
	e.Version++
	e.VersionNonce = rand.Int64()
	e.UpdatedAt = now.UnixMilli()
}

// Clone returns a deep copy of the element.
func (e Element) Clone() Element {
	out := e
	if e.Points != nil {
		out.Points = make([]Point, len(e.Points))
		copy(out.Points, e.Points)
	}
	return out
}
