package capture

import (
	"fmt"
	"html"
	"math"
	"strings"

	"easel/api/internal/scene"
)

const capturePadding = 24.0

// fitDimensions computes a viewport that fits the scene's bounding box
// inside maxDim on its longer side, preserving aspect ratio.
func fitDimensions(snap scene.Snapshot, maxDim int) (int, int) {
	minX, minY, maxX, maxY := sceneBounds(snap)
	w := maxX - minX + 2*capturePadding
	h := maxY - minY + 2*capturePadding
	if w <= 0 || h <= 0 {
		return maxDim, maxDim
	}
	scale := float64(maxDim) / math.Max(w, h)
	if scale > 1 {
		scale = 1
	}
	width := int(math.Ceil(w * scale))
	height := int(math.Ceil(h * scale))
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return width, height
}

func sceneBounds(snap scene.Snapshot) (minX, minY, maxX, maxY float64) {
	minX, minY = math.Inf(1), math.Inf(1)
	maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, el := range snap.Elements {
		if el.Deleted {
			continue
		}
		minX = math.Min(minX, el.X)
		minY = math.Min(minY, el.Y)
		maxX = math.Max(maxX, el.X+el.Width)
		maxY = math.Max(maxY, el.Y+el.Height)
	}
	if math.IsInf(minX, 1) {
		return 0, 0, 0, 0
	}
	return minX, minY, maxX, maxY
}

// SceneSVG renders the snapshot as a standalone SVG fragment fitted to
// maxDim on its longer side, and reports the viewport it chose. Export
// shares this with screenshotting so both paths draw identically.
func SceneSVG(snap scene.Snapshot, maxDim int) (svgDoc string, width, height int) {
	width, height = fitDimensions(snap, maxDim)
	minX, minY, maxX, maxY := sceneBounds(snap)
	var svg strings.Builder
	fmt.Fprintf(&svg, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="%f %f %f %f">`,
		width, height,
		minX-capturePadding, minY-capturePadding,
		maxX-minX+2*capturePadding, maxY-minY+2*capturePadding)
	svg.WriteString(`<rect x="-100000" y="-100000" width="200000" height="200000" fill="#ffffff"/>`)

	for _, el := range snap.Elements {
		if el.Deleted {
			continue
		}
		svg.WriteString(elementSVG(el, snap.Assets))
	}
	svg.WriteString(`</svg>`)
	return svg.String(), width, height
}

// sceneHTML wraps the scene SVG in a minimal page for the screenshot
// viewport.
func sceneHTML(snap scene.Snapshot, maxDim int) string {
	svg, _, _ := SceneSVG(snap, maxDim)
	return `<!DOCTYPE html><html><head><style>body{margin:0}</style></head><body>` +
		svg + `</body></html>`
}

func elementSVG(el scene.Element, assets map[string]scene.Asset) string {
	stroke := el.StrokeColor
	if stroke == "" {
		stroke = "#1e1e1e"
	}
	fill := el.BackgroundColor
	if fill == "" {
		fill = "none"
	}
	sw := el.StrokeWidth
	if sw == 0 {
		sw = 2
	}
	transform := ""
	if el.Angle != 0 {
		cx := el.X + el.Width/2
		cy := el.Y + el.Height/2
		transform = fmt.Sprintf(` transform="rotate(%f %f %f)"`, el.Angle*180/math.Pi, cx, cy)
	}

	switch el.Type {
	case scene.TypeRectangle:
		return fmt.Sprintf(`<rect x="%f" y="%f" width="%f" height="%f" stroke="%s" fill="%s" stroke-width="%f"%s/>`,
			el.X, el.Y, el.Width, el.Height, stroke, fill, sw, transform)
	case scene.TypeEllipse:
		return fmt.Sprintf(`<ellipse cx="%f" cy="%f" rx="%f" ry="%f" stroke="%s" fill="%s" stroke-width="%f"%s/>`,
			el.X+el.Width/2, el.Y+el.Height/2, el.Width/2, el.Height/2, stroke, fill, sw, transform)
	case scene.TypeLine, scene.TypeArrow, scene.TypeFreedraw:
		if len(el.Points) == 0 {
			return ""
		}
		var points strings.Builder
		for i, p := range el.Points {
			if i > 0 {
				points.WriteByte(' ')
			}
			fmt.Fprintf(&points, "%f,%f", el.X+p.X, el.Y+p.Y)
		}
		return fmt.Sprintf(`<polyline points="%s" stroke="%s" fill="none" stroke-width="%f" stroke-linecap="round" stroke-linejoin="round"%s/>`,
			points.String(), stroke, sw, transform)
	case scene.TypeText:
		size := el.FontSize
		if size == 0 {
			size = 20
		}
		var lines strings.Builder
		for i, line := range strings.Split(el.Text, "\n") {
			fmt.Fprintf(&lines, `<tspan x="%f" dy="%f">%s</tspan>`,
				el.X, size*1.25*boolToFloat(i > 0), html.EscapeString(line))
		}
		return fmt.Sprintf(`<text x="%f" y="%f" font-size="%f" font-family="sans-serif" fill="%s"%s>%s</text>`,
			el.X, el.Y+size, size, stroke, transform, lines.String())
	case scene.TypeImage:
		asset, ok := assets[el.AssetID]
		if !ok {
			return fmt.Sprintf(`<rect x="%f" y="%f" width="%f" height="%f" stroke="%s" fill="#f3f3f3" stroke-dasharray="6"%s/>`,
				el.X, el.Y, el.Width, el.Height, stroke, transform)
		}
		return fmt.Sprintf(`<image x="%f" y="%f" width="%f" height="%f" href="%s"%s/>`,
			el.X, el.Y, el.Width, el.Height, html.EscapeString(asset.DataURL), transform)
	default:
		return ""
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
