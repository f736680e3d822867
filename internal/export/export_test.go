package export

import (
	"strings"
	"testing"

	"easel/api/internal/scene"
)

func TestPrintHTMLEscapesTitle(t *testing.T) {
	doc := printHTML(`<script>alert("x")</script>`, scene.Snapshot{})
	if strings.Contains(doc, "<script>alert") {
		t.Error("title not escaped in print document")
	}
	if !strings.Contains(doc, "&lt;script&gt;") {
		t.Error("expected escaped title text")
	}
}

func TestPrintHTMLIncludesScene(t *testing.T) {
	snap := scene.Snapshot{Elements: []scene.Element{{
		ID: "e1", Type: scene.TypeRectangle, X: 10, Y: 10, Width: 100, Height: 50, Version: 1,
	}}}
	doc := printHTML("Algebra", snap)
	if !strings.Contains(doc, "<svg") || !strings.Contains(doc, "<rect") {
		t.Error("expected scene svg in print document")
	}
	if !strings.Contains(doc, "<h1>Algebra</h1>") {
		t.Error("expected title header")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Algebra Review", "Algebra-Review"},
		{"  spaced  out  ", "spaced-out"},
		{"../../etc/passwd", "etc-passwd"},
		{"", "board"},
		{"!!!", "board"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentEncodeUsesTwentyForSpace(t *testing.T) {
	if got := percentEncode("a b+c"); got != "a%20b%2Bc" {
		t.Errorf("percentEncode = %q", got)
	}
}
