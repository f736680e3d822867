package scene

import "fmt"

// Delta is the shape of a scene broadcast: shared content only. It has
// no view-state fields at all, so a peer's pan, zoom or tool selection
// can never leak into another viewport through the sync channel.
type Delta struct {
	Elements []Element        `json:"elements"`
	Assets   map[string]Asset `json:"assets,omitempty"`
}

// Delta reduces a full snapshot to its broadcastable subset.
func (s Snapshot) Delta() Delta {
	elements := make([]Element, len(s.Elements))
	for i, el := range s.Elements {
		elements[i] = el.Clone()
	}
	var assets map[string]Asset
	if len(s.Assets) > 0 {
		assets = make(map[string]Asset, len(s.Assets))
		for id, a := range s.Assets {
			assets[id] = a
		}
	}
	return Delta{Elements: elements, Assets: assets}
}

// Apply merges an incoming delta into the snapshot, replacing the local
// element collection with the merge output. View state is untouched.
func (s *Snapshot) Apply(d Delta) {
	s.Elements = Merge(s.Elements, d.Elements)
	s.Assets = MergeAssets(s.Assets, d.Assets)
}

// ContentDigest is a cheap fingerprint of shared content: element count,
// version sum and asset count. Camera or tool changes leave it unchanged,
// which is exactly what makes it a broadcast filter.
func ContentDigest(elements []Element, assets map[string]Asset) string {
	var versions int64
	for _, el := range elements {
		versions += el.Version
	}
	return fmt.Sprintf("%d:%d:%d", len(elements), versions, len(assets))
}

// Digest is ContentDigest over the snapshot's own content.
func (s Snapshot) Digest() string {
	return ContentDigest(s.Elements, s.Assets)
}
