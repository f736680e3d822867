package scene

// Compare orders two instances of the same element. It returns >0 when a
// should win, <0 when b should, and 0 only when both carry identical
// (version, timestamp, nonce) triples. The ordering is total, so repeated
// merges converge no matter the order deltas arrive in.
func Compare(a, b Element) int {
	switch {
	case a.Version != b.Version:
		return cmp(a.Version, b.Version)
	case a.UpdatedAt != b.UpdatedAt:
		return cmp(a.UpdatedAt, b.UpdatedAt)
	default:
		return cmp(a.VersionNonce, b.VersionNonce)
	}
}

// cmp compares directly rather than by subtracting: a-b overflows when
// the operands straddle the int64 sign boundary, and the wire accepts
// any int64 a peer sends.
func cmp(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}

// Merge reconciles a remote element set against the local one. For each
// ID present on both sides the winning instance is chosen by Compare;
// IDs present on one side only pass through. Local ordering is kept and
// unseen remote elements are appended in their own order, so the result
// is deterministic for any pair of inputs.
//
// Merge resolves whole-element conflicts: the winner replaces the loser
// outright, field-level edits are not combined.
func Merge(local, remote []Element) []Element {
	remoteByID := make(map[string]Element, len(remote))
	for _, el := range remote {
		remoteByID[el.ID] = el
	}

	merged := make([]Element, 0, len(local)+len(remote))
	seen := make(map[string]struct{}, len(local))
	for _, el := range local {
		seen[el.ID] = struct{}{}
		if rem, ok := remoteByID[el.ID]; ok && Compare(el, rem) < 0 {
			merged = append(merged, rem.Clone())
			continue
		}
		merged = append(merged, el.Clone())
	}
	for _, el := range remote {
		if _, ok := seen[el.ID]; ok {
			continue
		}
		merged = append(merged, el.Clone())
	}
	return merged
}

// MergeAssets unions two asset maps; local entries win on key collision
// since assets are immutable once written.
func MergeAssets(local, remote map[string]Asset) map[string]Asset {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}
	merged := make(map[string]Asset, len(local)+len(remote))
	for id, a := range remote {
		merged[id] = a
	}
	for id, a := range local {
		merged[id] = a
	}
	return merged
}
